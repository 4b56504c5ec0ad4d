package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
)

// CodeSchemaMismatch 表示指令形态与绑定的执行模式不符。
const CodeSchemaMismatch xerrors.Code = "SCHEMA_MISMATCH"

// CodeSchemaUnknown 表示账户引用了未登记的执行模式。
const CodeSchemaUnknown xerrors.Code = "SCHEMA_UNKNOWN"

func init() {
	xerrors.Register(CodeSchemaMismatch, xerrors.Attributes{
		Message:  "instruction does not match the bound execution schema",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthorizationDenied,
	})
	xerrors.Register(CodeSchemaUnknown, xerrors.Attributes{
		Message:  "execution schema not registered",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryStateInvariant,
	})
}

// Schema 是按目标地址登记的纯函数解码器：
// 从指令中提取全部内嵌地址，供白名单与承诺校验使用。
type Schema interface {
	// Ref 返回执行模式的稳定引用名，参与承诺叶子的哈希。
	Ref() string
	// Extract 返回指令内嵌的地址列表，顺序必须稳定。
	Extract(in Instruction) ([]common.Address, error)
}

// Catalogue 维护执行模式引用名到实现的映射。
// 系统内置模式在启动时登记，之后只读。
type Catalogue struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewCatalogue 创建包含全部内置模式的目录。
func NewCatalogue() *Catalogue {
	c := &Catalogue{schemas: make(map[string]Schema)}
	for _, s := range builtins() {
		c.schemas[s.Ref()] = s
	}
	return c
}

// Register 登记一个执行模式。重名登记会被拒绝。
func (c *Catalogue) Register(s Schema) error {
	if s == nil || s.Ref() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行模式不能为空")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schemas[s.Ref()]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("执行模式 %s 已登记", s.Ref()))
	}
	c.schemas[s.Ref()] = s
	return nil
}

// Lookup 按引用名检索执行模式。
func (c *Catalogue) Lookup(ref string) (Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[ref]
	if !ok {
		return nil, xerrors.New(CodeSchemaUnknown, fmt.Sprintf("执行模式 %s 未登记", ref))
	}
	return s, nil
}

// Refs 返回全部已登记模式的引用名，按字典序排列。
func (c *Catalogue) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]string, 0, len(c.schemas))
	for ref := range c.schemas {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
