package commitment

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/schema"
)

// CodeActionNotCommitted 表示动作未通过承诺校验。
const CodeActionNotCommitted xerrors.Code = "ACTION_NOT_COMMITTED"

// ErrActionNotCommitted 是承诺校验失败的统一错误。
var ErrActionNotCommitted = xerrors.New(CodeActionNotCommitted, "action not committed")

func init() {
	xerrors.Register(CodeActionNotCommitted, xerrors.Attributes{
		Message:  "action not committed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthorizationDenied,
	})
}

// AddressRule 判断单个提取出的地址是否可接受：
// 零地址、账户自身地址或白名单资产之外的一切地址都应返回 false。
type AddressRule func(common.Address) bool

// Verifier 实现动作承诺门：先做地址安全检查，必要时再做包含性证明校验。
// 任一环节失败即整体失败，绝不放行。
type Verifier struct {
	proofs InclusionProofVerifier
}

// NewVerifier 创建承诺校验器。proofs 为空时使用 Keccak 实现。
func NewVerifier(proofs InclusionProofVerifier) *Verifier {
	if proofs == nil {
		proofs = KeccakProofVerifier{}
	}
	return &Verifier{proofs: proofs}
}

// VerifyAction 对一条绑定了执行模式的操作执行 §承诺门 校验：
//  1. 用执行模式从指令中提取内嵌地址；
//  2. 每个地址都必须通过 AddressRule；
//  3. 配置了承诺根时，叶子 hash(schema, target, hasValue, selector, addrs)
//     必须携带能通向承诺根的包含性证明。
//
// 未配置承诺根时仅执行第 1、2 步。
func (v *Verifier) VerifyAction(s schema.Schema, target common.Address, hasValue bool, in schema.Instruction, root common.Hash, proof []common.Hash, rule AddressRule) error {
	addrs, err := s.Extract(in)
	if err != nil {
		return xerrors.Wrap(CodeActionNotCommitted, err, "指令地址提取失败")
	}
	if rule == nil {
		return xerrors.New(CodeActionNotCommitted, "缺少地址安全规则")
	}
	for _, addr := range addrs {
		if !rule(addr) {
			return xerrors.New(CodeActionNotCommitted,
				fmt.Sprintf("内嵌地址 %s 不在许可范围内", addr.Hex()),
				xerrors.WithMetadata("address", addr.Hex()))
		}
	}
	if root == (common.Hash{}) {
		return nil
	}
	leaf := Leaf(s.Ref(), target, hasValue, in.EffectiveSelector(), addrs)
	if !v.proofs.Verify(leaf, proof, root) {
		return xerrors.New(CodeActionNotCommitted, "包含性证明校验失败",
			xerrors.WithMetadata("leaf", leaf.Hex()))
	}
	return nil
}
