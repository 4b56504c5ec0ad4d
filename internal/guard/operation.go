package guard

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/schema"
)

// Operation 描述一次待授权的外部调用提案。
type Operation struct {
	// Target 是外部调用的目标地址，必须位于账户的目标白名单内。
	Target common.Address `json:"target"`
	// Value 是随调用直接转移的金额，可以为空。
	Value *big.Int `json:"value,omitempty"`
	// Instruction 是调用内嵌的带标签指令。
	Instruction schema.Instruction `json:"instruction"`
}

// HasValue 判断操作是否携带直接转账金额。
func (op Operation) HasValue() bool {
	return op.Value != nil && op.Value.Sign() > 0
}

// DirectValue 返回操作的直接转账金额，缺省为零。
func (op Operation) DirectValue() *big.Int {
	if op.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(op.Value)
}
