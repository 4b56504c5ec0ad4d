package schema

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind 标识指令的形态。不同形态决定了金额与地址提取的方式。
type Kind string

const (
	// KindNone 表示不携带内嵌指令，仅有直接转账金额。
	KindNone Kind = ""
	// KindTransfer 对应 transfer(to, amount) 形态的资产转移。
	KindTransfer Kind = "transfer"
	// KindApprove 对应 approve(spender, amount) 形态的额度授权。
	KindApprove Kind = "approve"
	// KindTransferFrom 对应 transferFrom(from, to, amount) 形态的受托转移。
	KindTransferFrom Kind = "transfer_from"
	// KindCall 表示结构复杂的外部调用，内嵌地址由执行模式提取。
	KindCall Kind = "call"
)

// 各指令形态对应的四字节函数选择子。
var (
	SelectorTransfer     = [4]byte{0xa9, 0x05, 0x9c, 0xbb}
	SelectorApprove      = [4]byte{0x09, 0x5e, 0xa7, 0xb3}
	SelectorTransferFrom = [4]byte{0x23, 0xb8, 0x72, 0xdd}
)

// Instruction 是从不透明载荷重建出来的带标签指令变体。
// 上游提交时即以显式字段描述指令，核心不做字节级嗅探。
type Instruction struct {
	Kind     Kind           `json:"kind"`
	Token    common.Address `json:"token,omitempty"`
	From     common.Address `json:"from,omitempty"`
	To       common.Address `json:"to,omitempty"`
	Amount   *big.Int       `json:"amount,omitempty"`
	Selector [4]byte        `json:"selector,omitempty"`
	// Params 携带 KindCall 指令内嵌的地址参数，顺序即打包顺序。
	Params []common.Address `json:"params,omitempty"`
}

// MovesValue 判断指令是否转移白名单资产的价值。
func (in Instruction) MovesValue() bool {
	switch in.Kind {
	case KindTransfer, KindApprove, KindTransferFrom:
		return true
	default:
		return false
	}
}

// DeclaredAmount 返回指令声明的金额，缺省为零。
func (in Instruction) DeclaredAmount() *big.Int {
	if in.Amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(in.Amount)
}

// Encode 把指令重新打包为外部调用载荷。
// 带标签形态按 ABI 规则打包固定参数；KindCall 打包选择子与地址参数；
// KindNone 返回 nil，表示纯转账。
func (in Instruction) Encode() []byte {
	selector := in.EffectiveSelector()
	switch in.Kind {
	case KindNone:
		return nil
	case KindTransfer, KindApprove:
		out := make([]byte, 0, 4+64)
		out = append(out, selector[:]...)
		out = appendAddress(out, in.To)
		out = appendAmount(out, in.Amount)
		return out
	case KindTransferFrom:
		out := make([]byte, 0, 4+96)
		out = append(out, selector[:]...)
		out = appendAddress(out, in.From)
		out = appendAddress(out, in.To)
		out = appendAmount(out, in.Amount)
		return out
	default:
		out := make([]byte, 0, 4+32*len(in.Params))
		out = append(out, selector[:]...)
		for _, addr := range in.Params {
			out = appendAddress(out, addr)
		}
		return out
	}
}

func appendAddress(buf []byte, addr common.Address) []byte {
	word := common.BytesToHash(addr.Bytes())
	return append(buf, word[:]...)
}

func appendAmount(buf []byte, amount *big.Int) []byte {
	var word common.Hash
	if amount != nil {
		word = common.BigToHash(amount)
	}
	return append(buf, word[:]...)
}

// EffectiveSelector 返回指令的函数选择子；带标签形态使用固定选择子。
func (in Instruction) EffectiveSelector() [4]byte {
	switch in.Kind {
	case KindTransfer:
		return SelectorTransfer
	case KindApprove:
		return SelectorApprove
	case KindTransferFrom:
		return SelectorTransferFrom
	default:
		return in.Selector
	}
}
