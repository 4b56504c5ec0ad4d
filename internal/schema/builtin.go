package schema

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
)

// 内置执行模式的引用名。
const (
	RefTokenMove = "token-move/v1"
	RefRouter    = "router-call/v1"
)

// builtins 返回系统内置的执行模式集合。
func builtins() []Schema {
	return []Schema{tokenMoveSchema{}, routerCallSchema{}}
}

// tokenMoveSchema 覆盖 transfer / approve / transferFrom 三种资产转移形态。
// 提取的地址为资产合约本身加全部交易对手。
type tokenMoveSchema struct{}

func (tokenMoveSchema) Ref() string { return RefTokenMove }

func (tokenMoveSchema) Extract(in Instruction) ([]common.Address, error) {
	switch in.Kind {
	case KindTransfer:
		return []common.Address{in.Token, in.To}, nil
	case KindApprove:
		return []common.Address{in.Token, in.To}, nil
	case KindTransferFrom:
		return []common.Address{in.Token, in.From, in.To}, nil
	default:
		return nil, xerrors.New(CodeSchemaMismatch,
			fmt.Sprintf("token-move 模式不支持 %q 形态的指令", in.Kind))
	}
}

// routerCallSchema 覆盖结构复杂的外部调用（例如路由合约的多参数调用），
// 直接透出指令声明的内嵌地址参数。
type routerCallSchema struct{}

func (routerCallSchema) Ref() string { return RefRouter }

func (routerCallSchema) Extract(in Instruction) ([]common.Address, error) {
	if in.Kind != KindCall {
		return nil, xerrors.New(CodeSchemaMismatch,
			fmt.Sprintf("router-call 模式不支持 %q 形态的指令", in.Kind))
	}
	out := make([]common.Address, len(in.Params))
	copy(out, in.Params)
	return out, nil
}
