package identity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// callerKey 是上下文中存储调用方地址的键类型。
type callerKey struct{}

// WithCaller 将经过认证的调用方地址存储到上下文中。
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext 从上下文中提取调用方地址。
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}
