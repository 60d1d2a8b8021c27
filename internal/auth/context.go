package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// callerKey 是上下文中存储调用方地址的键类型。
type callerKey struct{}

// WithCaller 将经过验证的调用方地址存入上下文。零地址不会被写入。
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	if caller == (common.Address{}) {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom 从上下文中取出调用方地址。
func CallerFrom(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	if !ok || caller == (common.Address{}) {
		return common.Address{}, false
	}
	return caller, true
}
