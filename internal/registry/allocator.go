package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressAllocator 为新协议分配托管地址。
type AddressAllocator interface {
	Allocate(ctx context.Context, owner common.Address) (common.Address, error)
}

// NonceAllocator 按工厂合约派生子合约的方式生成地址：keccak(rlp(factory, nonce))。
type NonceAllocator struct {
	mu      sync.Mutex
	factory common.Address
	nonce   uint64
}

// NewNonceAllocator 从 nonce 开始派生。
func NewNonceAllocator(factory common.Address, nonce uint64) *NonceAllocator {
	return &NonceAllocator{factory: factory, nonce: nonce}
}

// Allocate 实现 AddressAllocator。
func (n *NonceAllocator) Allocate(context.Context, common.Address) (common.Address, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := crypto.CreateAddress(n.factory, n.nonce)
	n.nonce++
	return addr, nil
}
