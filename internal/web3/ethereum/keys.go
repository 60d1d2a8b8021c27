package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/registry"
)

// maxRecoverScan 是恢复托管私钥时每个房东最多尝试的派生序号。
const maxRecoverScan = 4096

// Keyring 保存账本可以代为签名的账户私钥。
type Keyring struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeyring 创建空的密钥环。
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

// Add 登记私钥并返回其地址。
func (k *Keyring) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr
}

// Has 判断是否持有账户私钥。
func (k *Keyring) Has(addr common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[addr]
	return ok
}

// TransactOpts 返回以 addr 身份签名的交易参数。
func (k *Keyring) TransactOpts(ctx context.Context, addr common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	k.mu.RLock()
	key, ok := k.keys[addr]
	k.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "no signing key for account",
			xerrors.WithMetadata("account", addr.Hex()))
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("构造交易签名器失败: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// KeyedAllocator 为每个新协议派生一把托管私钥，协议地址即该私钥的账户地址。
// 私钥由 keccak256(seed || owner || n) 派生，重启后可以通过 Recover 找回。
type KeyedAllocator struct {
	seed    []byte
	keyring *Keyring

	mu       sync.Mutex
	counters map[common.Address]uint64
}

// NewKeyedAllocator 使用派生种子创建分配器。
func NewKeyedAllocator(seed []byte, keyring *Keyring) (*KeyedAllocator, error) {
	if len(seed) < 16 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "custody key seed must be at least 16 bytes")
	}
	return &KeyedAllocator{
		seed:     append([]byte(nil), seed...),
		keyring:  keyring,
		counters: make(map[common.Address]uint64),
	}, nil
}

// Allocate 实现 registry.AddressAllocator。
func (a *KeyedAllocator) Allocate(_ context.Context, owner common.Address) (common.Address, error) {
	a.mu.Lock()
	n := a.counters[owner]
	a.counters[owner] = n + 1
	a.mu.Unlock()

	key, err := a.derive(owner, n)
	if err != nil {
		return common.Address{}, err
	}
	return a.keyring.Add(key), nil
}

// Recover 重新派生 agreement 对应的私钥，并把房东的计数推进到该序号之后。
func (a *KeyedAllocator) Recover(owner, agreement common.Address) error {
	for n := uint64(0); n < maxRecoverScan; n++ {
		key, err := a.derive(owner, n)
		if err != nil {
			return err
		}
		if crypto.PubkeyToAddress(key.PublicKey) != agreement {
			continue
		}
		a.keyring.Add(key)
		a.mu.Lock()
		if a.counters[owner] <= n {
			a.counters[owner] = n + 1
		}
		a.mu.Unlock()
		return nil
	}
	return xerrors.New(xerrors.CodeNotFound, "custody key not derivable from seed",
		xerrors.WithMetadata("owner", owner.Hex()),
		xerrors.WithMetadata("agreement", agreement.Hex()))
}

func (a *KeyedAllocator) derive(owner common.Address, n uint64) (*ecdsa.PrivateKey, error) {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], n)
	material := crypto.Keccak256(a.seed, owner.Bytes(), counter[:])
	key, err := crypto.ToECDSA(material)
	if err != nil {
		return nil, fmt.Errorf("派生托管私钥失败: %w", err)
	}
	return key, nil
}

var _ registry.AddressAllocator = (*KeyedAllocator)(nil)
