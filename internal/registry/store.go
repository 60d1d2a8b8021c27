package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"RentEscrow/internal/lease"
)

// Store 持久化协议快照，注册表重启后据此恢复协议。
type Store interface {
	Save(ctx context.Context, snap lease.Snapshot) error
	Load(ctx context.Context, address common.Address) (lease.Snapshot, error)
	List(ctx context.Context) ([]lease.Snapshot, error)
	// Delete 仅用于撤回创建失败的协议；不存在时不报错。
	Delete(ctx context.Context, address common.Address) error
}

// MemoryStore 在内存中保存快照。
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[common.Address]lease.Snapshot
}

// NewMemoryStore 返回空存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[common.Address]lease.Snapshot)}
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, snap lease.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Address] = snap
	return nil
}

// Load 实现 Store。
func (m *MemoryStore) Load(_ context.Context, address common.Address) (lease.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[address]
	if !ok {
		return lease.Snapshot{}, notFound(address)
	}
	return snap, nil
}

// List 实现 Store，按创建时间、地址排序。
func (m *MemoryStore) List(context.Context) ([]lease.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]lease.Snapshot, 0, len(m.snaps))
	for _, snap := range m.snaps {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out, nil
}

// Delete 实现 Store。
func (m *MemoryStore) Delete(_ context.Context, address common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, address)
	return nil
}

var _ Store = (*MemoryStore)(nil)
