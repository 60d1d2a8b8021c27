package registry

import (
	"context"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "RentEscrow/internal/errors"
)

// Index 是房东到协议地址的只追加列表，条目不会被删除或重排。
type Index interface {
	Append(ctx context.Context, owner, agreement common.Address) (uint64, error)
	At(ctx context.Context, owner common.Address, index uint64) (common.Address, error)
	Count(ctx context.Context, owner common.Address) (uint64, error)
	List(ctx context.Context, owner common.Address) ([]common.Address, error)
}

// MemoryIndex 在进程内存中保存索引。
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[common.Address][]common.Address
}

// NewMemoryIndex 返回空索引。
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[common.Address][]common.Address)}
}

// Append 实现 Index。
func (m *MemoryIndex) Append(_ context.Context, owner, agreement common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[owner] = append(m.entries[owner], agreement)
	return uint64(len(m.entries[owner]) - 1), nil
}

// At 实现 Index。
func (m *MemoryIndex) At(_ context.Context, owner common.Address, index uint64) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.entries[owner]
	if index >= uint64(len(list)) {
		return common.Address{}, OutOfRange(owner, index, uint64(len(list)))
	}
	return list[index], nil
}

// Count 实现 Index。
func (m *MemoryIndex) Count(_ context.Context, owner common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries[owner])), nil
}

// List 实现 Index。
func (m *MemoryIndex) List(_ context.Context, owner common.Address) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, len(m.entries[owner]))
	copy(out, m.entries[owner])
	return out, nil
}

// OutOfRange 构造各 Index 实现在位置越界时返回的错误。
func OutOfRange(owner common.Address, index, count uint64) error {
	return xerrors.New(CodeIndexOutOfRange, "no agreement at index",
		xerrors.WithMetadata("owner", owner.Hex()),
		xerrors.WithMetadata("index", strconv.FormatUint(index, 10)),
		xerrors.WithMetadata("count", strconv.FormatUint(count, 10)))
}

var _ Index = (*MemoryIndex)(nil)
