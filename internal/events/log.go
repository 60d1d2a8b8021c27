package events

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Log 是队列消费者追加写入的事件历史。
// 同一事件 ID 重复追加时不做任何事，重复投递无害。
type Log interface {
	Append(ctx context.Context, event Event) error
	ByAgreement(ctx context.Context, agreement common.Address) ([]Event, error)
}

// Archive 返回把消费到的事件写入 log 的 Handler。
func Archive(log Log) Handler {
	return func(ctx context.Context, event Event) error {
		return log.Append(ctx, event)
	}
}

// MemoryLog 在内存中保存事件历史。
type MemoryLog struct {
	mu     sync.RWMutex
	seen   map[string]struct{}
	events map[string][]Event
}

// NewMemoryLog 返回空的历史。
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		seen:   make(map[string]struct{}),
		events: make(map[string][]Event),
	}
}

// Append 实现 Log。
func (m *MemoryLog) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[event.ID]; ok {
		return nil
	}
	m.seen[event.ID] = struct{}{}
	m.events[event.Agreement] = append(m.events[event.Agreement], event)
	return nil
}

// ByAgreement 实现 Log。
func (m *MemoryLog) ByAgreement(_ context.Context, agreement common.Address) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.events[agreement.Hex()]
	out := make([]Event, len(list))
	copy(out, list)
	return out, nil
}

var _ Log = (*MemoryLog)(nil)
