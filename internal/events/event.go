// Package events carries the notifications agreements and the registry emit
// for off-chain observers. Events are recorded into an in-process outbox when
// an operation commits and are shipped to an external broker afterwards, so a
// broker outage never rolls back a committed fund movement.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Kind 标识事件类型。
type Kind string

const (
	KindAgreementCreated    Kind = "agreement.created"
	KindAgreementEntered    Kind = "agreement.entered"
	KindRentPaid            Kind = "rent.paid"
	KindUnpaidRentWithdrawn Kind = "unpaid_rent.withdrawn"
	KindAgreementTerminated Kind = "agreement.terminated"
)

// Event 是一条通知。金额是代币最小单位的十进制字符串，地址为带校验和的十六进制。
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Agreement  string            `json:"agreement"`
	OccurredAt int64             `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New 生成带新 ID 的事件。
func New(kind Kind, agreement common.Address, at time.Time, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Agreement:  agreement.Hex(),
		OccurredAt: at.Unix(),
		Attributes: attrs,
	}
}

// Encode 把事件序列化为传输格式。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode 解析 Encode 生成的数据。
func Decode(raw []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(raw, &e)
	return e, err
}

// Sink 在操作提交时同步接收事件。实现不能长时间阻塞，也不能让调用方失败。
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc 把函数适配为 Sink。
type SinkFunc func(ctx context.Context, event Event)

// Emit 实现 Sink。
func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// Discard 丢弃所有事件。
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Recorder 在内存中保存所有事件，主要用于测试。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit 实现 Sink。
func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events 按发出顺序返回事件副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind 返回指定类型的事件。
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Last 返回最近一条事件。
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// Fanout 依次把事件转发给多个 Sink。
type Fanout []Sink

// Emit 实现 Sink。
func (f Fanout) Emit(ctx context.Context, event Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}
