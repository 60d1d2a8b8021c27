package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/pkg/logger"
)

// Outbox 在进程内缓存已提交的事件，直到 Dispatcher 发出。
// Emit 从不阻塞：缓冲区满时丢弃事件并计数。
type Outbox struct {
	ch      chan Event
	dropped atomic.Uint64
	onDrop  func(Event)
}

// NewOutbox 创建最多容纳 size 条事件的 Outbox。
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1024
	}
	return &Outbox{ch: make(chan Event, size)}
}

// OnDrop 注册事件被丢弃时的回调。
func (o *Outbox) OnDrop(fn func(Event)) { o.onDrop = fn }

// Emit 实现 Sink。
func (o *Outbox) Emit(_ context.Context, event Event) {
	select {
	case o.ch <- event:
	default:
		o.dropped.Add(1)
		logger.L().Error("event outbox full, dropping event",
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
			slog.String("agreement", event.Agreement))
		if o.onDrop != nil {
			o.onDrop(event)
		}
	}
}

// Dropped 返回被丢弃的事件数。
func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }

// Pending 返回等待发送的事件数。
func (o *Outbox) Pending() int { return len(o.ch) }

// DispatcherConfig 控制发布重试。
type DispatcherConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func (c DispatcherConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	if c.MaxElapsedTime > 0 {
		b.MaxElapsedTime = c.MaxElapsedTime
	}
	return b
}

// Dispatcher 把 Outbox 中的事件交给 Publisher，每条事件按指数退避重试，
// 仍然失败的事件上报后跳过。
type Dispatcher struct {
	outbox    *Outbox
	publisher Publisher
	cfg       DispatcherConfig
	onFailure func(Event, error)
	log       *slog.Logger
}

// NewDispatcher 连接 Outbox 与 Publisher。
func NewDispatcher(outbox *Outbox, publisher Publisher, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		log:       logger.Named("events"),
	}
}

// OnFailure 注册重试耗尽时的回调。
func (d *Dispatcher) OnFailure(fn func(Event, error)) { d.onFailure = fn }

// Run 持续发送事件直到 ctx 取消，随后在短暂的宽限期内清空已缓冲的事件。
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return ctx.Err()
		case event := <-d.outbox.ch:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-d.outbox.ch:
			d.deliver(ctx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	attempts := 0
	operation := func() error {
		attempts++
		return d.publisher.Publish(ctx, event)
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn("event publish failed, retrying",
			slog.String("event_id", event.ID),
			slog.Int("attempt", attempts),
			slog.Duration("next_retry_in", wait),
			slog.Any("error", err))
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(d.cfg.backOff(), ctx), notify)
	if err == nil {
		return
	}
	wrapped := xerrors.Wrap(xerrors.CodePublishFailure, err, "event abandoned after retries",
		xerrors.WithMetadata("event_id", event.ID),
		xerrors.WithMetadata("kind", string(event.Kind)))
	d.log.Error("event publish abandoned", slog.Int("attempts", attempts), slog.Any("error", wrapped))
	if d.onFailure != nil {
		d.onFailure(event, wrapped)
	}
}
