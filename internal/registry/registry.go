// Package registry 负责创建租赁协议并按房东维护只追加的索引。
package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RentEscrow/internal/auth"
	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
	"RentEscrow/internal/lease"
	"RentEscrow/internal/token"
	"RentEscrow/pkg/logger"
)

// maxAllocateAttempts 是在已登记协议数之外，地址冲突时额外允许的重试次数。
const maxAllocateAttempts = 16

// Option 自定义注册表。
type Option func(*Registry)

// WithIndex 替换默认的内存索引。
func WithIndex(idx Index) Option {
	return func(r *Registry) {
		if idx != nil {
			r.index = idx
		}
	}
}

// WithStore 设置快照存储。未设置时不持久化。
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithAllocator 替换默认的地址分配器。
func WithAllocator(a AddressAllocator) Option {
	return func(r *Registry) {
		if a != nil {
			r.allocator = a
		}
	}
}

// WithClock 设置协议使用的时钟。
func WithClock(c lease.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithEventSink 设置事件出口。
func WithEventSink(s events.Sink) Option {
	return func(r *Registry) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithRentPeriod 设置新协议的租期，默认四周。
func WithRentPeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.rentPeriod = d
		}
	}
}

// WithAgreementOptions 附加传给每个协议的选项（例如指标观察者）。
func WithAgreementOptions(opts ...lease.Option) Option {
	return func(r *Registry) { r.agreementOpts = append(r.agreementOpts, opts...) }
}

// WithLogger 覆盖默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithAuditLogger 覆盖记录协议创建的审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.audit = l
		}
	}
}

// Registry 是协议工厂，同时持有房东到协议地址的索引。
type Registry struct {
	mu sync.Mutex

	address    common.Address
	ledgers    token.Resolver
	index      Index
	store      Store
	allocator  AddressAllocator
	clock      lease.Clock
	sink       events.Sink
	rentPeriod time.Duration
	log        *slog.Logger
	audit      *slog.Logger

	agreementOpts []lease.Option
	agreements    map[common.Address]*lease.Agreement
}

// New 构造注册表。address 是注册表自身的地址，默认分配器由它派生协议地址。
func New(address common.Address, ledgers token.Resolver, opts ...Option) (*Registry, error) {
	if ledgers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表缺少代币账本")
	}
	r := &Registry{
		address:    address,
		ledgers:    ledgers,
		index:      NewMemoryIndex(),
		clock:      lease.SystemClock{},
		sink:       events.Discard,
		rentPeriod: lease.DefaultRentPeriod,
		agreements: make(map[common.Address]*lease.Agreement),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.allocator == nil {
		r.allocator = NewNonceAllocator(address, 0)
	}
	if r.log == nil {
		r.log = logger.Named("registry")
	}
	if r.audit == nil {
		r.audit = logger.Audit()
	}
	return r, nil
}

// Address 返回注册表地址。
func (r *Registry) Address() common.Address { return r.address }

// Now 返回注册表时钟的当前时间。
func (r *Registry) Now() time.Time { return r.clock.Now() }

// CreateNewRental 以调用方为房东创建一份待签署的协议，并追加到房东的索引末尾。
func (r *Registry) CreateNewRental(ctx context.Context, tenant common.Address, rent, deposit, rentGuarantee *uint256.Int, paymentToken common.Address) (*lease.Agreement, error) {
	owner, ok := auth.CallerFrom(ctx)
	if !ok {
		return nil, xerrors.New(lease.CodeUnauthorized, "caller identity missing")
	}
	ledger, err := r.ledgers.Ledger(paymentToken)
	if err != nil {
		return nil, xerrors.Wrap(lease.CodeInvalidTerms, err, "payment token is not supported",
			xerrors.WithMetadata("payment_token", paymentToken.Hex()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	address, err := r.allocateLocked(ctx, owner)
	if err != nil {
		return nil, err
	}
	agr, err := lease.New(lease.Params{
		Address:      address,
		Landlord:     owner,
		Tenant:       tenant,
		PaymentToken: paymentToken,
		Terms:        lease.Terms{Rent: rent, Deposit: deposit, RentGuarantee: rentGuarantee},
		RentPeriod:   r.rentPeriod,
		Ledger:       ledger,
	}, r.leaseOptions()...)
	if err != nil {
		return nil, err
	}

	// 先保存快照再追加索引；索引写入失败时撤回快照，避免重启后恢复出索引之外的协议。
	if err := r.Persist(ctx, agr); err != nil {
		return nil, err
	}
	position, err := r.index.Append(ctx, owner, address)
	if err != nil {
		if r.store != nil {
			if derr := r.store.Delete(ctx, address); derr != nil {
				r.log.Error("撤回协议快照失败",
					slog.String("agreement", address.Hex()),
					slog.Any("error", derr))
			}
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入房东索引失败")
	}
	r.agreements[address] = agr

	snap := agr.Snapshot()
	r.sink.Emit(ctx, events.New(events.KindAgreementCreated, address, r.clock.Now(), map[string]string{
		"landlord":       owner.Hex(),
		"tenant":         tenant.Hex(),
		"payment_token":  paymentToken.Hex(),
		"rent":           snap.Rent,
		"deposit":        snap.Deposit,
		"rent_guarantee": snap.RentGuarantee,
		"index":          strconv.FormatUint(position, 10),
	}))
	r.audit.Info("协议创建成功",
		slog.String("agreement", address.Hex()),
		slog.String("landlord", owner.Hex()),
		slog.String("tenant", tenant.Hex()),
		slog.Uint64("index", position),
	)
	return agr, nil
}

// allocateLocked 跳过已登记的地址。重启后分配器可能从旧的序号开始，
// 因此重试上限随已登记协议数增长。
func (r *Registry) allocateLocked(ctx context.Context, owner common.Address) (common.Address, error) {
	attempts := len(r.agreements) + maxAllocateAttempts
	for i := 0; i < attempts; i++ {
		addr, err := r.allocator.Allocate(ctx, owner)
		if err != nil {
			return common.Address{}, fmt.Errorf("分配协议地址失败: %w", err)
		}
		if _, taken := r.agreements[addr]; !taken && addr != (common.Address{}) {
			return addr, nil
		}
		r.log.Debug("协议地址已被占用，重新分配", slog.String("address", addr.Hex()))
	}
	return common.Address{}, ErrAddressExhausted
}

func (r *Registry) leaseOptions() []lease.Option {
	opts := []lease.Option{lease.WithClock(r.clock), lease.WithEventSink(r.sink)}
	return append(opts, r.agreementOpts...)
}

// RentalsByOwner 返回房东第 index 份协议的地址。
func (r *Registry) RentalsByOwner(ctx context.Context, owner common.Address, index uint64) (common.Address, error) {
	return r.index.At(ctx, owner, index)
}

// CountByOwner 返回房东名下协议数量。
func (r *Registry) CountByOwner(ctx context.Context, owner common.Address) (uint64, error) {
	return r.index.Count(ctx, owner)
}

// ListByOwner 按创建顺序返回房东名下全部协议地址。
func (r *Registry) ListByOwner(ctx context.Context, owner common.Address) ([]common.Address, error) {
	return r.index.List(ctx, owner)
}

// Agreement 根据地址查找协议。
func (r *Registry) Agreement(address common.Address) (*lease.Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agr, ok := r.agreements[address]
	if !ok {
		return nil, notFound(address)
	}
	return agr, nil
}

// Adopt 登记一份从存储恢复的协议。索引已包含该协议，因此不会重复追加。
func (r *Registry) Adopt(agr *lease.Agreement) error {
	if agr == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "协议不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agreements[agr.Address()]; exists {
		return xerrors.New(xerrors.CodeConflict, "协议已登记",
			xerrors.WithMetadata("agreement", agr.Address().Hex()))
	}
	r.agreements[agr.Address()] = agr
	return nil
}

// Persist 保存协议的最新快照。同一协议的保存按顺序执行，且每次都在拿到
// 保存权后才读取快照，较旧的状态不会覆盖较新的状态。
func (r *Registry) Persist(ctx context.Context, agr *lease.Agreement) error {
	if r.store == nil || agr == nil {
		return nil
	}
	if err := agr.Checkpoint(ctx, r.store.Save); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存协议快照失败",
			xerrors.WithMetadata("agreement", agr.Address().Hex()))
	}
	return nil
}

// Restore 从存储中恢复全部协议并登记，返回恢复数量。
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	snaps, err := r.store.List(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取协议快照失败")
	}
	restored := 0
	for _, snap := range snaps {
		ledger, err := r.ledgers.Ledger(snap.PaymentToken)
		if err != nil {
			return restored, fmt.Errorf("恢复协议 %s: %w", snap.Address.Hex(), err)
		}
		agr, err := lease.Restore(snap, ledger, r.leaseOptions()...)
		if err != nil {
			return restored, fmt.Errorf("恢复协议 %s: %w", snap.Address.Hex(), err)
		}
		if err := r.Adopt(agr); err != nil {
			if stdErrors.Is(err, xerrors.New(xerrors.CodeConflict, "")) {
				continue
			}
			return restored, err
		}
		restored++
	}
	r.log.Info("协议恢复完成", slog.Int("count", restored))
	return restored, nil
}

func notFound(address common.Address) error {
	return xerrors.New(CodeAgreementNotFound, "agreement not found",
		xerrors.WithMetadata("agreement", address.Hex()))
}
