package registry

import (
	"bytes"
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RentEscrow/internal/auth"
	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
	"RentEscrow/internal/lease"
	"RentEscrow/internal/token"
)

var (
	factory  = common.HexToAddress("0x00000000000000000000000000000000000f4c70")
	dai      = common.HexToAddress("0x00000000000000000000000000000000000000da")
	landlord = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	other    = common.HexToAddress("0x000000000000000000000000000000000000a22c")
	tenant   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func as(addr common.Address) context.Context {
	return auth.WithCaller(context.Background(), addr)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRegistry(t *testing.T, opts ...Option) (*Registry, *token.MemoryLedger, *events.Recorder) {
	t.Helper()
	ledger := token.NewMemoryLedger(dai)
	rec := &events.Recorder{}
	base := []Option{
		WithEventSink(rec),
		WithClock(lease.NewManualClock(time.Unix(1_700_000_000, 0))),
		WithLogger(quiet()),
		WithAuditLogger(quiet()),
		WithAgreementOptions(lease.WithLogger(quiet()), lease.WithAuditLogger(quiet())),
	}
	r, err := New(factory, token.NewDirectory(ledger), append(base, opts...)...)
	require.NoError(t, err)
	return r, ledger, rec
}

func TestCreateNewRentalWritesAuditRecord(t *testing.T) {
	var buf bytes.Buffer
	r, _, _ := newRegistry(t, WithAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	agr, err := r.CreateNewRental(as(landlord), tenant, u(500), u(500), u(1500), dai)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"协议创建成功"`)
	assert.Contains(t, out, `"agreement":"`+agr.Address().Hex()+`"`)
	assert.Contains(t, out, `"landlord":"`+landlord.Hex()+`"`)
}

func TestCreateNewRentalIndexesByOwner(t *testing.T) {
	r, _, rec := newRegistry(t)
	ctx := as(landlord)

	first, err := r.CreateNewRental(ctx, tenant, u(500), u(500), u(1500), dai)
	require.NoError(t, err)
	second, err := r.CreateNewRental(ctx, common.Address{}, u(100), u(100), u(100), dai)
	require.NoError(t, err)
	_, err = r.CreateNewRental(as(other), tenant, u(1), u(1), u(1), dai)
	require.NoError(t, err)

	assert.Equal(t, crypto.CreateAddress(factory, 0), first.Address())
	assert.Equal(t, crypto.CreateAddress(factory, 1), second.Address())
	assert.Equal(t, landlord, first.Landlord())
	assert.Equal(t, lease.StateProposed, first.State())

	got, err := r.RentalsByOwner(ctx, landlord, 1)
	require.NoError(t, err)
	assert.Equal(t, second.Address(), got)

	n, err := r.CountByOwner(ctx, landlord)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	list, err := r.ListByOwner(ctx, landlord)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{first.Address(), second.Address()}, list)

	_, err = r.RentalsByOwner(ctx, landlord, 2)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = r.RentalsByOwner(ctx, tenant, 0)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	created := rec.OfKind(events.KindAgreementCreated)
	require.Len(t, created, 3)
	assert.Equal(t, "1", created[1].Attributes["index"])
	assert.Equal(t, "1500", created[0].Attributes["rent_guarantee"])
}

func TestCreateNewRentalFailures(t *testing.T) {
	r, _, rec := newRegistry(t)

	_, err := r.CreateNewRental(context.Background(), tenant, u(1), u(1), u(1), dai)
	require.ErrorIs(t, err, lease.ErrUnauthorized)

	_, err = r.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), tenant)
	require.ErrorIs(t, err, lease.ErrInvalidTerms)

	_, err = r.CreateNewRental(as(landlord), landlord, u(1), u(1), u(1), dai)
	require.ErrorIs(t, err, lease.ErrInvalidTerms)

	n, err := r.CountByOwner(context.Background(), landlord)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.Events())
}

func TestCreatedAgreementRunsFullLifecycle(t *testing.T) {
	r, ledger, rec := newRegistry(t)
	agr, err := r.CreateNewRental(as(landlord), tenant, u(500), u(500), u(1500), dai)
	require.NoError(t, err)

	require.NoError(t, ledger.Mint(tenant, u(2500)))
	require.NoError(t, ledger.Approve(context.Background(), tenant, agr.Address(), u(2500)))
	require.NoError(t, agr.EnterAgreement(as(tenant), landlord, u(500), u(1500), u(500)))

	found, err := r.Agreement(agr.Address())
	require.NoError(t, err)
	assert.Same(t, agr, found)

	// 协议发出的事件与登记表共用同一个 sink
	assert.Len(t, rec.OfKind(events.KindAgreementEntered), 1)

	_, err = r.Agreement(tenant)
	require.ErrorIs(t, err, ErrAgreementNotFound)
}

func TestRestoreAdoptsPersistedAgreements(t *testing.T) {
	store := NewMemoryStore()
	index := NewMemoryIndex()
	r, ledger, _ := newRegistry(t, WithStore(store), WithIndex(index))

	agr, err := r.CreateNewRental(as(landlord), tenant, u(500), u(500), u(1500), dai)
	require.NoError(t, err)
	require.NoError(t, ledger.Mint(tenant, u(2500)))
	require.NoError(t, ledger.Approve(context.Background(), tenant, agr.Address(), u(2500)))
	require.NoError(t, agr.EnterAgreement(as(tenant), landlord, u(500), u(1500), u(500)))
	require.NoError(t, r.Persist(context.Background(), agr))

	restarted, err := New(factory, token.NewDirectory(ledger),
		WithStore(store), WithIndex(index), WithLogger(quiet()), WithAuditLogger(quiet()),
		WithAllocator(NewNonceAllocator(factory, 0)),
		WithAgreementOptions(lease.WithLogger(quiet()), lease.WithAuditLogger(quiet())))
	require.NoError(t, err)
	n, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := restarted.Agreement(agr.Address())
	require.NoError(t, err)
	assert.Equal(t, lease.StateActive, again.State())
	assert.Equal(t, tenant, again.Tenant())

	// 分配器从 nonce 0 重新开始，但会跳过已恢复的地址
	next, err := restarted.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), dai)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(factory, 1), next.Address())

	count, err := restarted.CountByOwner(context.Background(), landlord)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	require.Error(t, restarted.Adopt(again))
}

type fixedAllocator struct{ addr common.Address }

func (f fixedAllocator) Allocate(context.Context, common.Address) (common.Address, error) {
	return f.addr, nil
}

func TestAllocatorExhaustion(t *testing.T) {
	addr := common.HexToAddress("0x0000000000000000000000000000000000001234")
	r, _, _ := newRegistry(t, WithAllocator(fixedAllocator{addr: addr}))

	_, err := r.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), dai)
	require.NoError(t, err)
	_, err = r.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), dai)
	require.ErrorIs(t, err, ErrAddressExhausted)
}

func TestConcurrentCreatesKeepIndexDense(t *testing.T) {
	r, _, _ := newRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), dai)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := r.ListByOwner(context.Background(), landlord)
	require.NoError(t, err)
	require.Len(t, list, 20)
	seen := make(map[common.Address]bool)
	for _, a := range list {
		assert.False(t, seen[a])
		seen[a] = true
	}
}

func TestRestoreManyAgreementsThenCreate(t *testing.T) {
	store := NewMemoryStore()
	index := NewMemoryIndex()
	r, ledger, _ := newRegistry(t, WithStore(store), WithIndex(index))
	for i := 0; i < 20; i++ {
		_, err := r.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), dai)
		require.NoError(t, err)
	}

	restarted, err := New(factory, token.NewDirectory(ledger),
		WithStore(store), WithIndex(index), WithLogger(quiet()), WithAuditLogger(quiet()),
		WithAllocator(NewNonceAllocator(factory, 0)),
		WithAgreementOptions(lease.WithLogger(quiet()), lease.WithAuditLogger(quiet())))
	require.NoError(t, err)
	n, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, n)

	next, err := restarted.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), dai)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(factory, 20), next.Address())
}

type failingIndex struct {
	*MemoryIndex
}

func (failingIndex) Append(context.Context, common.Address, common.Address) (uint64, error) {
	return 0, stdErrors.New("index unavailable")
}

func TestCreateNewRentalWithdrawsSnapshotWhenIndexFails(t *testing.T) {
	store := NewMemoryStore()
	r, _, rec := newRegistry(t, WithStore(store), WithIndex(failingIndex{NewMemoryIndex()}))

	_, err := r.CreateNewRental(as(landlord), tenant, u(1), u(1), u(1), dai)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	snaps, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)

	_, err = r.Agreement(crypto.CreateAddress(factory, 0))
	require.ErrorIs(t, err, ErrAgreementNotFound)
	assert.Empty(t, rec.OfKind(events.KindAgreementCreated))
}

// gatedStore 在放行之前阻塞第一次被拦截的 Save。
type gatedStore struct {
	*MemoryStore

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedStore) Save(ctx context.Context, snap lease.Snapshot) error {
	g.mu.Lock()
	hold := g.armed
	g.armed = false
	g.mu.Unlock()
	if hold {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.Save(ctx, snap)
}

func TestPersistKeepsNewestSnapshotUnderConcurrentSaves(t *testing.T) {
	store := &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	r, ledger, _ := newRegistry(t, WithStore(store))
	agr, err := r.CreateNewRental(as(landlord), tenant, u(500), u(500), u(1500), dai)
	require.NoError(t, err)
	require.NoError(t, ledger.Mint(tenant, u(3500)))
	require.NoError(t, ledger.Approve(context.Background(), tenant, agr.Address(), u(3500)))
	require.NoError(t, agr.EnterAgreement(as(tenant), landlord, u(500), u(1500), u(500)))

	store.arm()
	first := make(chan error, 1)
	go func() {
		if err := agr.PayRent(as(tenant)); err != nil {
			first <- err
			return
		}
		first <- r.Persist(context.Background(), agr)
	}()
	<-store.entered

	require.NoError(t, agr.PayRent(as(tenant)))
	second := make(chan error, 1)
	go func() { second <- r.Persist(context.Background(), agr) }()

	close(store.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	snap, err := store.Load(context.Background(), agr.Address())
	require.NoError(t, err)
	assert.Equal(t, agr.NextRentDue(), snap.NextRentDue)
}
