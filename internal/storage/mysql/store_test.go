package mysql

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-sql-driver/mysql"

	"RentEscrow/deploy/migrations"
	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
	"RentEscrow/internal/lease"
	"RentEscrow/internal/registry"
)

var (
	agreementAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	landlordAddr  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	tenantAddr    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	daiAddr       = common.HexToAddress("0x00000000000000000000000000000000000000da")
)

func fixedNow() time.Time { return time.Unix(1_700_000_500, 0) }

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{
			columns: []string{"version", "digest"},
			values:  [][]driver.Value{{"0001", migrationDigest("0001_create_agreements.sql")}},
		}),
		beginOp(),
		execOp(migrationStatement("0002_create_registry_index.sql"), mockResult{}),
		execOp(recordMigrationSQL, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		execOp(migrationStatement("0003_create_agreement_events.sql"), mockResult{}),
		execOp(recordMigrationSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, mock := newMockDB(t, ops)
	defer mock.assertConsumed(t)
	defer db.Close()

	m := &migrator{db: db, source: migrations.Files, now: fixedNow}
	if err := m.up(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	args := mock.argsOf(4)
	if args[0].Value != "0002" || args[1].Value != migrationDigest("0002_create_registry_index.sql") {
		t.Fatalf("unexpected recorded migration: %v %v", args[0].Value, args[1].Value)
	}
	if args[2].Value != fixedNow().Unix() {
		t.Fatalf("unexpected applied_at: %v", args[2].Value)
	}
}

func TestRunMigrationsRejectsEditedFiles(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t, []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{
			columns: []string{"version", "digest"},
			values:  [][]driver.Value{{"0001", "0xstale"}},
		}),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_create_agreements.sql") {
		t.Fatalf("expected edited migration to be rejected, got %v", err)
	}
}

func TestMigrationStepsRejectDuplicateVersions(t *testing.T) {
	t.Parallel()

	source := fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"0001_b.sql": {Data: []byte("CREATE TABLE b (id INT);")},
	}
	if _, err := (&migrator{source: source}).steps(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0001_create_agreements.sql": "0001",
		"0007.sql":                   "0007",
		"plain":                      "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
	if got := splitSQLStatements("SELECT 1;\n\n;SELECT 2;"); len(got) != 2 {
		t.Fatalf("unexpected statements: %q", got)
	}
	if got := splitSQLStatements("-- 注释; 不是语句\nSELECT 1;"); len(got) != 1 || got[0] != "SELECT 1" {
		t.Fatalf("comment lines should be dropped: %q", got)
	}
}

func TestSQLAgreementStoreSaveAndLoad(t *testing.T) {
	t.Parallel()

	row := []driver.Value{
		agreementAddr.Hex(), landlordAddr.Hex(), tenantAddr.Hex(), daiAddr.Hex(),
		"500", "500", "1000",
		int64(2419200), int64(1_702_419_200), "active", int64(1_700_000_000), int64(1_700_000_000), int64(0),
	}
	db, mock := newMockDB(t, []mockOperation{
		execOp(upsertAgreementSQL, mockResult{rowsAffected: 1}),
		queryOp(selectAgreementSQL, mockRowsData{columns: snapshotColumns(), values: [][]driver.Value{row}}),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	store := &SQLAgreementStore{db: db, now: fixedNow}
	snap := lease.Snapshot{
		Address:       agreementAddr,
		Landlord:      landlordAddr,
		PaymentToken:  daiAddr,
		Rent:          "500",
		Deposit:       "500",
		RentGuarantee: "1500",
		RentPeriod:    2419200,
		State:         lease.StateProposed,
		CreatedAt:     1_700_000_000,
	}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	args := mock.argsOf(0)
	if len(args) != 14 {
		t.Fatalf("expected 14 args, got %d", len(args))
	}
	if args[2].Value != "" {
		t.Fatalf("open agreement should store an empty tenant, got %v", args[2].Value)
	}
	if args[13].Value != fixedNow().Unix() {
		t.Fatalf("unexpected updated_at %v", args[13].Value)
	}

	loaded, err := store.Load(context.Background(), agreementAddr)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Tenant != tenantAddr || loaded.State != lease.StateActive || loaded.RentGuarantee != "1000" {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
	if loaded.NextRentDue != 1_702_419_200 || loaded.RentPeriod != 2419200 {
		t.Fatalf("unexpected schedule: %+v", loaded)
	}
}

func TestSQLAgreementStoreLoadMissing(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t, []mockOperation{
		queryOp(selectAgreementSQL, mockRowsData{columns: snapshotColumns()}),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	store := NewSQLAgreementStore(db)
	_, err := store.Load(context.Background(), agreementAddr)
	if !stdErrors.Is(err, registry.ErrAgreementNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLAgreementStoreList(t *testing.T) {
	t.Parallel()

	other := common.HexToAddress("0x00000000000000000000000000000000000e5c41")
	db, mock := newMockDB(t, []mockOperation{
		queryOp(listAgreementsSQL, mockRowsData{columns: snapshotColumns(), values: [][]driver.Value{
			{agreementAddr.Hex(), landlordAddr.Hex(), "", daiAddr.Hex(), "1", "1", "1", int64(60), int64(0), "proposed", int64(1), int64(0), int64(0)},
			{other.Hex(), landlordAddr.Hex(), tenantAddr.Hex(), daiAddr.Hex(), "1", "0", "0", int64(60), int64(120), "terminated", int64(2), int64(60), int64(200)},
		}}),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	snaps, err := NewSQLAgreementStore(db).List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Tenant != (common.Address{}) || snaps[1].TerminatedAt != 200 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestSQLAgreementStoreDelete(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t, []mockOperation{
		execOp(deleteAgreementSQL, mockResult{rowsAffected: 1}),
		execErrOp(deleteAgreementSQL, fmt.Errorf("connection reset")),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	store := NewSQLAgreementStore(db)
	if err := store.Delete(context.Background(), agreementAddr); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := mock.argsOf(0)[0].Value; got != agreementAddr.Hex() {
		t.Fatalf("unexpected delete argument: %v", got)
	}
	err := store.Delete(context.Background(), agreementAddr)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSQLRegistryIndexAppend(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(`SELECT COUNT(*) FROM registry_index WHERE owner = ? FOR UPDATE`, mockRowsData{
			columns: []string{"count"},
			values:  [][]driver.Value{{int64(2)}},
		}),
		execOp(`INSERT INTO registry_index (owner, position, agreement, created_at) VALUES (?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	idx := &SQLRegistryIndex{db: db, now: fixedNow}
	pos, err := idx.Append(context.Background(), landlordAddr, agreementAddr)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}
	args := mock.argsOf(2)
	if args[0].Value != landlordAddr.Hex() || args[1].Value != int64(2) || args[2].Value != agreementAddr.Hex() {
		t.Fatalf("unexpected insert args: %+v", args)
	}
}

func TestSQLRegistryIndexAppendDuplicate(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(`SELECT COUNT(*) FROM registry_index WHERE owner = ? FOR UPDATE`, mockRowsData{
			columns: []string{"count"},
			values:  [][]driver.Value{{int64(0)}},
		}),
		execErrOp(`INSERT INTO registry_index (owner, position, agreement, created_at) VALUES (?, ?, ?, ?)`,
			&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"}),
		rollbackOp(),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	_, err := NewSQLRegistryIndex(db).Append(context.Background(), landlordAddr, agreementAddr)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSQLRegistryIndexAtAndCount(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t, []mockOperation{
		queryOp(`SELECT agreement FROM registry_index WHERE owner = ? AND position = ?`, mockRowsData{
			columns: []string{"agreement"},
			values:  [][]driver.Value{{agreementAddr.Hex()}},
		}),
		queryOp(`SELECT agreement FROM registry_index WHERE owner = ? AND position = ?`, mockRowsData{columns: []string{"agreement"}}),
		queryOp(`SELECT COUNT(*) FROM registry_index WHERE owner = ?`, mockRowsData{
			columns: []string{"count"},
			values:  [][]driver.Value{{int64(1)}},
		}),
		queryOp(`SELECT agreement FROM registry_index WHERE owner = ? ORDER BY position ASC`, mockRowsData{
			columns: []string{"agreement"},
			values:  [][]driver.Value{{agreementAddr.Hex()}},
		}),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	idx := NewSQLRegistryIndex(db)
	got, err := idx.At(context.Background(), landlordAddr, 0)
	if err != nil || got != agreementAddr {
		t.Fatalf("unexpected At result: %s %v", got.Hex(), err)
	}

	_, err = idx.At(context.Background(), landlordAddr, 1)
	if !stdErrors.Is(err, registry.ErrIndexOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if count, _ := xerrors.MetadataOf(err, "count"); count != "1" {
		t.Fatalf("unexpected count metadata %q", count)
	}

	list, err := idx.List(context.Background(), landlordAddr)
	if err != nil || len(list) != 1 || list[0] != agreementAddr {
		t.Fatalf("unexpected list: %v %v", list, err)
	}
}

func TestSQLEventLogAppendAndRead(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t, []mockOperation{
		execOp(`INSERT IGNORE INTO agreement_events (id, kind, agreement, occurred_at, attributes)
    VALUES (?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT id, kind, agreement, occurred_at, attributes
    FROM agreement_events WHERE agreement = ? ORDER BY occurred_at ASC, id ASC`, mockRowsData{
			columns: []string{"id", "kind", "agreement", "occurred_at", "attributes"},
			values: [][]driver.Value{
				{"e1", "rent.paid", agreementAddr.Hex(), int64(10), `{"amount":"500"}`},
				{"e2", "agreement.terminated", agreementAddr.Hex(), int64(20), nil},
			},
		}),
	})
	defer mock.assertConsumed(t)
	defer db.Close()

	log := NewSQLEventLog(db)
	ev := events.New(events.KindRentPaid, agreementAddr, time.Unix(10, 0), map[string]string{"amount": "500"})
	if err := log.Append(context.Background(), ev); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if got := mock.argsOf(0)[4].Value; got != `{"amount":"500"}` {
		t.Fatalf("unexpected attributes payload %v", got)
	}

	list, err := log.ByAgreement(context.Background(), agreementAddr)
	if err != nil {
		t.Fatalf("by agreement failed: %v", err)
	}
	if len(list) != 2 || list[0].Attributes["amount"] != "500" || list[1].Kind != events.KindAgreementTerminated {
		t.Fatalf("unexpected events: %+v", list)
	}
}

func snapshotColumns() []string {
	return []string{"address", "landlord", "tenant", "payment_token", "rent", "deposit", "rent_guarantee",
		"rent_period", "next_rent_due", "state", "created_at", "entered_at", "terminated_at"}
}

func migrationDigest(name string) string {
	content, err := migrations.Files.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	return crypto.Keccak256Hash(content).Hex()
}

func migrationStatement(name string) string {
	content, err := migrations.Files.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}
