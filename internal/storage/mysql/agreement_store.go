package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/lease"
	"RentEscrow/internal/registry"
)

const agreementColumns = `address, landlord, tenant, payment_token, rent, deposit, rent_guarantee,
    rent_period, next_rent_due, state, created_at, entered_at, terminated_at`

const (
	selectAgreementSQL = `SELECT ` + agreementColumns + ` FROM agreements WHERE address = ?`
	listAgreementsSQL  = `SELECT ` + agreementColumns + ` FROM agreements ORDER BY created_at ASC, address ASC`
	deleteAgreementSQL = `DELETE FROM agreements WHERE address = ?`
)

const upsertAgreementSQL = `INSERT INTO agreements
    (address, landlord, tenant, payment_token, rent, deposit, rent_guarantee, rent_period, next_rent_due, state, created_at, entered_at, terminated_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE tenant = VALUES(tenant), deposit = VALUES(deposit), rent_guarantee = VALUES(rent_guarantee),
    next_rent_due = VALUES(next_rent_due), state = VALUES(state), entered_at = VALUES(entered_at),
    terminated_at = VALUES(terminated_at), updated_at = VALUES(updated_at)`

// SQLAgreementStore 将协议快照保存在 agreements 表中。
type SQLAgreementStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLAgreementStore 基于连接池创建快照仓库。
func NewSQLAgreementStore(db *sql.DB) *SQLAgreementStore {
	return &SQLAgreementStore{db: db, now: time.Now}
}

// Save 写入或覆盖协议快照。
func (s *SQLAgreementStore) Save(ctx context.Context, snap lease.Snapshot) error {
	tenant := ""
	if snap.Tenant != (common.Address{}) {
		tenant = snap.Tenant.Hex()
	}
	if _, err := s.db.ExecContext(ctx, upsertAgreementSQL,
		snap.Address.Hex(),
		snap.Landlord.Hex(),
		tenant,
		snap.PaymentToken.Hex(),
		snap.Rent,
		snap.Deposit,
		snap.RentGuarantee,
		int64(snap.RentPeriod),
		int64(snap.NextRentDue),
		string(snap.State),
		int64(snap.CreatedAt),
		int64(snap.EnteredAt),
		int64(snap.TerminatedAt),
		s.now().Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入协议快照失败",
			xerrors.WithMetadata("agreement", snap.Address.Hex()))
	}
	return nil
}

// Load 读取单个协议快照。
func (s *SQLAgreementStore) Load(ctx context.Context, address common.Address) (lease.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, selectAgreementSQL, address.Hex())
	snap, err := scanSnapshot(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return lease.Snapshot{}, xerrors.New(registry.CodeAgreementNotFound, "agreement not found",
			xerrors.WithMetadata("agreement", address.Hex()))
	}
	if err != nil {
		return lease.Snapshot{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取协议快照失败")
	}
	return snap, nil
}

// List 按创建时间返回全部协议快照。
func (s *SQLAgreementStore) List(ctx context.Context) ([]lease.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, listAgreementsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协议快照失败")
	}
	defer rows.Close()

	var snaps []lease.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析协议快照失败")
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历协议快照失败")
	}
	return snaps, nil
}

// Delete 删除协议快照，仅在协议创建失败时撤回使用。
func (s *SQLAgreementStore) Delete(ctx context.Context, address common.Address) error {
	if _, err := s.db.ExecContext(ctx, deleteAgreementSQL, address.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除协议快照失败",
			xerrors.WithMetadata("agreement", address.Hex()))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (lease.Snapshot, error) {
	var (
		snap                                     lease.Snapshot
		address, landlord, tenant, paymentToken  string
		state                                    string
		period, next, created, entered, finished int64
	)
	if err := row.Scan(&address, &landlord, &tenant, &paymentToken,
		&snap.Rent, &snap.Deposit, &snap.RentGuarantee,
		&period, &next, &state, &created, &entered, &finished); err != nil {
		return lease.Snapshot{}, err
	}
	snap.Address = common.HexToAddress(address)
	snap.Landlord = common.HexToAddress(landlord)
	if tenant != "" {
		snap.Tenant = common.HexToAddress(tenant)
	}
	snap.PaymentToken = common.HexToAddress(paymentToken)
	snap.RentPeriod = uint64(period)
	snap.NextRentDue = uint64(next)
	snap.State = lease.State(state)
	snap.CreatedAt = uint64(created)
	snap.EnteredAt = uint64(entered)
	snap.TerminatedAt = uint64(finished)
	return snap, nil
}

var _ registry.Store = (*SQLAgreementStore)(nil)
