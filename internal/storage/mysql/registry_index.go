package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/registry"
)

const mysqlDuplicateEntry = 1062

// SQLRegistryIndex 在 registry_index 表中维护房东到协议的只追加索引。
type SQLRegistryIndex struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLRegistryIndex 基于连接池创建索引仓库。
func NewSQLRegistryIndex(db *sql.DB) *SQLRegistryIndex {
	return &SQLRegistryIndex{db: db, now: time.Now}
}

// Append 在事务中锁定房东的现有条目并写入下一个位置。
func (s *SQLRegistryIndex) Append(ctx context.Context, owner, agreement common.Address) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启索引事务失败")
	}

	var position int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_index WHERE owner = ? FOR UPDATE`, owner.Hex()).Scan(&position); err != nil {
		tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计房东索引失败")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO registry_index (owner, position, agreement, created_at) VALUES (?, ?, ?, ?)`,
		owner.Hex(), position, agreement.Hex(), s.now().Unix()); err != nil {
		tx.Rollback()
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return 0, xerrors.Wrap(xerrors.CodeConflict, err, "索引位置或协议已存在",
				xerrors.WithMetadata("owner", owner.Hex()),
				xerrors.WithMetadata("agreement", agreement.Hex()))
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入房东索引失败")
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交索引事务失败")
	}
	return uint64(position), nil
}

// At 返回房东第 index 个协议。
func (s *SQLRegistryIndex) At(ctx context.Context, owner common.Address, index uint64) (common.Address, error) {
	var agreement string
	err := s.db.QueryRowContext(ctx, `SELECT agreement FROM registry_index WHERE owner = ? AND position = ?`,
		owner.Hex(), int64(index)).Scan(&agreement)
	if stdErrors.Is(err, sql.ErrNoRows) {
		count, countErr := s.Count(ctx, owner)
		if countErr != nil {
			return common.Address{}, countErr
		}
		return common.Address{}, registry.OutOfRange(owner, index, count)
	}
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询房东索引失败")
	}
	return common.HexToAddress(agreement), nil
}

// Count 返回房东名下协议数量。
func (s *SQLRegistryIndex) Count(ctx context.Context, owner common.Address) (uint64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_index WHERE owner = ?`, owner.Hex()).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计房东索引失败")
	}
	return uint64(count), nil
}

// List 按位置顺序返回房东名下全部协议。
func (s *SQLRegistryIndex) List(ctx context.Context, owner common.Address) ([]common.Address, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agreement FROM registry_index WHERE owner = ? ORDER BY position ASC`, owner.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询房东索引失败")
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var agreement string
		if err := rows.Scan(&agreement); err != nil {
			return nil, fmt.Errorf("解析房东索引失败: %w", err)
		}
		out = append(out, common.HexToAddress(agreement))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历房东索引失败: %w", err)
	}
	return out, nil
}

var _ registry.Index = (*SQLRegistryIndex)(nil)
