package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
)

// SQLEventLog 保存从消息队列消费到的协议事件。
type SQLEventLog struct {
	db *sql.DB
}

// NewSQLEventLog 基于连接池创建事件日志。
func NewSQLEventLog(db *sql.DB) *SQLEventLog {
	return &SQLEventLog{db: db}
}

// Append 写入事件。事件 ID 重复时忽略，重复投递不会产生多条记录。
func (l *SQLEventLog) Append(ctx context.Context, event events.Event) error {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化事件属性失败")
	}
	if _, err := l.db.ExecContext(ctx, `INSERT IGNORE INTO agreement_events (id, kind, agreement, occurred_at, attributes)
    VALUES (?, ?, ?, ?, ?)`,
		event.ID, string(event.Kind), event.Agreement, event.OccurredAt, string(attrs)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败",
			xerrors.WithMetadata("event_id", event.ID))
	}
	return nil
}

// ByAgreement 按发生时间返回协议的全部事件。
func (l *SQLEventLog) ByAgreement(ctx context.Context, agreement common.Address) ([]events.Event, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, kind, agreement, occurred_at, attributes
    FROM agreement_events WHERE agreement = ? ORDER BY occurred_at ASC, id ASC`, agreement.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev    events.Event
			kind  string
			attrs sql.NullString
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Agreement, &ev.OccurredAt, &attrs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		ev.Kind = events.Kind(kind)
		if attrs.Valid && attrs.String != "" && attrs.String != "null" {
			if err := json.Unmarshal([]byte(attrs.String), &ev.Attributes); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件属性失败",
					xerrors.WithMetadata("event_id", ev.ID))
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return out, nil
}

var _ events.Log = (*SQLEventLog)(nil)
