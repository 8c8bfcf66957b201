package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labtrack/labtrack/internal/platform/db"
	"github.com/labtrack/labtrack/pkg/pagination"
)

// PGDeliveryLog stores attempts in the webhook_delivery table.
type PGDeliveryLog struct {
	pool *pgxpool.Pool
}

func NewPGDeliveryLog(pool *pgxpool.Pool) *PGDeliveryLog {
	return &PGDeliveryLog{pool: pool}
}

const deliveryCols = `id, batch_id, kind, endpoint, record_count, status_code, response_status,
	succeeded, errored, status, error, duration_ms, created_at`

func (l *PGDeliveryLog) RecordDelivery(ctx context.Context, a *DeliveryAttempt) error {
	_, err := db.Conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO webhook_delivery (`+deliveryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.BatchID, string(a.Kind), a.Endpoint, a.RecordCount, nullInt(a.StatusCode), nullString(a.ResponseStatus),
		a.Succeeded, a.Errored, a.Status, nullString(a.Error), a.Duration.Milliseconds(), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", a.ID, err)
	}
	return nil
}

func (l *PGDeliveryLog) ListDeliveries(ctx context.Context, kind Kind, p pagination.Params) ([]*DeliveryAttempt, int, error) {
	conn := db.Conn(ctx, l.pool)
	where, args := "", []interface{}{}
	if kind != "" {
		where, args = " WHERE kind = $1", append(args, string(kind))
	}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_delivery`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT `+deliveryCols+` FROM webhook_delivery`+where+
		` ORDER BY created_at DESC `+p.SQL(), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryAttempt
	for rows.Next() {
		a, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func scanDelivery(row pgx.Row) (*DeliveryAttempt, error) {
	var (
		a          DeliveryAttempt
		kind       string
		statusCode *int
		respStatus *string
		errText    *string
		durationMS int64
	)
	if err := row.Scan(&a.ID, &a.BatchID, &kind, &a.Endpoint, &a.RecordCount, &statusCode, &respStatus,
		&a.Succeeded, &a.Errored, &a.Status, &errText, &durationMS, &a.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	a.Kind = Kind(kind)
	if statusCode != nil {
		a.StatusCode = *statusCode
	}
	if respStatus != nil {
		a.ResponseStatus = *respStatus
	}
	if errText != nil {
		a.Error = *errText
	}
	a.Duration = time.Duration(durationMS) * time.Millisecond
	return &a, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
