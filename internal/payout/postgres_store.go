package payout

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, po *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payouts (
			id, order_id, seller_id,
			subtotal, handling_fee, commission_rate,
			commission, seller_earning, admin_earning, total_paid,
			currency, status, attempts, transfer_id, failure_reason,
			eligible_at, processing_at, released_at, created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4::NUMERIC(12,2), $5::NUMERIC(12,2), $6,
			$7::NUMERIC(12,2), $8::NUMERIC(12,2), $9::NUMERIC(12,2), $10::NUMERIC(12,2),
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		po.ID, po.OrderID, po.SellerID,
		po.Subtotal, po.HandlingFee, po.CommissionRate,
		po.Commission, po.SellerEarning, po.AdminEarning, po.TotalPaid,
		po.Currency, string(po.Status), po.Attempts,
		nullString(po.TransferID), nullString(po.FailureReason),
		po.EligibleAt, nullTime(po.ProcessingAt), nullTime(po.ReleasedAt),
		po.CreatedAt, po.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateSchedule
	}
	return err
}

const payoutColumns = `id, order_id, seller_id,
		       subtotal, handling_fee, commission_rate,
		       commission, seller_earning, admin_earning, total_paid,
		       currency, status, attempts, transfer_id, failure_reason,
		       eligible_at, processing_at, released_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	po, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return po, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE order_id = $1`, orderID)
	po, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return po, err
}

func (p *PostgresStore) Update(ctx context.Context, po *Payout) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET
			status = $1, attempts = $2, transfer_id = $3, failure_reason = $4,
			processing_at = $5, released_at = $6, updated_at = $7
		WHERE id = $8`,
		string(po.Status), po.Attempts,
		nullString(po.TransferID), nullString(po.FailureReason),
		nullTime(po.ProcessingAt), nullTime(po.ReleasedAt), po.UpdatedAt,
		po.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim atomically moves a payout from pending to processing. The WHERE
// clause is the race arbiter: only one scheduler instance sees one row.
func (p *PostgresStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts
		SET status = 'processing', processing_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'pending'`,
		at, id,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status = 'pending' AND eligible_at <= $1
		ORDER BY eligible_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

func (p *PostgresStore) ReclaimStale(ctx context.Context, before time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts
		SET status = 'pending', processing_at = NULL, updated_at = NOW()
		WHERE status = 'processing'
		  AND (processing_at IS NULL OR processing_at < $1)`,
		before,
	)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(row rowScanner) (*Payout, error) {
	var po Payout
	var status string
	var transferID, failureReason sql.NullString
	var processingAt, releasedAt sql.NullTime

	err := row.Scan(
		&po.ID, &po.OrderID, &po.SellerID,
		&po.Subtotal, &po.HandlingFee, &po.CommissionRate,
		&po.Commission, &po.SellerEarning, &po.AdminEarning, &po.TotalPaid,
		&po.Currency, &status, &po.Attempts, &transferID, &failureReason,
		&po.EligibleAt, &processingAt, &releasedAt, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	po.Status, err = ParseStatus(status)
	if err != nil {
		return nil, err
	}
	po.TransferID = transferID.String
	po.FailureReason = failureReason.String
	if processingAt.Valid {
		po.ProcessingAt = &processingAt.Time
	}
	if releasedAt.Valid {
		po.ReleasedAt = &releasedAt.Time
	}
	return &po, nil
}

func scanPayouts(rows *sql.Rows) ([]*Payout, error) {
	var out []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
