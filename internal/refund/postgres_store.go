package refund

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists refund requests in PostgreSQL.
//
// History rows live in refund_history and are append-only; the optimistic
// version check happens on refund_requests so history inserts can never race
// a conflicting state transition.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	r.Version = 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refund_requests (
			id, order_id, product_id, buyer_id, seller_id,
			status, stage, method, reason, evidence, license_key_ids,
			requested_amount, refund_amount, refund_transaction_id, refunded_at,
			seller_review_started_at, seller_responded_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12::NUMERIC(12,2), $13, $14, $15,
			$16, $17,
			$18, $19, $20
		)`,
		r.ID, r.OrderID, nullString(r.ProductID), r.BuyerID, r.SellerID,
		string(r.Status), string(r.Stage), string(r.Method), r.Reason,
		jsonArray(r.Evidence), pq.Array(r.LicenseKeyIDs),
		r.RequestedAmount, nullFloat(r.RefundAmount), nullString(r.RefundTransactionID), nullTime(r.RefundedAt),
		nullTime(r.SellerReviewStartedAt), nullTime(r.SellerRespondedAt),
		r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertHistory(ctx, tx, r.ID, r.History); err != nil {
		return err
	}
	return tx.Commit()
}

const requestColumns = `id, order_id, product_id, buyer_id, seller_id,
		       status, stage, method, reason, evidence, license_key_ids,
		       requested_amount, refund_amount, refund_transaction_id, refunded_at,
		       seller_review_started_at, seller_responded_at,
		       version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM refund_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	history, err := p.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	r.History = history
	return r, nil
}

// Update applies a state transition guarded by the version column. A zero
// row count against an existing request means another writer got there first.
func (p *PostgresStore) Update(ctx context.Context, r *Request, newEntries ...HistoryEntry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE refund_requests SET
			status = $1, stage = $2, method = $3,
			refund_amount = $4, refund_transaction_id = $5, refunded_at = $6,
			seller_responded_at = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(r.Status), string(r.Stage), string(r.Method),
		nullFloat(r.RefundAmount), nullString(r.RefundTransactionID), nullTime(r.RefundedAt),
		nullTime(r.SellerRespondedAt), r.UpdatedAt,
		r.ID, r.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM refund_requests WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleState
	}

	if err := insertHistory(ctx, tx, r.ID, newEntries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.Version++
	r.History = append(r.History, newEntries...)
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM refund_requests
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListByStage(ctx context.Context, stage Stage, offset, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM refund_requests
		WHERE stage = $1
		  AND status NOT IN ('COMPLETED', 'ADMIN_REJECTED')
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, string(stage), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListStaleSellerReview(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM refund_requests
		WHERE status = 'SELLER_REVIEW'
		  AND seller_review_started_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM refund_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func insertHistory(ctx context.Context, tx *sql.Tx, refundID string, entries []HistoryEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_history (
				refund_id, actor, action, previous_status, new_status, notes, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			refundID, e.Actor, e.Action, string(e.PreviousStatus), string(e.NewStatus),
			nullString(e.Notes), e.Timestamp,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) loadHistory(ctx context.Context, refundID string) ([]HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT actor, action, previous_status, new_status, notes, created_at
		FROM refund_history
		WHERE refund_id = $1
		ORDER BY id ASC`, refundID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var history []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var prev, next string
		var notes sql.NullString
		if err := rows.Scan(&e.Actor, &e.Action, &prev, &next, &notes, &e.Timestamp); err != nil {
			return nil, err
		}
		// Legacy rows may carry the lowercase status family.
		if e.PreviousStatus, err = ParseStatus(prev); err != nil {
			e.PreviousStatus = Status(prev)
		}
		if e.NewStatus, err = ParseStatus(next); err != nil {
			e.NewStatus = Status(next)
		}
		e.Notes = notes.String
		history = append(history, e)
	}
	return history, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var productID, refundTxID sql.NullString
	var refundAmount sql.NullFloat64
	var refundedAt, reviewStartedAt, respondedAt sql.NullTime
	var status, stage, method string
	var evidence []byte
	var keyIDs pq.StringArray

	err := row.Scan(
		&r.ID, &r.OrderID, &productID, &r.BuyerID, &r.SellerID,
		&status, &stage, &method, &r.Reason, &evidence, &keyIDs,
		&r.RequestedAmount, &refundAmount, &refundTxID, &refundedAt,
		&reviewStartedAt, &respondedAt,
		&r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Legacy rows carry the lowercase status family; normalize on read.
	r.Status, err = ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w: %q", r.ID, ErrUnknownStatus, status)
	}
	r.Stage = Stage(stage)
	if r.Method, err = ParseMethod(method); err != nil {
		r.Method = MethodWallet
	}

	r.ProductID = productID.String
	r.RefundTransactionID = refundTxID.String
	r.LicenseKeyIDs = keyIDs
	if refundAmount.Valid {
		r.RefundAmount = &refundAmount.Float64
	}
	if refundedAt.Valid {
		r.RefundedAt = &refundedAt.Time
	}
	if reviewStartedAt.Valid {
		r.SellerReviewStartedAt = &reviewStartedAt.Time
	}
	if respondedAt.Valid {
		r.SellerRespondedAt = &respondedAt.Time
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &r.Evidence); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func jsonArray(ss []string) []byte {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return b
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

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
