package refund

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresOrderStore reads order facts from the marketplace orders table.
type PostgresOrderStore struct {
	db *sql.DB
}

// NewPostgresOrderStore creates a PostgreSQL-backed order collaborator.
func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

func (p *PostgresOrderStore) GetOrder(ctx context.Context, orderID string) (*OrderInfo, error) {
	var o OrderInfo
	var productID, captureID sql.NullString
	var completedAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, product_id, total, status, capture_id, completed_at
		FROM orders
		WHERE id = $1`, orderID).Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &productID, &o.Total,
		&o.Status, &captureID, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	o.ProductID = productID.String
	o.CaptureID = captureID.String
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return &o, nil
}

func (p *PostgresOrderStore) MarkRefunded(ctx context.Context, orderID, refundID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET refunded_by = $1, updated_at = NOW()
		WHERE id = $2`, refundID, orderID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// PostgresLicenseKeyStore reads purchased license keys.
type PostgresLicenseKeyStore struct {
	db *sql.DB
}

// NewPostgresLicenseKeyStore creates a PostgreSQL-backed license-key
// collaborator.
func NewPostgresLicenseKeyStore(db *sql.DB) *PostgresLicenseKeyStore {
	return &PostgresLicenseKeyStore{db: db}
}

func (p *PostgresLicenseKeyStore) GetKeys(ctx context.Context, ids []string) ([]LicenseKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, price, revoked
		FROM license_keys
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LicenseKey
	for rows.Next() {
		var k LicenseKey
		if err := rows.Scan(&k.ID, &k.OrderID, &k.Price, &k.Revoked); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PostgresLicenseKeyStore) MarkRevoked(ctx context.Context, ids []string, refundID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE license_keys
		SET revoked = TRUE, revoked_by = $1, updated_at = NOW()
		WHERE id = ANY($2)`, refundID, pq.Array(ids))
	return err
}

var (
	_ OrderStore      = (*PostgresOrderStore)(nil)
	_ LicenseKeyStore = (*PostgresLicenseKeyStore)(nil)
)
