package payout

import (
	"context"
	"database/sql"
)

// PostgresSellerStore reads seller payout profiles.
type PostgresSellerStore struct {
	db *sql.DB
}

// NewPostgresSellerStore creates a PostgreSQL-backed seller collaborator.
func NewPostgresSellerStore(db *sql.DB) *PostgresSellerStore {
	return &PostgresSellerStore{db: db}
}

func (p *PostgresSellerStore) GetSeller(ctx context.Context, sellerID string) (*SellerInfo, error) {
	var s SellerInfo
	var destination sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, verified, payout_destination
		FROM sellers
		WHERE id = $1`, sellerID).Scan(&s.ID, &s.Verified, &destination)
	if err == sql.ErrNoRows {
		return nil, ErrSellerNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Destination = destination.String
	return &s, nil
}

// Compile-time assertion that PostgresSellerStore implements SellerStore.
var _ SellerStore = (*PostgresSellerStore)(nil)
