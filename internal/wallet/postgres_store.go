package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keyforge/marketpay/internal/idgen"
	"github.com/keyforge/marketpay/internal/money"
)

// PostgresStore persists wallet data in PostgreSQL.
//
// Balance arithmetic happens in SQL inside serializable transactions; the
// CHECK (balance >= 0) constraint is the final overdraft guard, and every
// debit re-reads the updated balance before committing.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, currency, updated_at
		FROM wallet_accounts WHERE user_id = $1
	`, userID).Scan(&acct.Balance, &acct.Currency, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount money.Cents, description string, meta Meta) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Upsert balance using native NUMERIC arithmetic (lazy account creation).
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (user_id, balance, currency, updated_at)
		VALUES ($1, $2::NUMERIC(12,2), $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance    = wallet_accounts.balance + $2::NUMERIC(12,2),
			updated_at = NOW()
	`, userID, amount.String(), p.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        TxCredit,
		Amount:      amount.Float(),
		Description: description,
		OrderID:     meta.OrderID,
		RefundID:    meta.RefundID,
		CreatedAt:   time.Now(),
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amount money.Cents, description string, meta Meta) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Guarded update: only debit when the balance covers the amount, so a
	// concurrent debit can never interleave into an overdraft.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			balance    = balance - $2::NUMERIC(12,2),
			updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2::NUMERIC(12,2)
	`, userID, amount.String())
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Missing account or insufficient balance; distinguish for the caller.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallet_accounts WHERE user_id = $1)`, userID,
		).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrAccountNotFound
		}
		return nil, ErrInsufficientFunds
	}

	// Post-condition re-check before committing the compound update.
	var updated string
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM wallet_accounts WHERE user_id = $1`, userID,
	).Scan(&updated); err != nil {
		return nil, err
	}
	if bal, err := money.Parse(updated); err != nil || bal < 0 {
		return nil, ErrInsufficientFunds
	}

	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        TxDebit,
		Amount:      amount.Float(),
		Description: description,
		OrderID:     meta.OrderID,
		RefundID:    meta.RefundID,
		CreatedAt:   time.Now(),
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, type, amount, description, order_id, refund_id, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, $6, $7, NOW())
	`, txn.ID, txn.UserID, string(txn.Type), money.FromFloat(txn.Amount).String(),
		nullString(txn.Description), nullString(txn.OrderID), nullString(txn.RefundID))
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, description, order_id, refund_id, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var txType string
		var description, orderID, refundID sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &txType, &t.Amount, &description, &orderID, &refundID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TxType(txType)
		t.Description = description.String
		t.OrderID = orderID.String
		t.RefundID = refundID.String
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasRefundCredit(ctx context.Context, refundID string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wallet_transactions WHERE refund_id = $1 AND type = 'credit'
	`, refundID).Scan(&count)
	return count > 0, err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
