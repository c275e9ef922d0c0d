package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Tables are created by the
// goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a user's balance
func (p *PostgresStore) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT withdrawable, total_in, updated_at
		FROM wallet_balances WHERE user_id = $1
	`, userID).Scan(&bal.Withdrawable, &bal.TotalIn, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{
			UserID:       userID,
			Withdrawable: decimal.Zero,
			TotalIn:      decimal.Zero,
			UpdatedAt:    time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to a user's withdrawable balance. The unique reference
// constraint makes a replayed credit fail before the balance moves.
func (p *PostgresStore) Credit(ctx context.Context, userID int64, amount decimal.Decimal, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'credit', $3::NUMERIC(12,2), $4, $5, NOW())
	`, idgen.WithPrefix("ent_"), userID, amount, reference, description)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to record entry: %w", err)
	}

	// Upsert balance using native NUMERIC arithmetic
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_balances (user_id, withdrawable, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(12,2), $2::NUMERIC(12,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			withdrawable = wallet_balances.withdrawable + $2::NUMERIC(12,2),
			total_in     = wallet_balances.total_in + $2::NUMERIC(12,2),
			updated_at   = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return tx.Commit()
}

// GetHistory returns a user's entries, most recent first.
func (p *PostgresStore) GetHistory(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, reference, COALESCE(description, ''), created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
