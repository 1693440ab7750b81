package tiers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// PostgresStore persists party volumes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed volume store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, partyID string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	var after decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO party_volumes (party_id, completed_volume, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (party_id) DO UPDATE
		SET completed_volume = party_volumes.completed_volume + EXCLUDED.completed_volume,
			updated_at = NOW()
		RETURNING completed_volume
	`, partyID, amount).Scan(&after)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return after.Sub(amount), after, nil
}

func (p *PostgresStore) Get(ctx context.Context, partyID string) (decimal.Decimal, error) {
	var v decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT completed_volume FROM party_volumes WHERE party_id = $1`, partyID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return v, err
}
