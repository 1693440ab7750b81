package auth

import (
	"context"
	"database/sql"
	"errors"
)

const keyColumns = `id, hash, party_id, name, created_at, last_used, expires_at, revoked`

// PostgresStore keeps API keys in the api_keys table. Only hashes are stored.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, party_id, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Hash, key.PartyID, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash returns the live key with this hash. Revoked and expired keys
// are reported as not found.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE hash = $1 AND NOT revoked AND (expires_at IS NULL OR expires_at > NOW())`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByParty lists every key issued to a party, newest first.
func (p *PostgresStore) GetByParty(ctx context.Context, partyID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE party_id = $1
		ORDER BY created_at DESC`, partyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update writes the mutable fields: last use and revocation.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3`,
		lastUsed, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(s rowScanner) (*APIKey, error) {
	var (
		key       APIKey
		name      sql.NullString
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)
	if err := s.Scan(&key.ID, &key.Hash, &key.PartyID, &name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked); err != nil {
		return nil, err
	}
	key.Name = name.String
	key.LastUsed = lastUsed.Time
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return &key, nil
}

var _ Store = (*PostgresStore)(nil)
