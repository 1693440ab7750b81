package dispute

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint hit.
const uniqueViolation = "23505"

// PostgresStore persists disputes and votes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, buyer_id, seller_id, initiator_id,
			reason, description, evidence, status, arbitrators,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.EscrowID, d.BuyerID, d.SellerID, d.InitiatorID,
		string(d.Reason), nullString(d.Description), pq.Array(d.Evidence), string(d.Status), pq.Array(d.Arbitrators),
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

const disputeColumns = `id, escrow_id, buyer_id, seller_id, initiator_id,
		       reason, description, evidence, status, arbitrators,
		       decision, refund_percentage, buyer_votes, seller_votes, resolved_at,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadVotes(ctx, []*Dispute{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// Update writes status, panel and resolution. Votes are written by AddVote.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	var (
		decision    sql.NullString
		pct         decimal.NullDecimal
		buyerVotes  sql.NullInt64
		sellerVotes sql.NullInt64
		resolvedAt  sql.NullTime
	)
	if r := d.Resolution; r != nil {
		decision = sql.NullString{String: string(r.Decision), Valid: true}
		pct = decimal.NullDecimal{Decimal: r.RefundPercentage, Valid: true}
		buyerVotes = sql.NullInt64{Int64: int64(r.BuyerVotes), Valid: true}
		sellerVotes = sql.NullInt64{Int64: int64(r.SellerVotes), Valid: true}
		resolvedAt = sql.NullTime{Time: r.ResolvedAt, Valid: true}
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, arbitrators = $2,
			decision = $3, refund_percentage = $4, buyer_votes = $5, seller_votes = $6, resolved_at = $7,
			updated_at = $8
		WHERE id = $9`,
		string(d.Status), pq.Array(d.Arbitrators),
		decision, pct, buyerVotes, sellerVotes, resolvedAt,
		d.UpdatedAt, d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) AddVote(ctx context.Context, disputeID string, v *Vote) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_votes (dispute_id, arbitrator_id, decision, reasoning, refund_percentage, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		disputeID, v.ArbitratorID, string(v.Decision), nullString(v.Reasoning), v.RefundPercentage, v.CastAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateVote
	}
	return err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return p.query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1 ORDER BY created_at, id`, escrowID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	return p.query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE status = $1 ORDER BY created_at, id LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadVotes(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadVotes fills Votes for every dispute in one query.
func (p *PostgresStore) loadVotes(ctx context.Context, disputes []*Dispute) error {
	if len(disputes) == 0 {
		return nil
	}
	byID := make(map[string]*Dispute, len(disputes))
	ids := make([]string, 0, len(disputes))
	for _, d := range disputes {
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT dispute_id, arbitrator_id, decision, reasoning, refund_percentage, cast_at
		FROM dispute_votes
		WHERE dispute_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			disputeID string
			decision  string
			reasoning sql.NullString
			v         Vote
		)
		if err := rows.Scan(&disputeID, &v.ArbitratorID, &decision, &reasoning, &v.RefundPercentage, &v.CastAt); err != nil {
			return err
		}
		v.Decision = Decision(decision)
		v.Reasoning = reasoning.String
		byID[disputeID].Votes[v.ArbitratorID] = &v
	}
	return rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{Votes: make(map[string]*Vote)}
	var (
		reason      string
		status      string
		description sql.NullString
		decision    sql.NullString
		pct         decimal.NullDecimal
		buyerVotes  sql.NullInt64
		sellerVotes sql.NullInt64
		resolvedAt  sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.EscrowID, &d.BuyerID, &d.SellerID, &d.InitiatorID,
		&reason, &description, pq.Array(&d.Evidence), &status, pq.Array(&d.Arbitrators),
		&decision, &pct, &buyerVotes, &sellerVotes, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Reason = Reason(reason)
	d.Status = Status(status)
	d.Description = description.String
	if d.Evidence == nil {
		d.Evidence = []string{}
	}
	if d.Arbitrators == nil {
		d.Arbitrators = []string{}
	}
	if decision.Valid {
		d.Resolution = &Resolution{
			Decision:         Decision(decision.String),
			RefundPercentage: pct.Decimal,
			BuyerVotes:       int(buyerVotes.Int64),
			SellerVotes:      int(sellerVotes.Int64),
			ResolvedAt:       resolvedAt.Time,
		}
	}
	return d, nil
}

// PostgresPool persists the arbitrator registry in PostgreSQL.
type PostgresPool struct {
	db *sql.DB
}

// NewPostgresPool creates a new PostgreSQL-backed arbitrator registry.
func NewPostgresPool(db *sql.DB) *PostgresPool {
	return &PostgresPool{db: db}
}

func (p *PostgresPool) Register(ctx context.Context, a *Arbitrator) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitrators (id, name, active, assigned_count, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Name, a.Active, a.AssignedCount, a.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrArbitratorExists
	}
	return err
}

func (p *PostgresPool) Get(ctx context.Context, id string) (*Arbitrator, error) {
	a := &Arbitrator{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, active, assigned_count, created_at FROM arbitrators WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Active, &a.AssignedCount, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArbitratorNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresPool) SetActive(ctx context.Context, id string, active bool) error {
	result, err := p.db.ExecContext(ctx, `UPDATE arbitrators SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrArbitratorNotFound
	}
	return nil
}

func (p *PostgresPool) ListActive(ctx context.Context) ([]*Arbitrator, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, active, assigned_count, created_at
		FROM arbitrators
		WHERE active
		ORDER BY assigned_count, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Arbitrator
	for rows.Next() {
		a := &Arbitrator{}
		if err := rows.Scan(&a.ID, &a.Name, &a.Active, &a.AssignedCount, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresPool) IncrementAssigned(ctx context.Context, ids []string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE arbitrators SET assigned_count = assigned_count + 1 WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ ArbitratorPool = (*PostgresPool)(nil)
)
