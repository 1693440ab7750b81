package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/fees"
	"github.com/mbd888/holdfast/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, seller_id, buyer_id, amount, chain,
			category, payment_rail, auction, tier, status,
			buyer_fee, seller_fee, platform_fee, discount, chain_multiplier, fee_notes,
			tx_ref, external_ref, settlement_ref, refunded_amount,
			metadata, evidence, dispute_id,
			created_at, expires_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23,
			$24, $25, $26, $27
		)`,
		e.ID, e.SellerID, e.BuyerID, e.Amount, e.Chain,
		string(e.Category), string(e.PaymentRail), e.Auction, string(e.Tier), string(e.Status),
		e.Fees.BuyerFee, e.Fees.SellerFee, e.Fees.PlatformFee, e.Fees.Discount, e.Fees.ChainMultiplier, pq.Array(e.Fees.Notes),
		nullString(e.TxRef), nullString(e.ExternalRef), nullString(e.SettlementRef), e.RefundedAmount,
		nullString(e.Metadata), nullString(e.Evidence), nullString(e.DisputeID),
		e.CreatedAt, e.ExpiresAt, nullTime(e.CompletedAt), e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, seller_id, buyer_id, amount, chain,
		       category, payment_rail, auction, tier, status,
		       buyer_fee, seller_fee, platform_fee, discount, chain_multiplier, fee_notes,
		       tx_ref, external_ref, settlement_ref, refunded_amount,
		       metadata, evidence, dispute_id,
		       created_at, expires_at, completed_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes the mutable fields. Amount, parties and fees are fixed at
// creation.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, tx_ref = $2, external_ref = $3, settlement_ref = $4,
			refunded_amount = $5, evidence = $6, dispute_id = $7,
			completed_at = $8, updated_at = $9
		WHERE id = $10`,
		string(e.Status), nullString(e.TxRef), nullString(e.ExternalRef), nullString(e.SettlementRef),
		e.RefundedAmount, nullString(e.Evidence), nullString(e.DisputeID),
		nullTime(e.CompletedAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id
			LIMIT $2`, partyID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE (buyer_id = $1 OR seller_id = $1)
			  AND (created_at < $2 OR (created_at = $2 AND id > $3))
			ORDER BY created_at DESC, id
			LIMIT $4`, partyID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('CREATED', 'FUNDED')
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// GlobalTotals aggregates every escrow in one pass.
func (p *PostgresStore) GlobalTotals(ctx context.Context) (*GlobalTotals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status,
		       COUNT(*),
		       COALESCE(SUM(amount), 0),
		       COALESCE(SUM(platform_fee), 0)
		FROM escrows
		GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	t := &GlobalTotals{
		Volume:       decimal.Zero,
		PlatformFees: decimal.Zero,
		ByStatus:     make(map[Status]int64),
	}
	for rows.Next() {
		var (
			status       string
			count        int64
			volume       decimal.Decimal
			platformFees decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &volume, &platformFees); err != nil {
			return nil, err
		}
		t.Count += count
		t.Volume = t.Volume.Add(volume)
		t.ByStatus[Status(status)] = count
		if Status(status) == StatusCompleted {
			t.Completed = count
			t.PlatformFees = platformFees
		}
	}
	return t, rows.Err()
}

// PartyTotals aggregates the escrows partyID takes part in.
func (p *PostgresStore) PartyTotals(ctx context.Context, partyID string) (*PartyTotals, error) {
	t := &PartyTotals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE seller_id = $1),
		       COUNT(*) FILTER (WHERE buyer_id = $1),
		       COALESCE(SUM(amount), 0)
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1`, partyID).
		Scan(&t.Count, &t.AsSeller, &t.AsBuyer, &t.Volume)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		category      string
		rail          string
		tier          string
		status        string
		notes         []string
		txRef         sql.NullString
		externalRef   sql.NullString
		settlementRef sql.NullString
		metadata      sql.NullString
		evidence      sql.NullString
		disputeID     sql.NullString
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.SellerID, &e.BuyerID, &e.Amount, &e.Chain,
		&category, &rail, &e.Auction, &tier, &status,
		&e.Fees.BuyerFee, &e.Fees.SellerFee, &e.Fees.PlatformFee, &e.Fees.Discount, &e.Fees.ChainMultiplier, pq.Array(&notes),
		&txRef, &externalRef, &settlementRef, &e.RefundedAmount,
		&metadata, &evidence, &disputeID,
		&e.CreatedAt, &e.ExpiresAt, &completedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Category = fees.Category(category)
	e.PaymentRail = fees.Rail(rail)
	e.Tier = fees.Tier(tier)
	e.Status = Status(status)
	e.Fees.Notes = notes
	if e.Fees.Notes == nil {
		e.Fees.Notes = []string{}
	}
	e.TxRef = txRef.String
	e.ExternalRef = externalRef.String
	e.SettlementRef = settlementRef.String
	e.Metadata = metadata.String
	e.Evidence = evidence.String
	e.DisputeID = disputeID.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var (
	_ Store            = (*PostgresStore)(nil)
	_ AnalyticsQuerier = (*PostgresStore)(nil)
)
