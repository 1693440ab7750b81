package escrow

import (
	"context"

	"github.com/shopspring/decimal"
)

// GlobalTotals are raw aggregates over every escrow.
type GlobalTotals struct {
	Count        int64
	Completed    int64
	Volume       decimal.Decimal
	PlatformFees decimal.Decimal
	ByStatus     map[Status]int64
}

// PartyTotals are raw aggregates over one party's escrows.
type PartyTotals struct {
	Count    int64
	AsSeller int64
	AsBuyer  int64
	Volume   decimal.Decimal
}

// AnalyticsQuerier aggregates escrows at the storage layer.
type AnalyticsQuerier interface {
	GlobalTotals(ctx context.Context) (*GlobalTotals, error)
	PartyTotals(ctx context.Context, partyID string) (*PartyTotals, error)
}

// GlobalAnalytics summarizes every escrow. Volume counts all statuses.
type GlobalAnalytics struct {
	TotalEscrows      int64            `json:"totalEscrows"`
	CompletedEscrows  int64            `json:"completedEscrows"`
	TotalVolume       decimal.Decimal  `json:"totalVolume"`
	AverageAmount     decimal.Decimal  `json:"averageAmount"`
	TotalPlatformFees decimal.Decimal  `json:"totalPlatformFees"`
	ByStatus          map[Status]int64 `json:"byStatus"`
}

// UserAnalytics summarizes one party's escrows. An escrow where the party is
// both buyer and seller counts once in TotalEscrows and once in each role.
type UserAnalytics struct {
	UserID        string          `json:"userId"`
	TotalEscrows  int64           `json:"totalEscrows"`
	AsSellerCount int64           `json:"asSellerCount"`
	AsBuyerCount  int64           `json:"asBuyerCount"`
	TotalVolume   decimal.Decimal `json:"totalVolume"`
}

// AnalyticsService computes escrow analytics.
type AnalyticsService struct {
	querier AnalyticsQuerier
}

// NewAnalyticsService creates an analytics service.
func NewAnalyticsService(q AnalyticsQuerier) *AnalyticsService {
	return &AnalyticsService{querier: q}
}

// Global returns platform-wide totals.
func (a *AnalyticsService) Global(ctx context.Context) (*GlobalAnalytics, error) {
	t, err := a.querier.GlobalTotals(ctx)
	if err != nil {
		return nil, err
	}

	avg := decimal.Zero
	if t.Count > 0 {
		avg = t.Volume.Div(decimal.NewFromInt(t.Count)).Round(2)
	}
	byStatus := t.ByStatus
	if byStatus == nil {
		byStatus = map[Status]int64{}
	}

	return &GlobalAnalytics{
		TotalEscrows:      t.Count,
		CompletedEscrows:  t.Completed,
		TotalVolume:       t.Volume,
		AverageAmount:     avg,
		TotalPlatformFees: t.PlatformFees,
		ByStatus:          byStatus,
	}, nil
}

// ForUser returns totals for one party.
func (a *AnalyticsService) ForUser(ctx context.Context, userID string) (*UserAnalytics, error) {
	t, err := a.querier.PartyTotals(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserAnalytics{
		UserID:        userID,
		TotalEscrows:  t.Count,
		AsSellerCount: t.AsSeller,
		AsBuyerCount:  t.AsBuyer,
		TotalVolume:   t.Volume,
	}, nil
}
