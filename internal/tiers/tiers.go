// Package tiers tracks completed sale volume per party and derives the
// subscription tier that discounts their fees.
package tiers

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/fees"
)

// threshold is the completed volume at which a tier begins.
type threshold struct {
	tier   fees.Tier
	volume decimal.Decimal
}

// Thresholds are ordered from highest to lowest.
var thresholds = []threshold{
	{fees.TierInstitutional, decimal.NewFromInt(5_000_000)},
	{fees.TierElite, decimal.NewFromInt(1_000_000)},
	{fees.TierPro, decimal.NewFromInt(250_000)},
	{fees.TierBasic, decimal.Zero},
}

// ForVolume returns the tier earned by a completed volume.
func ForVolume(volume decimal.Decimal) fees.Tier {
	for _, t := range thresholds {
		if volume.GreaterThanOrEqual(t.volume) {
			return t.tier
		}
	}
	return fees.TierBasic
}

// Threshold returns the completed volume at which tier begins.
func Threshold(tier fees.Tier) decimal.Decimal {
	for _, t := range thresholds {
		if t.tier == tier {
			return t.volume
		}
	}
	return decimal.Zero
}

// VolumeStore accumulates completed volume per party.
type VolumeStore interface {
	// Add increments the party's volume and returns the totals before and after.
	Add(ctx context.Context, partyID string, amount decimal.Decimal) (before, after decimal.Decimal, err error)
	Get(ctx context.Context, partyID string) (decimal.Decimal, error)
}

// Notifier announces tier upgrades.
type Notifier interface {
	EmitTierUpgraded(partyID, fromTier, toTier, volume string)
}

// Tracker maps parties to tiers based on completed volume.
type Tracker struct {
	store    VolumeStore
	notifier Notifier
	logger   *slog.Logger
}

// NewTracker creates a tracker.
func NewTracker(store VolumeStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// WithNotifier adds TierUpgraded notifications.
func (t *Tracker) WithNotifier(n Notifier) *Tracker {
	t.notifier = n
	return t
}

// RecordCompletion adds a settled amount to the party's volume and emits
// TierUpgraded when it crosses a threshold.
func (t *Tracker) RecordCompletion(ctx context.Context, partyID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	before, after, err := t.store.Add(ctx, partyID, amount)
	if err != nil {
		return err
	}
	from, to := ForVolume(before), ForVolume(after)
	if from != to {
		t.logger.Info("party tier upgraded", "party", partyID, "from", from, "to", to, "volume", after.String())
		if t.notifier != nil {
			t.notifier.EmitTierUpgraded(partyID, string(from), string(to), after.String())
		}
	}
	return nil
}

// TierFor returns the party's current tier. Lookup failures fall back to basic.
func (t *Tracker) TierFor(ctx context.Context, partyID string) fees.Tier {
	v, err := t.store.Get(ctx, partyID)
	if err != nil {
		t.logger.Warn("tier lookup failed, using basic", "party", partyID, "error", err)
		return fees.TierBasic
	}
	return ForVolume(v)
}

// Volume returns the party's completed volume.
func (t *Tracker) Volume(ctx context.Context, partyID string) (decimal.Decimal, error) {
	return t.store.Get(ctx, partyID)
}

// MemoryStore is an in-memory VolumeStore.
type MemoryStore struct {
	mu      sync.Mutex
	volumes map[string]decimal.Decimal
}

// NewMemoryStore creates an empty volume store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{volumes: make(map[string]decimal.Decimal)}
}

func (m *MemoryStore) Add(_ context.Context, partyID string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.volumes[partyID]
	after := before.Add(amount)
	m.volumes[partyID] = after
	return before, after, nil
}

func (m *MemoryStore) Get(_ context.Context, partyID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumes[partyID], nil
}
