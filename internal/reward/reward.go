// Package reward turns rescued kilograms into donor points and tiers.
package reward

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// PointsPerKg is the number of points a donor earns per kilogram claimed.
const PointsPerKg = 10

// Tier is a donor's standing on the reward ladder.
type Tier string

const (
	TierNewcomer Tier = "Newcomer"
	TierBronze   Tier = "Bronze"
	TierSilver   Tier = "Silver"
	TierGold     Tier = "Gold"
	TierSapphire Tier = "Sapphire"
)

var ladder = []struct {
	min  int64
	tier Tier
}{
	{5000, TierSapphire},
	{2000, TierGold},
	{500, TierSilver},
	{0, TierBronze},
}

// PointsFor returns the points a cumulative quantity is worth. The small
// epsilon keeps values like 0.3*10 from flooring to 2.
func PointsFor(kg float64) int64 {
	if !(kg > 0) {
		return 0
	}
	return int64(math.Floor(kg*PointsPerKg + 1e-9))
}

// TierFor maps a point total onto the ladder.
func TierFor(points int64) Tier {
	for _, step := range ladder {
		if points >= step.min {
			return step.tier
		}
	}
	return TierBronze
}

// Balance is a donor's running reward total.
type Balance struct {
	DonorID      uuid.UUID `json:"donor_id"`
	CumulativeKg float64   `json:"cumulative_kg"`
	Points       int64     `json:"points"`
	Tier         Tier      `json:"tier"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewBalance returns the empty balance of a donor with no credits.
func NewBalance(donorID uuid.UUID) *Balance {
	return &Balance{DonorID: donorID, Tier: TierNewcomer}
}

// Credit adds kg to the balance and returns the points it earned. Points are
// always recomputed from the cumulative quantity so rounding never drifts
// across many small claims.
func (b *Balance) Credit(kg float64, now time.Time) int64 {
	before := b.Points
	b.CumulativeKg += kg
	b.Points = PointsFor(b.CumulativeKg)
	b.Tier = TierFor(b.Points)
	b.UpdatedAt = now
	return b.Points - before
}

// Totals is what a donor or recipient sees about their impact.
type Totals struct {
	TotalKg float64 `json:"total_kg"`
	Points  int64   `json:"points"`
	Tier    Tier    `json:"tier"`
}

// Totals returns the caller-facing view of the balance.
func (b *Balance) Totals() Totals {
	return Totals{TotalKg: b.CumulativeKg, Points: b.Points, Tier: b.Tier}
}

// Repository reads reward balances. Credits are written by the claim ledger
// inside its transaction.
type Repository interface {
	// GetBalance returns the donor's balance, or a Newcomer balance if the
	// donor has never been credited.
	GetBalance(ctx context.Context, donorID uuid.UUID) (*Balance, error)
	// TopBalances returns up to limit balances ordered by points descending.
	TopBalances(ctx context.Context, limit int) ([]*Balance, error)
}
