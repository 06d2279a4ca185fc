// internal/rescue/service.go
package rescue

import (
	"context"
	"time"

	"foodrescue/internal/dispatch"
	"foodrescue/internal/feed"
	"foodrescue/internal/geo"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
)

// Service is the surface the rest of the platform calls.
type Service interface {
	CreateListing(ctx context.Context, ownerID uuid.UUID, req CreateRequest) (*listing.Listing, error)
	Claim(ctx context.Context, claimantID, listingID uuid.UUID, quantity float64) (*ClaimResult, error)
	ListActive(ctx context.Context, q feed.Query, from *geo.Point) ([]feed.View, error)
	GetListing(ctx context.Context, listingID uuid.UUID, from *geo.Point) (*feed.View, error)
	Similar(ctx context.Context, listingID uuid.UUID, from *geo.Point) ([]feed.View, error)
	UpdateListing(ctx context.Context, listingID, requesterID uuid.UUID, patch listing.Patch) (*listing.UpdateResult, error)
	DeleteListing(ctx context.Context, listingID, requesterID uuid.UUID) error
	// SweepExpired flips listings past expiry and returns how many changed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	DonorTotals(ctx context.Context, donorID uuid.UUID) (reward.Totals, error)
	RecipientTotals(ctx context.Context, claimantID uuid.UUID) (ledger.RecipientTotals, error)
	ClaimsFor(ctx context.Context, listingID, requesterID uuid.UUID) ([]ledger.Claim, error)
	History(ctx context.Context, listingID, requesterID uuid.UUID) ([]listing.Event, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
}

// CreateRequest is what a donor submits to post a listing.
type CreateRequest struct {
	listing.Metadata
	Quantity  float64    `json:"quantity_kg"`
	ExpiresAt *time.Time `json:"expiration_date,omitempty"`
}

// ClaimResult is returned to the claimant.
type ClaimResult struct {
	ClaimID        uuid.UUID      `json:"claim_id"`
	PickupCode     string         `json:"pickup_code"`
	Quantity       float64        `json:"quantity_kg"`
	RemainingAfter float64        `json:"remaining_kg"`
	NewStatus      listing.Status `json:"status"`
	ClaimedAt      time.Time      `json:"claimed_at"`
}

// LeaderboardEntry ranks a donor by points.
type LeaderboardEntry struct {
	Rank    int         `json:"rank"`
	DonorID uuid.UUID   `json:"donor_id"`
	Points  int64       `json:"points"`
	Tier    reward.Tier `json:"tier"`
	TotalKg float64     `json:"total_kg"`
}

// Effects accepts side effects for delivery after commit.
type Effects interface {
	Enqueue(effects ...dispatch.Effect) int
}

const (
	// DefaultLeaderboardSize is the number of donors ranked when no limit
	// is given.
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 100

	TopicNewDonation    = "new_donation"
	TopicDonationUpdate = "donation_update"
)
