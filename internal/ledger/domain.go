// internal/ledger/domain.go
package ledger

import (
	"time"

	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
)

// FulfillmentStatus tracks the physical handoff of a claim.
type FulfillmentStatus string

const (
	FulfillmentPendingPickup FulfillmentStatus = "pending_pickup"
	FulfillmentCompleted     FulfillmentStatus = "completed"
)

// Claim is an immutable ledger entry.
type Claim struct {
	ID                uuid.UUID         `json:"id"`
	ListingID         uuid.UUID         `json:"listing_id"`
	ClaimantID        uuid.UUID         `json:"claimant_id"`
	Quantity          float64           `json:"quantity_kg"`
	PickupCode        string            `json:"pickup_code"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Receipt is everything a committed claim changed.
type Receipt struct {
	Claim        Claim            `json:"claim"`
	Listing      *listing.Listing `json:"listing"`
	Balance      *reward.Balance  `json:"balance"`
	PointsEarned int64            `json:"points_earned"`
}

// RecipientTotals summarizes what a claimant has taken.
type RecipientTotals struct {
	ClaimCount int     `json:"claim_count"`
	TotalKg    float64 `json:"total_kg"`
}
