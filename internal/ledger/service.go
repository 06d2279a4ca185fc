// internal/ledger/service.go
package ledger

import (
	"context"

	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
)

// Service defines the interface for the claim ledger.
type Service interface {
	// Record decrements the listing, appends the claim and credits the
	// donor as one atomic unit.
	Record(ctx context.Context, listingID, claimantID uuid.UUID, quantity float64) (*Receipt, error)
	RemainingOf(ctx context.Context, listingID uuid.UUID) (float64, error)
	TotalClaimedBy(ctx context.Context, donorID uuid.UUID) (float64, error)
	ClaimsFor(ctx context.Context, listingID uuid.UUID) ([]Claim, error)
	RecipientTotals(ctx context.Context, claimantID uuid.UUID) (RecipientTotals, error)
	// Audit checks that the claims on a listing plus its remaining quantity
	// add up to its initial quantity.
	Audit(ctx context.Context, listingID uuid.UUID) error
}

// Tx is the view of storage inside one atomic unit. Nothing written through
// it is visible to others until the unit commits.
type Tx interface {
	LockListing(ctx context.Context, id uuid.UUID) (*listing.Listing, error)
	// SaveListing persists l if its stored version still equals l.Version,
	// then bumps l.Version and journals ev under the new version. A stale
	// version fails with apperr.Conflict.
	SaveListing(ctx context.Context, l *listing.Listing, ev listing.Event) error
	PickupCodeTaken(ctx context.Context, code string) (bool, error)
	InsertClaim(ctx context.Context, c *Claim) error
	// LockBalance returns the donor's balance, held until the unit ends.
	LockBalance(ctx context.Context, donorID uuid.UUID) (*reward.Balance, error)
	SaveBalance(ctx context.Context, b *reward.Balance) error
}

// UnitOfWork runs fn serialized against every other unit on the same
// listing. When fn returns an error, or ctx ends before commit, nothing fn
// wrote survives.
type UnitOfWork interface {
	Within(ctx context.Context, listingID uuid.UUID, fn func(Tx) error) error
}

// Repository is the storage the ledger needs.
type Repository interface {
	UnitOfWork
	GetListing(ctx context.Context, id uuid.UUID) (*listing.Listing, error)
	// ClaimsFor returns the claims on a listing, oldest first.
	ClaimsFor(ctx context.Context, listingID uuid.UUID) ([]Claim, error)
	// ClaimsBy returns the claims made by a claimant, oldest first.
	ClaimsBy(ctx context.Context, claimantID uuid.UUID) ([]Claim, error)
	// TotalClaimedBy sums the claims on listings owned by donorID.
	TotalClaimedBy(ctx context.Context, donorID uuid.UUID) (float64, error)
}
