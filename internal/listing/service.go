// internal/listing/service.go
package listing

import (
	"context"
	"time"

	"foodrescue/internal/geo"

	"github.com/google/uuid"
)

// Service defines the interface for the listing store.
type Service interface {
	Create(ctx context.Context, ownerID uuid.UUID, quantity float64, meta Metadata, expiresAt *time.Time, location *geo.Point) (*Listing, error)
	Get(ctx context.Context, id uuid.UUID) (*Listing, error)
	List(ctx context.Context, filter Filter) ([]*Listing, error)
	Update(ctx context.Context, id, requesterID uuid.UUID, patch Patch) (*UpdateResult, error)
	Delete(ctx context.Context, id, requesterID uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) (*Listing, bool, error)
	SweepExpired(ctx context.Context, now time.Time) ([]*Listing, error)
	History(ctx context.Context, id, requesterID uuid.UUID) ([]Event, error)
}

// Filter narrows a listing query. Zero values match everything.
type Filter struct {
	Statuses []Status
	FoodType string
	OwnerID  uuid.UUID
}

// Matches reports whether l passes the filter.
func (f Filter) Matches(l *Listing) bool {
	if f.OwnerID != uuid.Nil && l.OwnerID != f.OwnerID {
		return false
	}
	if f.FoodType != "" && l.FoodType != f.FoodType {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if l.Status == s {
			return true
		}
	}
	return false
}

// UpdateResult is returned by Update. Warnings tell the caller about
// effects that bypassed the claim ledger.
type UpdateResult struct {
	Listing  *Listing `json:"listing"`
	Warnings []string `json:"warnings,omitempty"`
}

// Repository persists listings. Every mutation runs under the listing's
// lock and appends a journal entry in the same commit.
type Repository interface {
	InsertListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	ListListings(ctx context.Context, filter Filter) ([]*Listing, error)
	// UpdateListing loads the listing, lets mutate change it and persists the
	// result. An error from mutate aborts without changes.
	UpdateListing(ctx context.Context, id uuid.UUID, typ EventType, mutate func(*Listing) error) (*Listing, error)
	// DeleteListing removes the listing if check accepts it.
	DeleteListing(ctx context.Context, id uuid.UUID, check func(*Listing) error) error
	// ExpireDue flips every active listing whose expiry is before now to
	// expired and returns the flipped listings.
	ExpireDue(ctx context.Context, now time.Time) ([]*Listing, error)
	ListingHistory(ctx context.Context, id uuid.UUID) ([]Event, error)
}
