// internal/listing/domain.go
package listing

import (
	"strconv"
	"strings"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/geo"

	"github.com/google/uuid"
)

const (
	// OverClaimTolerance is how far a claim may exceed the remaining quantity
	// (in kg) and still be accepted.
	OverClaimTolerance = 0.01

	// CompletionThreshold is the remaining quantity (in kg) at or below which
	// a listing counts as fully claimed.
	CompletionThreshold = 0.1
)

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusAvailable        Status = "available"
	StatusPartiallyClaimed Status = "partially_claimed"
	StatusClaimed          Status = "claimed"
	StatusExpired          Status = "expired"
	StatusUnderReview      Status = "under_review"
)

// Terminal reports whether no claim or sweep may move the listing further.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusExpired || s == StatusUnderReview
}

// Active reports whether the listing can appear in feeds and accept claims.
func (s Status) Active() bool {
	return s == StatusAvailable || s == StatusPartiallyClaimed
}

// Listing is a posted quantity of surplus food.
type Listing struct {
	ID                uuid.UUID  `json:"id"`
	OwnerID           uuid.UUID  `json:"owner_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	FoodType          string     `json:"food_type"`
	Tags              string     `json:"tags,omitempty"`
	ImageURL          string     `json:"image_url,omitempty"`
	InitialQuantity   float64    `json:"initial_quantity_kg"`
	RemainingQuantity float64    `json:"quantity_kg"`
	Status            Status     `json:"status"`
	ExpiresAt         *time.Time `json:"expiration_date,omitempty"`
	Location          *geo.Point `json:"location,omitempty"`
	Version           int        `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Metadata holds the descriptive fields supplied at creation.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	FoodType    string `json:"food_type"`
	Tags        string `json:"tags,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Patch holds the optional fields of an update. A nil field is left as is.
type Patch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	FoodType    *string    `json:"food_type,omitempty"`
	Tags        *string    `json:"tags,omitempty"`
	ImageURL    *string    `json:"image_url,omitempty"`
	ExpiresAt   *time.Time `json:"expiration_date,omitempty"`
	// Quantity overrides both initial and remaining quantity outside of
	// the claim ledger.
	Quantity *float64 `json:"quantity_kg,omitempty"`
}

// DeriveStatus is the single rule mapping quantities and expiry to a status.
// A fully claimed listing stays claimed even after its expiry passes.
func DeriveStatus(remaining, initial float64, expiresAt *time.Time, now time.Time) Status {
	switch {
	case remaining <= 0:
		return StatusClaimed
	case expiresAt != nil && expiresAt.Before(now):
		return StatusExpired
	case remaining < initial:
		return StatusPartiallyClaimed
	default:
		return StatusAvailable
	}
}

// EffectiveStatus is the status the listing has at now. Moderation holds
// are kept; everything else is re-derived so a listing past its expiry reads
// as expired before the sweep has flipped it.
func (l *Listing) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusUnderReview || l.Status == StatusExpired {
		return l.Status
	}
	return DeriveStatus(l.RemainingQuantity, l.InitialQuantity, l.ExpiresAt, now)
}

// Expired reports whether the listing is past its expiry at now.
func (l *Listing) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// CheckClaimable validates a claim of amount against the listing at now
// without changing it.
func (l *Listing) CheckClaimable(amount float64, now time.Time) error {
	switch l.EffectiveStatus(now) {
	case StatusExpired:
		return apperr.New(apperr.Expired, "This donation has expired and cannot be claimed.")
	case StatusClaimed:
		return apperr.New(apperr.AlreadyClaimed, "This donation is fully claimed.")
	case StatusUnderReview:
		return apperr.New(apperr.Forbidden, "This donation is under review.")
	}
	if !(amount > 0) {
		return apperr.New(apperr.InvalidInput, "Quantity must be positive")
	}
	if amount > l.RemainingQuantity+OverClaimTolerance {
		return apperr.New(apperr.OverClaim, "Only %skg is available.", FormatKg(l.RemainingQuantity))
	}
	return nil
}

// ApplyDecrement removes amount from the remaining quantity and re-derives
// the status. It returns the quantity that actually left the listing: when
// the claim leaves no more than CompletionThreshold behind, the claim
// settles the whole remainder.
func (l *Listing) ApplyDecrement(amount float64, now time.Time) (float64, error) {
	if err := l.CheckClaimable(amount, now); err != nil {
		return 0, err
	}

	settled := amount
	remaining := l.RemainingQuantity - amount
	if remaining <= CompletionThreshold {
		settled = l.RemainingQuantity
		remaining = 0
	}

	l.RemainingQuantity = remaining
	l.Status = DeriveStatus(l.RemainingQuantity, l.InitialQuantity, l.ExpiresAt, now)
	l.UpdatedAt = now
	return settled, nil
}

// Apply copies the set fields of p onto the listing. It reports whether the
// quantity was overridden.
func (l *Listing) Apply(p Patch, now time.Time) (bool, error) {
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return false, apperr.New(apperr.InvalidInput, "Title cannot be empty")
		}
		l.Title = *p.Title
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.FoodType != nil {
		l.FoodType = *p.FoodType
	}
	if p.Tags != nil {
		l.Tags = *p.Tags
	}
	if p.ImageURL != nil {
		l.ImageURL = *p.ImageURL
	}
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		l.ExpiresAt = &exp
	}
	overridden := false
	if p.Quantity != nil {
		if !(*p.Quantity > 0) {
			return false, apperr.New(apperr.InvalidInput, "Quantity must be positive")
		}
		l.InitialQuantity = *p.Quantity
		l.RemainingQuantity = *p.Quantity
		overridden = true
	}
	l.Status = DeriveStatus(l.RemainingQuantity, l.InitialQuantity, l.ExpiresAt, now)
	l.UpdatedAt = now
	return overridden, nil
}

// Clone returns a deep copy of the listing.
func (l *Listing) Clone() *Listing {
	c := *l
	if l.ExpiresAt != nil {
		exp := *l.ExpiresAt
		c.ExpiresAt = &exp
	}
	if l.Location != nil {
		loc := *l.Location
		c.Location = &loc
	}
	return &c
}

// FormatKg renders a quantity the way users see it: "4.0", "2.5", "0.25".
func FormatKg(kg float64) string {
	s := strconv.FormatFloat(kg, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// EventType names an entry in a listing's journal.
type EventType string

const (
	EventPosted  EventType = "ListingPosted"
	EventUpdated EventType = "ListingUpdated"
	EventClaimed EventType = "ListingClaimed"
	EventExpired EventType = "ListingExpired"
	EventDeleted EventType = "ListingDeleted"
)

// Event is a journal entry recorded with every committed listing mutation.
type Event struct {
	ListingID         uuid.UUID `json:"listing_id"`
	Type              EventType `json:"type"`
	Version           int       `json:"version"`
	RemainingQuantity float64   `json:"remaining_quantity_kg"`
	Status            Status    `json:"status"`
	ClaimID           uuid.UUID `json:"claim_id,omitempty"`
	Quantity          float64   `json:"quantity_kg,omitempty"`
	At                time.Time `json:"at"`
}

// NewEvent snapshots the listing into a journal entry.
func NewEvent(l *Listing, typ EventType, at time.Time) Event {
	return Event{
		ListingID:         l.ID,
		Type:              typ,
		Version:           l.Version,
		RemainingQuantity: l.RemainingQuantity,
		Status:            l.Status,
		At:                at,
	}
}
