// internal/listing/implementation.go
package listing

import (
	"context"
	"errors"
	"strings"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/geo"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// service implements the Service interface.
type service struct {
	repo   Repository
	log    logrus.FieldLogger
	now    func() time.Time
	tracer trace.Tracer
}

// NewService creates a new listing store. A nil clock means time.Now.
func NewService(repo Repository, log logrus.FieldLogger, now func() time.Time) Service {
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:   repo,
		log:    log,
		now:    now,
		tracer: otel.Tracer("foodrescue/listing"),
	}
}

// Create posts a new listing with its full quantity available.
func (s *service) Create(ctx context.Context, ownerID uuid.UUID, quantity float64, meta Metadata, expiresAt *time.Time, location *geo.Point) (*Listing, error) {
	if !(quantity > 0) {
		return nil, apperr.New(apperr.InvalidInput, "Quantity must be positive")
	}
	if strings.TrimSpace(meta.Title) == "" {
		return nil, apperr.New(apperr.InvalidInput, "Missing required fields")
	}
	if location != nil {
		if err := location.Validate(); err != nil {
			// an unusable donor location only costs the listing its distance
			s.log.WithField("owner_id", ownerID).WithError(err).Warn("ignoring invalid donor location")
			location = nil
		}
	}

	now := s.now().UTC()
	l := &Listing{
		ID:                uuid.New(),
		OwnerID:           ownerID,
		Title:             meta.Title,
		Description:       meta.Description,
		FoodType:          meta.FoodType,
		Tags:              meta.Tags,
		ImageURL:          meta.ImageURL,
		InitialQuantity:   quantity,
		RemainingQuantity: quantity,
		Status:            StatusAvailable,
		ExpiresAt:         expiresAt,
		Location:          location,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.InsertListing(ctx, l); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"listing_id": l.ID,
		"owner_id":   ownerID,
		"quantity":   quantity,
	}).Info("listing posted")
	return l, nil
}

// Get returns a listing by ID.
func (s *service) Get(ctx context.Context, id uuid.UUID) (*Listing, error) {
	return s.repo.GetListing(ctx, id)
}

// List returns listings matching filter.
func (s *service) List(ctx context.Context, filter Filter) ([]*Listing, error) {
	return s.repo.ListListings(ctx, filter)
}

// Update edits descriptive fields of a listing nobody has claimed from yet.
func (s *service) Update(ctx context.Context, id, requesterID uuid.UUID, patch Patch) (*UpdateResult, error) {
	overridden := false
	l, err := s.repo.UpdateListing(ctx, id, EventUpdated, func(l *Listing) error {
		if l.OwnerID != requesterID {
			return apperr.New(apperr.Forbidden, "Unauthorized. You did not post this.")
		}
		if l.EffectiveStatus(s.now()) != StatusAvailable {
			return apperr.New(apperr.Conflict, "Cannot edit. This item is already claimed or closed.")
		}
		var err error
		overridden, err = l.Apply(patch, s.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{Listing: l}
	if overridden {
		result.Warnings = append(result.Warnings,
			"quantity was overridden outside the claim ledger; the change is not transactional with claims")
		s.log.WithFields(logrus.Fields{
			"listing_id": id,
			"quantity":   l.InitialQuantity,
		}).Warn("listing quantity overridden")
	}
	return result, nil
}

// Delete removes a listing that is still fully available.
func (s *service) Delete(ctx context.Context, id, requesterID uuid.UUID) error {
	err := s.repo.DeleteListing(ctx, id, func(l *Listing) error {
		if l.OwnerID != requesterID {
			return apperr.New(apperr.Forbidden, "Unauthorized. You did not post this.")
		}
		if l.Status != StatusAvailable {
			return apperr.New(apperr.Conflict, "Cannot delete. This item has already been claimed.")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("listing_id", id).Info("listing deleted")
	return nil
}

// MarkExpired moves an active listing to expired. Listings already in a
// terminal state are returned unchanged with changed=false.
func (s *service) MarkExpired(ctx context.Context, id uuid.UUID) (*Listing, bool, error) {
	changed := false
	l, err := s.repo.UpdateListing(ctx, id, EventExpired, func(l *Listing) error {
		if !l.Status.Active() {
			return errUnchanged
		}
		l.Status = StatusExpired
		l.UpdatedAt = s.now().UTC()
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		current, err := s.repo.GetListing(ctx, id)
		return current, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return l, changed, nil
}

// SweepExpired flips every active listing past its expiry. Running it again
// with the same clock finds nothing left to flip.
func (s *service) SweepExpired(ctx context.Context, now time.Time) ([]*Listing, error) {
	ctx, span := s.tracer.Start(ctx, "listing.sweep_expired")
	defer span.End()

	expired, err := s.repo.ExpireDue(ctx, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, l := range expired {
		s.log.WithFields(logrus.Fields{
			"listing_id": l.ID,
			"owner_id":   l.OwnerID,
			"remaining":  l.RemainingQuantity,
		}).Info("listing expired")
	}
	span.SetAttributes(attribute.Int("listings.expired", len(expired)))
	return expired, nil
}

// History returns the journal of a listing to its owner.
func (s *service) History(ctx context.Context, id, requesterID uuid.UUID) ([]Event, error) {
	l, err := s.repo.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != requesterID {
		return nil, apperr.New(apperr.Forbidden, "Unauthorized. You did not post this.")
	}
	return s.repo.ListingHistory(ctx, id)
}

var errUnchanged = apperr.New(apperr.Conflict, "listing unchanged")
