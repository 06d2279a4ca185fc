// internal/ledger/implementation.go
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/listing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// auditTolerance absorbs float summation noise when checking conservation.
const auditTolerance = 1e-6

// Option configures the ledger.
type Option func(*service)

// WithCodeGenerator replaces the pickup code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *service) { s.codes = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// service implements the Service interface.
type service struct {
	repo   Repository
	log    logrus.FieldLogger
	now    func() time.Time
	codes  func() (string, error)
	tracer trace.Tracer
}

// NewService creates a new claim ledger.
func NewService(repo Repository, log logrus.FieldLogger, opts ...Option) Service {
	s := &service{
		repo:   repo,
		log:    log,
		now:    time.Now,
		codes:  NewPickupCode,
		tracer: otel.Tracer("foodrescue/ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record runs the claim as a single unit of work: lock, re-validate,
// decrement, append, credit. Any failure leaves every effect unapplied.
func (s *service) Record(ctx context.Context, listingID, claimantID uuid.UUID, quantity float64) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.record",
		trace.WithAttributes(
			attribute.String("listing.id", listingID.String()),
			attribute.String("claimant.id", claimantID.String()),
			attribute.Float64("claim.quantity", quantity),
		),
	)
	defer span.End()

	var receipt Receipt
	err := s.repo.Within(ctx, listingID, func(tx Tx) error {
		l, err := tx.LockListing(ctx, listingID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		settled, err := l.ApplyDecrement(quantity, now)
		if err != nil {
			return err
		}

		code, err := s.uniqueCode(ctx, tx)
		if err != nil {
			return err
		}

		claim := Claim{
			ID:                uuid.New(),
			ListingID:         listingID,
			ClaimantID:        claimantID,
			Quantity:          settled,
			PickupCode:        code,
			FulfillmentStatus: FulfillmentPendingPickup,
			CreatedAt:         now,
		}
		if err := tx.InsertClaim(ctx, &claim); err != nil {
			return err
		}

		ev := listing.NewEvent(l, listing.EventClaimed, now)
		ev.ClaimID = claim.ID
		ev.Quantity = settled
		if err := tx.SaveListing(ctx, l, ev); err != nil {
			return err
		}

		balance, err := tx.LockBalance(ctx, l.OwnerID)
		if err != nil {
			return err
		}
		earned := balance.Credit(settled, now)
		if err := tx.SaveBalance(ctx, balance); err != nil {
			return err
		}

		receipt = Receipt{
			Claim:        claim,
			Listing:      l,
			Balance:      balance,
			PointsEarned: earned,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("claim.outcome", string(apperr.KindOf(err))))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("claim.id", receipt.Claim.ID.String()),
		attribute.Float64("listing.remaining", receipt.Listing.RemainingQuantity),
		attribute.String("listing.status", string(receipt.Listing.Status)),
	)
	s.log.WithFields(logrus.Fields{
		"claim_id":    receipt.Claim.ID,
		"listing_id":  listingID,
		"claimant_id": claimantID,
		"quantity":    receipt.Claim.Quantity,
		"remaining":   receipt.Listing.RemainingQuantity,
		"status":      receipt.Listing.Status,
	}).Info("claim committed")
	return &receipt, nil
}

func (s *service) uniqueCode(ctx context.Context, tx Tx) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.codes()
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, err, "generate pickup code")
		}
		taken, err := tx.PickupCodeTaken(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
		s.log.WithField("attempt", i+1).Debug("pickup code collision, regenerating")
	}
	return "", apperr.New(apperr.Internal, "could not allocate a unique pickup code after %d attempts", maxCodeAttempts)
}

// RemainingOf returns the unclaimed quantity of a listing.
func (s *service) RemainingOf(ctx context.Context, listingID uuid.UUID) (float64, error) {
	l, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return 0, err
	}
	return l.RemainingQuantity, nil
}

// TotalClaimedBy sums what recipients have claimed from donorID's listings.
func (s *service) TotalClaimedBy(ctx context.Context, donorID uuid.UUID) (float64, error) {
	return s.repo.TotalClaimedBy(ctx, donorID)
}

// ClaimsFor returns the claims on a listing in commit order.
func (s *service) ClaimsFor(ctx context.Context, listingID uuid.UUID) ([]Claim, error) {
	if _, err := s.repo.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	return s.repo.ClaimsFor(ctx, listingID)
}

func (s *service) RecipientTotals(ctx context.Context, claimantID uuid.UUID) (RecipientTotals, error) {
	claims, err := s.repo.ClaimsBy(ctx, claimantID)
	if err != nil {
		return RecipientTotals{}, err
	}
	totals := RecipientTotals{ClaimCount: len(claims)}
	for _, c := range claims {
		totals.TotalKg += c.Quantity
	}
	return totals, nil
}

func (s *service) Audit(ctx context.Context, listingID uuid.UUID) error {
	l, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	claims, err := s.repo.ClaimsFor(ctx, listingID)
	if err != nil {
		return err
	}

	var claimed float64
	for _, c := range claims {
		claimed += c.Quantity
	}
	if diff := claimed + l.RemainingQuantity - l.InitialQuantity; math.Abs(diff) > auditTolerance {
		return apperr.Wrap(apperr.Internal,
			fmt.Errorf("claimed %v + remaining %v != initial %v", claimed, l.RemainingQuantity, l.InitialQuantity),
			"ledger out of balance for listing %s", listingID)
	}
	return nil
}
