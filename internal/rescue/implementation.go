// internal/rescue/implementation.go
package rescue

import (
	"context"
	"fmt"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/dispatch"
	"foodrescue/internal/feed"
	"foodrescue/internal/geo"
	"foodrescue/internal/identity"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/metrics"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Deps wires the orchestrator to its collaborators.
type Deps struct {
	Listings  listing.Service
	Ledger    ledger.Service
	Feed      feed.Service
	Rewards   reward.Repository
	Directory identity.Directory
	Effects   Effects
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// service implements the Service interface.
type service struct {
	Deps
}

// NewService creates the claim orchestrator.
func NewService(d Deps) Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &service{Deps: d}
}

// CreateListing posts a listing for a verified donor and announces it.
func (s *service) CreateListing(ctx context.Context, ownerID uuid.UUID, req CreateRequest) (*listing.Listing, error) {
	if err := s.requireRole(ctx, ownerID, identity.RoleDonor, "Only donors can post donations."); err != nil {
		return nil, err
	}

	location, err := s.Directory.LocationOf(ctx, ownerID)
	if err != nil {
		s.Log.WithField("owner_id", ownerID).WithError(err).Warn("donor location unavailable")
		location = nil
	}

	l, err := s.Listings.Create(ctx, ownerID, req.Quantity, req.Metadata, req.ExpiresAt, location)
	if err != nil {
		return nil, err
	}
	s.Metrics.ListingPosted()

	effects := []dispatch.Effect{dispatch.Broadcast(TopicNewDonation, l)}
	if l.FoodType != "" {
		watchers, err := s.Directory.WatchersOf(ctx, l.FoodType)
		if err != nil {
			s.Log.WithField("food_type", l.FoodType).WithError(err).Warn("could not load watchers")
		}
		for _, w := range watchers {
			if w == ownerID {
				continue
			}
			effects = append(effects, dispatch.Notify(w,
				fmt.Sprintf("New %s available: %s (%skg)", l.FoodType, l.Title, listing.FormatKg(l.InitialQuantity))))
		}
	}
	s.Effects.Enqueue(effects...)
	return l, nil
}

// Claim validates, commits and announces a claim. Validation runs in a fixed
// order so the caller always gets the first failing reason; the ledger then
// re-checks everything under the listing lock.
func (s *service) Claim(ctx context.Context, claimantID, listingID uuid.UUID, quantity float64) (*ClaimResult, error) {
	started := time.Now()
	result, err := s.claim(ctx, claimantID, listingID, quantity)
	if err != nil {
		s.Metrics.ObserveClaim(string(apperr.KindOf(err)), 0, time.Since(started))
		logger := s.Log.WithFields(logrus.Fields{
			"listing_id":  listingID,
			"claimant_id": claimantID,
			"quantity":    quantity,
		}).WithError(err)
		if apperr.KindOf(err) == apperr.Internal {
			logger.Error("claim failed")
		} else {
			logger.Info("claim rejected")
		}
		return nil, err
	}
	s.Metrics.ObserveClaim("committed", result.Quantity, time.Since(started))
	return result, nil
}

func (s *service) claim(ctx context.Context, claimantID, listingID uuid.UUID, quantity float64) (*ClaimResult, error) {
	// RECEIVED -> VALIDATED
	if err := s.requireRole(ctx, claimantID, identity.RoleRecipient, "Only recipients can claim donations."); err != nil {
		return nil, err
	}
	l, err := s.Listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if err := l.CheckClaimable(quantity, s.Now()); err != nil {
		return nil, err
	}

	// LOCKED -> COMMITTED
	receipt, err := s.Ledger.Record(ctx, listingID, claimantID, quantity)
	if err != nil {
		return nil, err
	}

	// SIDE_EFFECTS_DISPATCHED
	s.Effects.Enqueue(claimEffects(receipt)...)

	return &ClaimResult{
		ClaimID:        receipt.Claim.ID,
		PickupCode:     receipt.Claim.PickupCode,
		Quantity:       receipt.Claim.Quantity,
		RemainingAfter: receipt.Listing.RemainingQuantity,
		NewStatus:      receipt.Listing.Status,
		ClaimedAt:      receipt.Claim.CreatedAt,
	}, nil
}

// claimEffects is the post-commit fan-out of a claim.
func claimEffects(r *ledger.Receipt) []dispatch.Effect {
	l, c := r.Listing, r.Claim
	kg := listing.FormatKg(c.Quantity)
	return []dispatch.Effect{
		dispatch.Broadcast(TopicDonationUpdate, map[string]any{
			"id":          l.ID,
			"quantity_kg": l.RemainingQuantity,
			"status":      l.Status,
		}),
		dispatch.Notify(l.OwnerID, fmt.Sprintf(
			"%skg of your donation %q was claimed. Pickup code: %s. You earned %d points.",
			kg, l.Title, c.PickupCode, r.PointsEarned)),
		dispatch.Notify(c.ClaimantID, fmt.Sprintf(
			"You claimed %skg of %q. Show pickup code %s at collection.",
			kg, l.Title, c.PickupCode)),
	}
}

// requireRole checks the user holds role and is verified.
func (s *service) requireRole(ctx context.Context, userID uuid.UUID, role identity.Role, denied string) error {
	have, err := s.Directory.RoleOf(ctx, userID)
	if err != nil {
		return err
	}
	if have != role {
		return apperr.New(apperr.Forbidden, "%s", denied)
	}
	verified, err := s.Directory.IsVerified(ctx, userID)
	if err != nil {
		return err
	}
	if !verified {
		return apperr.New(apperr.Forbidden, "Your account must be verified first.")
	}
	return nil
}

func (s *service) ListActive(ctx context.Context, q feed.Query, from *geo.Point) ([]feed.View, error) {
	return s.Feed.ListActive(ctx, q, from)
}

func (s *service) GetListing(ctx context.Context, listingID uuid.UUID, from *geo.Point) (*feed.View, error) {
	return s.Feed.Get(ctx, listingID, from)
}

func (s *service) Similar(ctx context.Context, listingID uuid.UUID, from *geo.Point) ([]feed.View, error) {
	return s.Feed.Similar(ctx, listingID, from, feed.DefaultSimilarLimit)
}

func (s *service) UpdateListing(ctx context.Context, listingID, requesterID uuid.UUID, patch listing.Patch) (*listing.UpdateResult, error) {
	return s.Listings.Update(ctx, listingID, requesterID, patch)
}

func (s *service) DeleteListing(ctx context.Context, listingID, requesterID uuid.UUID) error {
	return s.Listings.Delete(ctx, listingID, requesterID)
}

// SweepExpired is idempotent: a second call with the same clock returns 0.
func (s *service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.Listings.SweepExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	s.Metrics.Swept(len(expired))

	effects := make([]dispatch.Effect, 0, len(expired))
	for _, l := range expired {
		effects = append(effects, dispatch.Broadcast(TopicDonationUpdate, map[string]any{
			"id":          l.ID,
			"quantity_kg": l.RemainingQuantity,
			"status":      l.Status,
		}))
	}
	if len(effects) > 0 {
		s.Effects.Enqueue(effects...)
	}
	return len(expired), nil
}

func (s *service) DonorTotals(ctx context.Context, donorID uuid.UUID) (reward.Totals, error) {
	b, err := s.Rewards.GetBalance(ctx, donorID)
	if err != nil {
		return reward.Totals{}, err
	}
	return b.Totals(), nil
}

func (s *service) RecipientTotals(ctx context.Context, claimantID uuid.UUID) (ledger.RecipientTotals, error) {
	return s.Ledger.RecipientTotals(ctx, claimantID)
}

// ClaimsFor shows the owner who claimed from a listing.
func (s *service) ClaimsFor(ctx context.Context, listingID, requesterID uuid.UUID) ([]ledger.Claim, error) {
	l, err := s.Listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != requesterID {
		return nil, apperr.New(apperr.Forbidden, "Unauthorized. You did not post this.")
	}
	return s.Ledger.ClaimsFor(ctx, listingID)
}

func (s *service) History(ctx context.Context, listingID, requesterID uuid.UUID) ([]listing.Event, error) {
	return s.Listings.History(ctx, listingID, requesterID)
}

func (s *service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	limit = min(limit, MaxLeaderboardSize)
	top, err := s.Rewards.TopBalances(ctx, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]LeaderboardEntry, len(top))
	for i, b := range top {
		entries[i] = LeaderboardEntry{
			Rank:    i + 1,
			DonorID: b.DonorID,
			Points:  b.Points,
			Tier:    b.Tier,
			TotalKg: b.CumulativeKg,
		}
	}
	return entries, nil
}
