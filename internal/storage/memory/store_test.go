package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, owner uuid.UUID, kg float64, expiresAt *time.Time) *listing.Listing {
	t.Helper()
	now := time.Now().UTC()
	l := &listing.Listing{
		ID:                uuid.New(),
		OwnerID:           owner,
		Title:             "Beans",
		InitialQuantity:   kg,
		RemainingQuantity: kg,
		Status:            listing.StatusAvailable,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.InsertListing(context.Background(), l))
	return l
}

func TestWithinRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	donor := uuid.New()
	l := seed(t, s, donor, 10, nil)

	boom := errors.New("boom")
	err := s.Within(ctx, l.ID, func(tx ledger.Tx) error {
		locked, err := tx.LockListing(ctx, l.ID)
		require.NoError(t, err)
		locked.RemainingQuantity = 1
		require.NoError(t, tx.SaveListing(ctx, locked, listing.NewEvent(locked, listing.EventClaimed, time.Now())))
		require.NoError(t, tx.InsertClaim(ctx, &ledger.Claim{ID: uuid.New(), ListingID: l.ID, Quantity: 9, PickupCode: "ZZZZZZ"}))
		b, err := tx.LockBalance(ctx, donor)
		require.NoError(t, err)
		b.Credit(9, time.Now())
		require.NoError(t, tx.SaveBalance(ctx, b))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.RemainingQuantity)
	assert.Equal(t, 1, got.Version)

	claims, _ := s.ClaimsFor(ctx, l.ID)
	assert.Empty(t, claims)

	taken, err := (&unitTx{store: s}).PickupCodeTaken(ctx, "ZZZZZZ")
	require.NoError(t, err)
	assert.False(t, taken)

	b, _ := s.GetBalance(ctx, donor)
	assert.Equal(t, reward.TierNewcomer, b.Tier)
}

func TestSaveListingDetectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	l := seed(t, s, uuid.New(), 10, nil)

	err := s.Within(ctx, l.ID, func(tx ledger.Tx) error {
		locked, err := tx.LockListing(ctx, l.ID)
		require.NoError(t, err)
		locked.Version = 7
		return tx.SaveListing(ctx, locked, listing.NewEvent(locked, listing.EventClaimed, time.Now()))
	})
	require.ErrorIs(t, err, apperr.Conflict)
}

func TestWithinRejectsForeignListing(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seed(t, s, uuid.New(), 10, nil)
	b := seed(t, s, uuid.New(), 10, nil)

	err := s.Within(ctx, a.ID, func(tx ledger.Tx) error {
		_, err := tx.LockListing(ctx, b.ID)
		return err
	})
	require.ErrorIs(t, err, apperr.Internal)
}

func TestExpireDueSkipsClaimedAndFresh(t *testing.T) {
	ctx := context.Background()
	s := New()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	stale := seed(t, s, uuid.New(), 5, &past)
	fresh := seed(t, s, uuid.New(), 5, &future)
	gone := seed(t, s, uuid.New(), 5, &past)
	_, err := s.UpdateListing(ctx, gone.ID, listing.EventClaimed, func(l *listing.Listing) error {
		l.RemainingQuantity = 0
		l.Status = listing.StatusClaimed
		return nil
	})
	require.NoError(t, err)

	expired, err := s.ExpireDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, 5.0, expired[0].RemainingQuantity)

	got, _ := s.GetListing(ctx, fresh.ID)
	assert.Equal(t, listing.StatusAvailable, got.Status)
	got, _ = s.GetListing(ctx, gone.ID)
	assert.Equal(t, listing.StatusClaimed, got.Status)
}

func TestConcurrentUpdatesSerializePerListing(t *testing.T) {
	ctx := context.Background()
	s := New()
	l := seed(t, s, uuid.New(), 10, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateListing(ctx, l.ID, listing.EventUpdated, func(l *listing.Listing) error {
				l.Description += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Description, 50)
	assert.Equal(t, 51, got.Version)

	history, err := s.ListingHistory(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, history, 51)
	for i, ev := range history {
		assert.Equal(t, i+1, ev.Version)
	}
}

func TestTopBalances(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	for _, kg := range []float64{3, 80, 12} {
		b := reward.NewBalance(uuid.New())
		b.Credit(kg, now)
		s.balances[b.DonorID] = b
	}

	top, err := s.TopBalances(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, int64(800), top[0].Points)
	assert.Equal(t, int64(120), top[1].Points)
}

func TestTotalClaimedByDonor(t *testing.T) {
	ctx := context.Background()
	s := New()
	donor := uuid.New()
	mine := seed(t, s, donor, 10, nil)
	other := seed(t, s, uuid.New(), 10, nil)

	s.claims = append(s.claims,
		ledger.Claim{ID: uuid.New(), ListingID: mine.ID, Quantity: 2},
		ledger.Claim{ID: uuid.New(), ListingID: other.ID, Quantity: 5},
		ledger.Claim{ID: uuid.New(), ListingID: mine.ID, Quantity: 1.5},
	)

	total, err := s.TotalClaimedBy(ctx, donor)
	require.NoError(t, err)
	assert.Equal(t, 3.5, total)
}
