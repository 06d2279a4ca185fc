package ledger_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/reward"
	"foodrescue/internal/storage/memory"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fixture struct {
	store    *memory.Store
	listings listing.Service
	ledger   ledger.Service
}

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	Helper()
	require.TestingT
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newFixture(t tb, opts ...ledger.Option) *fixture {
	t.Helper()
	store := memory.New()
	log := quietLogger()
	return &fixture{
		store:    store,
		listings: listing.NewService(store, log, nil),
		ledger:   ledger.NewService(store, log, opts...),
	}
}

func (f *fixture) post(t tb, owner uuid.UUID, kg float64, expiresAt *time.Time) *listing.Listing {
	t.Helper()
	l, err := f.listings.Create(context.Background(), owner, kg, listing.Metadata{Title: "Bread", FoodType: "bakery"}, expiresAt, nil)
	require.NoError(t, err)
	return l
}

func TestRecordScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	donor := uuid.New()
	l := f.post(t, donor, 10, nil)

	a, err := f.ledger.Record(ctx, l.ID, uuid.New(), 6)
	require.NoError(t, err)
	assert.Equal(t, 4.0, a.Listing.RemainingQuantity)
	assert.Equal(t, listing.StatusPartiallyClaimed, a.Listing.Status)
	assert.Len(t, a.Claim.PickupCode, 6)
	assert.Equal(t, ledger.FulfillmentPendingPickup, a.Claim.FulfillmentStatus)

	_, err = f.ledger.Record(ctx, l.ID, uuid.New(), 5)
	require.ErrorIs(t, err, apperr.OverClaim)
	assert.Equal(t, "Only 4.0kg is available.", apperr.MessageOf(err))

	c, err := f.ledger.Record(ctx, l.ID, uuid.New(), 4)
	require.NoError(t, err)
	assert.Zero(t, c.Listing.RemainingQuantity)
	assert.Equal(t, listing.StatusClaimed, c.Listing.Status)

	_, err = f.ledger.Record(ctx, l.ID, uuid.New(), 0.5)
	require.ErrorIs(t, err, apperr.AlreadyClaimed)

	claims, err := f.ledger.ClaimsFor(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, a.Claim.ID, claims[0].ID)
	assert.Equal(t, c.Claim.ID, claims[1].ID)
	assert.NotEqual(t, claims[0].PickupCode, claims[1].PickupCode)

	require.NoError(t, f.ledger.Audit(ctx, l.ID))

	balance, err := f.store.GetBalance(ctx, donor)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Points)
	assert.Equal(t, reward.TierBronze, balance.Tier)
}

func TestRecordSettlesNearZeroRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.post(t, uuid.New(), 5, nil)

	r, err := f.ledger.Record(ctx, l.ID, uuid.New(), 4.95)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusClaimed, r.Listing.Status)
	assert.Zero(t, r.Listing.RemainingQuantity)
	// the leftover 0.05 kg goes with the claim
	assert.Equal(t, 5.0, r.Claim.Quantity)
	require.NoError(t, f.ledger.Audit(ctx, l.ID))
}

func TestRecordAcceptsOverdrawWithinTolerance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.post(t, uuid.New(), 3, nil)

	r, err := f.ledger.Record(ctx, l.ID, uuid.New(), 3.005)
	require.NoError(t, err)
	assert.Equal(t, 3.0, r.Claim.Quantity)
	assert.Equal(t, listing.StatusClaimed, r.Listing.Status)
}

func TestRecordRejectsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	yesterday := time.Now().Add(-24 * time.Hour)
	l := f.post(t, uuid.New(), 10, &yesterday)

	_, err := f.ledger.Record(ctx, l.ID, uuid.New(), 1)
	require.ErrorIs(t, err, apperr.Expired)

	after, err := f.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, after.RemainingQuantity)
	assert.Equal(t, l.Version, after.Version)
}

func TestRecordRejectsBadQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.post(t, uuid.New(), 10, nil)

	for _, qty := range []float64{0, -1} {
		_, err := f.ledger.Record(ctx, l.ID, uuid.New(), qty)
		require.ErrorIs(t, err, apperr.InvalidInput)
	}
	_, err := f.ledger.Record(ctx, uuid.New(), uuid.New(), 1)
	require.ErrorIs(t, err, apperr.NotFound)
}

func TestRecordRegeneratesCollidingCode(t *testing.T) {
	ctx := context.Background()
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	var mu sync.Mutex
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	f := newFixture(t, ledger.WithCodeGenerator(gen))
	l := f.post(t, uuid.New(), 10, nil)

	first, err := f.ledger.Record(ctx, l.ID, uuid.New(), 1)
	require.NoError(t, err)
	second, err := f.ledger.Record(ctx, l.ID, uuid.New(), 1)
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first.Claim.PickupCode)
	assert.Equal(t, "BBBBBB", second.Claim.PickupCode)
}

func TestRecordCodeGeneratorFailureLeavesNoEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.WithCodeGenerator(func() (string, error) {
		return "", errors.New("entropy exhausted")
	}))
	donor := uuid.New()
	l := f.post(t, donor, 10, nil)

	_, err := f.ledger.Record(ctx, l.ID, uuid.New(), 2)
	require.ErrorIs(t, err, apperr.Internal)

	after, err := f.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, after.RemainingQuantity)
	assert.Equal(t, listing.StatusAvailable, after.Status)

	claims, err := f.ledger.ClaimsFor(ctx, l.ID)
	require.NoError(t, err)
	assert.Empty(t, claims)

	balance, err := f.store.GetBalance(ctx, donor)
	require.NoError(t, err)
	assert.Equal(t, reward.TierNewcomer, balance.Tier)
}

func TestRecordCancelledContextCommitsNothing(t *testing.T) {
	f := newFixture(t)
	l := f.post(t, uuid.New(), 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ledger.Record(ctx, l.ID, uuid.New(), 2)
	require.Error(t, err)

	remaining, err := f.ledger.RemainingOf(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, remaining)
}

func TestConcurrentDoubleClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.post(t, uuid.New(), 10, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Record(ctx, l.ID, uuid.New(), 6)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		kind := apperr.KindOf(err)
		assert.True(t, kind == apperr.OverClaim || kind == apperr.Conflict, "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)

	after, err := f.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.0, after.RemainingQuantity)
	assert.Equal(t, listing.StatusPartiallyClaimed, after.Status)
}

func TestConcurrentClaimsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const total = 25.0
	l := f.post(t, uuid.New(), total, nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.ledger.Record(ctx, l.ID, uuid.New(), float64(1+i%4))
		}(i)
	}
	wg.Wait()

	claims, err := f.ledger.ClaimsFor(ctx, l.ID)
	require.NoError(t, err)
	var claimed float64
	for _, c := range claims {
		claimed += c.Quantity
	}
	assert.LessOrEqual(t, claimed, total+listing.OverClaimTolerance)
	require.NoError(t, f.ledger.Audit(ctx, l.ID))
}

func TestClaimSequenceProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		f := newFixture(t)
		donor := uuid.New()
		initial := rapid.Float64Range(0.5, 100).Draw(t, "initial")
		l := f.post(t, donor, initial, nil)

		amounts := rapid.SliceOfN(rapid.Float64Range(0.01, 40), 1, 20).Draw(t, "amounts")
		var lastPoints int64
		for _, amount := range amounts {
			before, err := f.listings.Get(ctx, l.ID)
			require.NoError(t, err)

			_, err = f.ledger.Record(ctx, l.ID, uuid.New(), amount)

			after, getErr := f.listings.Get(ctx, l.ID)
			require.NoError(t, getErr)
			if err != nil {
				// a rejected claim changes nothing
				assert.Equal(t, before.RemainingQuantity, after.RemainingQuantity)
				assert.Equal(t, before.Status, after.Status)
				assert.True(t, amount > before.RemainingQuantity+listing.OverClaimTolerance || before.Status == listing.StatusClaimed)
			}

			require.NoError(t, f.ledger.Audit(ctx, l.ID))
			assert.Equal(t, listing.DeriveStatus(after.RemainingQuantity, after.InitialQuantity, after.ExpiresAt, time.Now()), after.Status)
			assert.GreaterOrEqual(t, after.RemainingQuantity, 0.0)

			claimedKg, err := f.ledger.TotalClaimedBy(ctx, donor)
			require.NoError(t, err)
			balance, err := f.store.GetBalance(ctx, donor)
			require.NoError(t, err)
			assert.Equal(t, reward.PointsFor(claimedKg), balance.Points)
			assert.GreaterOrEqual(t, balance.Points, lastPoints)
			lastPoints = balance.Points
		}
	})
}

func TestRecipientTotals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	recipient := uuid.New()
	a := f.post(t, uuid.New(), 10, nil)
	b := f.post(t, uuid.New(), 10, nil)

	_, err := f.ledger.Record(ctx, a.ID, recipient, 2)
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, b.ID, recipient, 3.5)
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, b.ID, uuid.New(), 1)
	require.NoError(t, err)

	totals, err := f.ledger.RecipientTotals(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.ClaimCount)
	assert.InDelta(t, 5.5, totals.TotalKg, 1e-9)
}

func TestNewPickupCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := ledger.NewPickupCode()
		require.NoError(t, err)
		require.Regexp(t, `^[A-Z0-9]{6}$`, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}
