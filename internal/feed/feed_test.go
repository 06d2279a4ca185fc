package feed

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/geo"
	"foodrescue/internal/listing"
	"foodrescue/internal/storage/memory"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	ikeja    = geo.Point{Lat: 6.6018, Lng: 3.3515}
	yaba     = geo.Point{Lat: 6.5095, Lng: 3.3711}
	lekki    = geo.Point{Lat: 6.4698, Lng: 3.5852}
	ibadan   = geo.Point{Lat: 7.3775, Lng: 3.9470}
	surulere = geo.Point{Lat: 6.4926, Lng: 3.3488}
)

type harness struct {
	store *memory.Store
	feed  *service
	clock time.Time
	seq   int
}

func quiet() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newHarness() *harness {
	h := &harness{store: memory.New(), clock: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	h.feed = NewService(h.store, quiet(), func() time.Time { return h.clock }).(*service)
	h.feed.retry = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return h
}

// add stores a listing created one minute after the previous one.
func (h *harness) add(t *testing.T, foodType string, loc *geo.Point, expiresAt *time.Time) *listing.Listing {
	t.Helper()
	h.seq++
	created := h.clock.Add(-time.Hour + time.Duration(h.seq)*time.Minute)
	l := &listing.Listing{
		ID:                uuid.New(),
		OwnerID:           uuid.New(),
		Title:             foodType,
		FoodType:          foodType,
		InitialQuantity:   5,
		RemainingQuantity: 5,
		Status:            listing.StatusAvailable,
		ExpiresAt:         expiresAt,
		Location:          loc,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	require.NoError(t, h.store.InsertListing(context.Background(), l))
	return l
}

func ids(views []View) []uuid.UUID {
	out := make([]uuid.UUID, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func TestListActiveNearestFirst(t *testing.T) {
	h := newHarness()
	far := h.add(t, "produce", &ibadan, nil)
	unknown := h.add(t, "produce", nil, nil)
	near := h.add(t, "produce", &yaba, nil)
	mid := h.add(t, "produce", &lekki, nil)

	views, err := h.feed.ListActive(context.Background(), Query{}, &surulere)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{near.ID, mid.ID, far.ID, unknown.ID}, ids(views))
	require.NotNil(t, views[0].DistanceKm)
	assert.InDelta(t, 3.1, *views[0].DistanceKm, 0.5)
	assert.Nil(t, views[3].DistanceKm)
}

func TestListActiveNewestFirstWithoutLocation(t *testing.T) {
	h := newHarness()
	first := h.add(t, "produce", &ikeja, nil)
	second := h.add(t, "dairy", nil, nil)
	third := h.add(t, "produce", &lekki, nil)

	views, err := h.feed.ListActive(context.Background(), Query{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{third.ID, second.ID, first.ID}, ids(views))
	for _, v := range views {
		assert.Nil(t, v.DistanceKm)
	}
}

func TestListActiveExcludesExpiredBeforeSweep(t *testing.T) {
	h := newHarness()
	yesterday := h.clock.Add(-24 * time.Hour)
	tomorrow := h.clock.Add(24 * time.Hour)
	stale := h.add(t, "bakery", &ikeja, &yesterday)
	fresh := h.add(t, "bakery", &ikeja, &tomorrow)

	views, err := h.feed.ListActive(context.Background(), Query{FoodType: "bakery"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{fresh.ID}, ids(views))

	v, err := h.feed.Get(context.Background(), stale.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusExpired, v.Status)
}

func TestListActiveSkipsUnusableOwnerLocation(t *testing.T) {
	h := newHarness()
	good := h.add(t, "produce", &yaba, nil)
	broken := h.add(t, "produce", &geo.Point{Lat: 95, Lng: 0}, nil)

	views, err := h.feed.ListActive(context.Background(), Query{}, &surulere)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, []uuid.UUID{good.ID, broken.ID}, ids(views))
	assert.Nil(t, views[1].DistanceKm)
}

func TestListActiveRejectsBadRequesterLocation(t *testing.T) {
	h := newHarness()
	_, err := h.feed.ListActive(context.Background(), Query{}, &geo.Point{Lat: 0, Lng: 200})
	require.ErrorIs(t, err, apperr.InvalidInput)
}

func TestListActiveLimit(t *testing.T) {
	h := newHarness()
	for i := 0; i < 5; i++ {
		h.add(t, "produce", nil, nil)
	}
	views, err := h.feed.ListActive(context.Background(), Query{Limit: 2}, nil)
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func TestSimilar(t *testing.T) {
	h := newHarness()
	base := h.add(t, "bakery", &ikeja, nil)
	for i := 0; i < 4; i++ {
		h.add(t, "bakery", nil, nil)
	}
	h.add(t, "dairy", nil, nil)

	views, err := h.feed.Similar(context.Background(), base.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, views, DefaultSimilarLimit)
	for _, v := range views {
		assert.NotEqual(t, base.ID, v.ID)
		assert.Equal(t, "bakery", v.FoodType)
	}

	_, err = h.feed.Similar(context.Background(), uuid.New(), nil, 0)
	require.ErrorIs(t, err, apperr.NotFound)
}

type flakyReader struct {
	Reader
	failures int
	calls    int
	err      error
}

func (f *flakyReader) ListListings(ctx context.Context, filter listing.Filter) ([]*listing.Listing, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Reader.ListListings(ctx, filter)
}

func TestReadsRetryInternalFailures(t *testing.T) {
	h := newHarness()
	h.add(t, "produce", nil, nil)
	flaky := &flakyReader{Reader: h.store, failures: 2, err: errors.New("connection reset")}
	h.feed.reader = flaky

	views, err := h.feed.ListActive(context.Background(), Query{}, nil)
	require.NoError(t, err)
	assert.Len(t, views, 1)
	assert.Equal(t, 3, flaky.calls)
}

func TestReadsGiveUpAfterBoundedAttempts(t *testing.T) {
	h := newHarness()
	flaky := &flakyReader{Reader: h.store, failures: 10, err: errors.New("connection reset")}
	h.feed.reader = flaky

	_, err := h.feed.ListActive(context.Background(), Query{}, nil)
	require.Error(t, err)
	assert.Equal(t, readAttempts, flaky.calls)
}

func TestReadsDoNotRetryDomainErrors(t *testing.T) {
	h := newHarness()
	flaky := &flakyReader{Reader: h.store, failures: 10, err: apperr.New(apperr.Forbidden, "nope")}
	h.feed.reader = flaky

	_, err := h.feed.ListActive(context.Background(), Query{}, nil)
	require.ErrorIs(t, err, apperr.Forbidden)
	assert.Equal(t, 1, flaky.calls)
}

func TestDistanceOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness()
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		for i := 0; i < n; i++ {
			var loc *geo.Point
			if rapid.Bool().Draw(rt, "located") {
				loc = &geo.Point{
					Lat: rapid.Float64Range(-90, 90).Draw(rt, "lat"),
					Lng: rapid.Float64Range(-180, 180).Draw(rt, "lng"),
				}
			}
			h.seq++
			created := h.clock.Add(-time.Duration(h.seq) * time.Minute)
			require.NoError(rt, h.store.InsertListing(context.Background(), &listing.Listing{
				ID: uuid.New(), OwnerID: uuid.New(), Title: "x",
				InitialQuantity: 1, RemainingQuantity: 1, Status: listing.StatusAvailable,
				Location: loc, CreatedAt: created, UpdatedAt: created,
			}))
		}
		from := geo.Point{
			Lat: rapid.Float64Range(-90, 90).Draw(rt, "from_lat"),
			Lng: rapid.Float64Range(-180, 180).Draw(rt, "from_lng"),
		}

		views, err := h.feed.ListActive(context.Background(), Query{}, &from)
		require.NoError(rt, err)
		require.Len(rt, views, n)

		seenUnknown := false
		last := -1.0
		for _, v := range views {
			if v.DistanceKm == nil {
				seenUnknown = true
				continue
			}
			assert.False(rt, seenUnknown, "located listing after an unlocated one")
			assert.GreaterOrEqual(rt, *v.DistanceKm, last)
			last = *v.DistanceKm
		}
	})
}
