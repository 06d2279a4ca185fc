// Package feed builds the ranked listing views recipients browse.
package feed

import (
	"context"
	"sort"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/geo"
	"foodrescue/internal/listing"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultSimilarLimit is how many related listings Similar returns.
	DefaultSimilarLimit = 3

	readAttempts = 3
)

// View is a listing as one requester sees it.
type View struct {
	*listing.Listing
	// DistanceKm is nil when no requester location was given or the
	// owner's location is unknown or unusable.
	DistanceKm *float64 `json:"distance_km"`
}

// Query narrows the feed.
type Query struct {
	FoodType string
	Limit    int
}

// Reader is the storage the feed reads from.
type Reader interface {
	GetListing(ctx context.Context, id uuid.UUID) (*listing.Listing, error)
	ListListings(ctx context.Context, filter listing.Filter) ([]*listing.Listing, error)
}

// Service defines the interface for the listing query service.
type Service interface {
	ListActive(ctx context.Context, q Query, from *geo.Point) ([]View, error)
	Get(ctx context.Context, id uuid.UUID, from *geo.Point) (*View, error)
	Similar(ctx context.Context, id uuid.UUID, from *geo.Point, limit int) ([]View, error)
}

type service struct {
	reader Reader
	log    logrus.FieldLogger
	now    func() time.Time
	tracer trace.Tracer
	retry  func() backoff.BackOff
}

// NewService creates a feed over reader.
func NewService(reader Reader, log logrus.FieldLogger, now func() time.Time) Service {
	if now == nil {
		now = time.Now
	}
	return &service{
		reader: reader,
		log:    log,
		now:    now,
		tracer: otel.Tracer("foodrescue/feed"),
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
}

// ListActive returns every claimable listing, nearest first when from is
// set and newest first otherwise.
func (s *service) ListActive(ctx context.Context, q Query, from *geo.Point) ([]View, error) {
	ctx, span := s.tracer.Start(ctx, "feed.list_active",
		trace.WithAttributes(
			attribute.String("filter.food_type", q.FoodType),
			attribute.Bool("requester.located", from != nil),
		),
	)
	defer span.End()

	if err := validateFrom(from); err != nil {
		return nil, err
	}

	candidates, err := s.list(ctx, listing.Filter{
		Statuses: []listing.Status{listing.StatusAvailable, listing.StatusPartiallyClaimed},
		FoodType: q.FoodType,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	views := s.rank(candidates, from)
	if q.Limit > 0 && len(views) > q.Limit {
		views = views[:q.Limit]
	}
	span.SetAttributes(attribute.Int("feed.size", len(views)))
	return views, nil
}

// Get returns one listing with its effective status.
func (s *service) Get(ctx context.Context, id uuid.UUID, from *geo.Point) (*View, error) {
	if err := validateFrom(from); err != nil {
		return nil, err
	}
	l, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	l.Status = l.EffectiveStatus(s.now())
	v := View{Listing: l, DistanceKm: s.distance(l, from)}
	return &v, nil
}

// Similar returns active listings of the same food type, excluding id.
func (s *service) Similar(ctx context.Context, id uuid.UUID, from *geo.Point, limit int) ([]View, error) {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	if err := validateFrom(from); err != nil {
		return nil, err
	}
	base, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if base.FoodType == "" {
		return []View{}, nil
	}

	candidates, err := s.list(ctx, listing.Filter{
		Statuses: []listing.Status{listing.StatusAvailable, listing.StatusPartiallyClaimed},
		FoodType: base.FoodType,
	})
	if err != nil {
		return nil, err
	}
	others := candidates[:0]
	for _, l := range candidates {
		if l.ID != id {
			others = append(others, l)
		}
	}

	views := s.rank(others, from)
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// rank drops listings past expiry and orders the rest.
func (s *service) rank(candidates []*listing.Listing, from *geo.Point) []View {
	now := s.now()
	views := make([]View, 0, len(candidates))
	for _, l := range candidates {
		if l.Expired(now) || !l.Status.Active() {
			continue
		}
		views = append(views, View{Listing: l, DistanceKm: s.distance(l, from)})
	}

	if from == nil {
		sort.SliceStable(views, func(i, j int) bool {
			return views[i].CreatedAt.After(views[j].CreatedAt)
		})
		return views
	}

	sort.SliceStable(views, func(i, j int) bool {
		di, dj := views[i].DistanceKm, views[j].DistanceKm
		switch {
		case di == nil && dj == nil:
			return views[i].CreatedAt.After(views[j].CreatedAt)
		case di == nil:
			return false
		case dj == nil:
			return true
		case *di == *dj:
			return views[i].CreatedAt.After(views[j].CreatedAt)
		default:
			return *di < *dj
		}
	})
	return views
}

func (s *service) distance(l *listing.Listing, from *geo.Point) *float64 {
	if from == nil || l.Location == nil {
		return nil
	}
	meters, err := geo.Distance(*l.Location, *from)
	if err != nil {
		s.log.WithField("listing_id", l.ID).WithError(err).Warn("skipping distance for listing")
		return nil
	}
	km := meters / 1000
	return &km
}

func validateFrom(from *geo.Point) error {
	if from == nil {
		return nil
	}
	if err := from.Validate(); err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "Invalid coordinates")
	}
	return nil
}

func (s *service) list(ctx context.Context, filter listing.Filter) ([]*listing.Listing, error) {
	return retryRead(ctx, s, func() ([]*listing.Listing, error) {
		return s.reader.ListListings(ctx, filter)
	})
}

func (s *service) get(ctx context.Context, id uuid.UUID) (*listing.Listing, error) {
	return retryRead(ctx, s, func() (*listing.Listing, error) {
		return s.reader.GetListing(ctx, id)
	})
}

// retryRead retries Internal failures of an idempotent read a bounded
// number of times. Every other kind is returned at once.
func retryRead[T any](ctx context.Context, s *service, read func() (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := read()
		if err == nil {
			return v, nil
		}
		if !apperr.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		s.log.WithField("attempt", attempt).WithError(err).Warn("feed read failed, retrying")
		return v, err
	}, backoff.WithBackOff(s.retry()), backoff.WithMaxTries(readAttempts))
}
