// Package memory is an in-process storage backend. Each listing has its own
// mutex, so claims on different listings never wait on each other.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
)

// Store implements listing.Repository, ledger.Repository and
// reward.Repository.
type Store struct {
	mu       sync.RWMutex
	listings map[uuid.UUID]*listing.Listing
	journal  map[uuid.UUID][]listing.Event
	claims   []ledger.Claim
	codes    map[string]struct{}
	balances map[uuid.UUID]*reward.Balance

	listingLocks keyedMutex
	donorLocks   keyedMutex
}

// New returns an empty store.
func New() *Store {
	return &Store{
		listings: make(map[uuid.UUID]*listing.Listing),
		journal:  make(map[uuid.UUID][]listing.Event),
		codes:    make(map[string]struct{}),
		balances: make(map[uuid.UUID]*reward.Balance),
	}
}

var (
	_ listing.Repository = (*Store)(nil)
	_ ledger.Repository  = (*Store)(nil)
	_ reward.Repository  = (*Store)(nil)
)

func notFound(id uuid.UUID) error {
	return apperr.New(apperr.NotFound, "Listing %s not found", id)
}

func (s *Store) InsertListing(ctx context.Context, l *listing.Listing) error {
	unlock := s.listingLocks.lock(l.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; ok {
		return apperr.New(apperr.Conflict, "listing %s already exists", l.ID)
	}
	l.Version = 1
	s.listings[l.ID] = l.Clone()
	s.journal[l.ID] = append(s.journal[l.ID], listing.NewEvent(l, listing.EventPosted, l.CreatedAt))
	return nil
}

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, notFound(id)
	}
	return l.Clone(), nil
}

// ListListings returns matching listings, newest first.
func (s *Store) ListListings(ctx context.Context, filter listing.Filter) ([]*listing.Listing, error) {
	s.mu.RLock()
	out := make([]*listing.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if filter.Matches(l) {
			out = append(out, l.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateListing(ctx context.Context, id uuid.UUID, typ listing.EventType, mutate func(*listing.Listing) error) (*listing.Listing, error) {
	unlock := s.listingLocks.lock(id)
	defer unlock()

	current, err := s.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(current); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "update aborted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitListing(current, listing.NewEvent(current, typ, current.UpdatedAt))
	return current.Clone(), nil
}

func (s *Store) DeleteListing(ctx context.Context, id uuid.UUID, check func(*listing.Listing) error) error {
	unlock := s.listingLocks.lock(id)
	defer unlock()

	current, err := s.GetListing(ctx, id)
	if err != nil {
		return err
	}
	if err := check(current); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listings, id)
	current.Version++
	s.journal[id] = append(s.journal[id], listing.NewEvent(current, listing.EventDeleted, time.Now().UTC()))
	return nil
}

// ExpireDue flips each active listing past expiry under that listing's
// lock, so a sweep never interleaves with a claim on the same listing.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]*listing.Listing, error) {
	s.mu.RLock()
	var due []uuid.UUID
	for id, l := range s.listings {
		if l.Status.Active() && l.Expired(now) {
			due = append(due, id)
		}
	}
	s.mu.RUnlock()

	var expired []*listing.Listing
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return expired, apperr.Wrap(apperr.Internal, err, "sweep aborted")
		}
		l, ok := s.expireOne(id, now)
		if ok {
			expired = append(expired, l)
		}
	}
	return expired, nil
}

func (s *Store) expireOne(id uuid.UUID, now time.Time) (*listing.Listing, bool) {
	unlock := s.listingLocks.lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.listings[id]
	if !ok || !stored.Status.Active() || !stored.Expired(now) {
		return nil, false
	}
	l := stored.Clone()
	l.Status = listing.StatusExpired
	l.UpdatedAt = now
	s.commitListing(l, listing.NewEvent(l, listing.EventExpired, now))
	return l.Clone(), true
}

// commitListing stores l with a bumped version. Callers hold s.mu.
func (s *Store) commitListing(l *listing.Listing, ev listing.Event) {
	l.Version++
	ev.Version = l.Version
	s.listings[l.ID] = l.Clone()
	s.journal[l.ID] = append(s.journal[l.ID], ev)
}

func (s *Store) ListingHistory(ctx context.Context, id uuid.UUID) ([]listing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.journal[id]
	if !ok {
		return nil, notFound(id)
	}
	return append([]listing.Event(nil), events...), nil
}

func (s *Store) ClaimsFor(ctx context.Context, listingID uuid.UUID) ([]ledger.Claim, error) {
	return s.claimsWhere(func(c ledger.Claim) bool { return c.ListingID == listingID }), nil
}

func (s *Store) ClaimsBy(ctx context.Context, claimantID uuid.UUID) ([]ledger.Claim, error) {
	return s.claimsWhere(func(c ledger.Claim) bool { return c.ClaimantID == claimantID }), nil
}

// claimsWhere keeps commit order, which is also created_at order.
func (s *Store) claimsWhere(keep func(ledger.Claim) bool) []ledger.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Claim
	for _, c := range s.claims {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) TotalClaimedBy(ctx context.Context, donorID uuid.UUID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, c := range s.claims {
		if l, ok := s.listings[c.ListingID]; ok && l.OwnerID == donorID {
			total += c.Quantity
		}
	}
	return total, nil
}

func (s *Store) GetBalance(ctx context.Context, donorID uuid.UUID) (*reward.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[donorID]; ok {
		c := *b
		return &c, nil
	}
	return reward.NewBalance(donorID), nil
}

func (s *Store) TopBalances(ctx context.Context, limit int) ([]*reward.Balance, error) {
	s.mu.RLock()
	out := make([]*reward.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		c := *b
		out = append(out, &c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Points == out[j].Points {
			return out[i].DonorID.String() < out[j].DonorID.String()
		}
		return out[i].Points > out[j].Points
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// keyedMutex hands out one mutex per key. Entries are never evicted.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func (k *keyedMutex) lock(key uuid.UUID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
