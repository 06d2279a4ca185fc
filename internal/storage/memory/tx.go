package memory

import (
	"context"

	"foodrescue/internal/apperr"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
)

// Within holds the listing's mutex for the whole unit. Writes are staged on
// the tx and applied in one step under the store lock, or dropped.
//
// Lock order is listing, then donor balance, then the store lock; nothing
// acquires them in the other direction.
func (s *Store) Within(ctx context.Context, listingID uuid.UUID, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "claim aborted")
	}

	unlock := s.listingLocks.lock(listingID)
	defer unlock()

	tx := &unitTx{store: s, listingID: listingID}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "claim aborted before commit")
	}
	return tx.commit()
}

type stagedListing struct {
	listing     *listing.Listing
	baseVersion int
	event       listing.Event
}

type unitTx struct {
	store     *Store
	listingID uuid.UUID

	listing  *stagedListing
	claims   []ledger.Claim
	balances map[uuid.UUID]*reward.Balance
	held     map[uuid.UUID]bool
	unlocks  []func()
}

func (t *unitTx) LockListing(ctx context.Context, id uuid.UUID) (*listing.Listing, error) {
	if id != t.listingID {
		return nil, apperr.New(apperr.Internal, "listing %s is outside this unit of work", id)
	}
	return t.store.GetListing(ctx, id)
}

func (t *unitTx) SaveListing(ctx context.Context, l *listing.Listing, ev listing.Event) error {
	if l.ID != t.listingID {
		return apperr.New(apperr.Internal, "listing %s is outside this unit of work", l.ID)
	}
	t.store.mu.RLock()
	stored, ok := t.store.listings[l.ID]
	t.store.mu.RUnlock()
	if !ok {
		return notFound(l.ID)
	}
	if stored.Version != l.Version {
		return apperr.New(apperr.Conflict, "listing %s changed concurrently, retry the claim", l.ID)
	}

	base := l.Version
	l.Version++
	ev.Version = l.Version
	t.listing = &stagedListing{listing: l.Clone(), baseVersion: base, event: ev}
	return nil
}

func (t *unitTx) PickupCodeTaken(ctx context.Context, code string) (bool, error) {
	for _, c := range t.claims {
		if c.PickupCode == code {
			return true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, taken := t.store.codes[code]
	return taken, nil
}

func (t *unitTx) InsertClaim(ctx context.Context, c *ledger.Claim) error {
	t.claims = append(t.claims, *c)
	return nil
}

func (t *unitTx) LockBalance(ctx context.Context, donorID uuid.UUID) (*reward.Balance, error) {
	if b, ok := t.balances[donorID]; ok {
		c := *b
		return &c, nil
	}
	if !t.held[donorID] {
		if t.held == nil {
			t.held = make(map[uuid.UUID]bool)
		}
		t.unlocks = append(t.unlocks, t.store.donorLocks.lock(donorID))
		t.held[donorID] = true
	}
	return t.store.GetBalance(ctx, donorID)
}

func (t *unitTx) SaveBalance(ctx context.Context, b *reward.Balance) error {
	if t.balances == nil {
		t.balances = make(map[uuid.UUID]*reward.Balance)
	}
	c := *b
	t.balances[b.DonorID] = &c
	return nil
}

func (t *unitTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.listing != nil {
		stored, ok := s.listings[t.listingID]
		if !ok {
			return notFound(t.listingID)
		}
		if stored.Version != t.listing.baseVersion {
			return apperr.New(apperr.Conflict, "listing %s changed concurrently, retry the claim", t.listingID)
		}
	}
	for _, c := range t.claims {
		if _, taken := s.codes[c.PickupCode]; taken {
			return apperr.New(apperr.Conflict, "pickup code collision, retry the claim")
		}
	}

	if t.listing != nil {
		s.listings[t.listingID] = t.listing.listing
		s.journal[t.listingID] = append(s.journal[t.listingID], t.listing.event)
	}
	for _, c := range t.claims {
		s.claims = append(s.claims, c)
		s.codes[c.PickupCode] = struct{}{}
	}
	for id, b := range t.balances {
		s.balances[id] = b
	}
	return nil
}

func (t *unitTx) release() {
	for i := len(t.unlocks) - 1; i >= 0; i-- {
		t.unlocks[i]()
	}
	t.unlocks = nil
}
