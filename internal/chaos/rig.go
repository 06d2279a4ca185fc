package chaos

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/dispatch"
	"foodrescue/internal/feed"
	"foodrescue/internal/identity"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/metrics"
	"foodrescue/internal/rescue"
	"foodrescue/internal/storage/memory"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var errBackendDown = errors.New("effect backend unavailable")

// FlakyBackend is an effect backend that can be switched off.
type FlakyBackend struct {
	down      atomic.Bool
	delivered atomic.Int64
	refused   atomic.Int64
}

func (b *FlakyBackend) SetDown(down bool) { b.down.Store(down) }

func (b *FlakyBackend) attempt() error {
	if b.down.Load() {
		b.refused.Add(1)
		return errBackendDown
	}
	b.delivered.Add(1)
	return nil
}

func (b *FlakyBackend) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.attempt()
}

func (b *FlakyBackend) Notify(ctx context.Context, userID uuid.UUID, message string) error {
	return b.attempt()
}

func (b *FlakyBackend) Delivered() int64 { return b.delivered.Load() }

// Rig is an in-memory deployment of the core for experiments to attack.
type Rig struct {
	Service    rescue.Service
	Ledger     ledger.Service
	Store      *memory.Store
	Directory  *identity.StaticDirectory
	Dispatcher *dispatch.Dispatcher
	Backend    *FlakyBackend
	Donor      uuid.UUID

	attempted atomic.Int64
	committed atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	listings []uuid.UUID
	stop     context.CancelFunc
	done     chan struct{}
}

// NewRig wires a core on the memory store with a verified donor and a
// dispatcher delivering to a FlakyBackend.
func NewRig(log logrus.FieldLogger) *Rig {
	store := memory.New()
	directory := identity.NewStaticDirectory()
	backend := &FlakyBackend{}
	m := metrics.New(prometheus.NewRegistry())
	dispatcher := dispatch.New(backend, backend, log, m, dispatch.Config{
		Buffer:    4096,
		Timeout:   time.Second,
		TripAfter: 3,
		Cooldown:  200 * time.Millisecond,
	})

	ledgerSvc := ledger.NewService(store, log)
	r := &Rig{
		Ledger:     ledgerSvc,
		Store:      store,
		Directory:  directory,
		Dispatcher: dispatcher,
		Backend:    backend,
		Donor:      uuid.New(),
	}
	directory.Put(identity.Member{ID: r.Donor, Name: "chaos donor", Role: identity.RoleDonor, Verified: true})

	r.Service = rescue.NewService(rescue.Deps{
		Listings:  listing.NewService(store, log, time.Now),
		Ledger:    ledgerSvc,
		Feed:      feed.NewService(store, log, time.Now),
		Rewards:   store,
		Directory: directory,
		Effects:   dispatcher,
		Metrics:   m,
		Log:       log,
	})
	return r
}

// Start runs the dispatcher until Close.
func (r *Rig) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		_ = r.Dispatcher.Run(ctx)
	}()
}

// Close stops the dispatcher after it drains.
func (r *Rig) Close() {
	if r.stop == nil {
		return
	}
	r.stop()
	<-r.done
	r.stop = nil
}

// NewRecipient registers a verified claimant.
func (r *Rig) NewRecipient() uuid.UUID {
	id := uuid.New()
	r.Directory.Put(identity.Member{ID: id, Role: identity.RoleRecipient, Verified: true})
	return id
}

// Post creates a tracked listing owned by the rig's donor.
func (r *Rig) Post(ctx context.Context, kg float64, expiresAt *time.Time) (*listing.Listing, error) {
	l, err := r.Service.CreateListing(ctx, r.Donor, rescue.CreateRequest{
		Metadata:  listing.Metadata{Title: "chaos surplus", FoodType: "chaos"},
		Quantity:  kg,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.listings = append(r.listings, l.ID)
	r.mu.Unlock()
	return l, nil
}

// Claim submits a claim and tallies the outcome. Business rejections
// (over-claim, already claimed, expired, conflict) are expected under load
// and are not failures.
func (r *Rig) Claim(ctx context.Context, claimant, listingID uuid.UUID, kg float64) error {
	r.attempted.Add(1)
	_, err := r.Service.Claim(ctx, claimant, listingID, kg)
	switch apperr.KindOf(err) {
	case "":
		r.committed.Add(1)
	case apperr.Internal, apperr.InvalidInput, apperr.Forbidden, apperr.NotFound:
		r.failed.Add(1)
	}
	return err
}

// Tracked returns the listings created through Post.
func (r *Rig) Tracked() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.listings...)
}

// Imbalance counts tracked listings whose claims plus remaining quantity do
// not add up to the initial quantity.
func (r *Rig) Imbalance(ctx context.Context) (float64, error) {
	var bad float64
	for _, id := range r.Tracked() {
		err := r.Ledger.Audit(ctx, id)
		if apperr.KindOf(err) == apperr.Internal {
			bad++
		} else if err != nil {
			return 0, err
		}
	}
	return bad, nil
}

// Overdrawn counts tracked listings with negative remaining quantity.
func (r *Rig) Overdrawn(ctx context.Context) (float64, error) {
	var bad float64
	for _, id := range r.Tracked() {
		remaining, err := r.Ledger.RemainingOf(ctx, id)
		if err != nil {
			return 0, err
		}
		if remaining < 0 {
			bad++
		}
	}
	return bad, nil
}

// ClaimFailureRate is the percentage of attempted claims that failed for a
// reason other than contention over the quantity.
func (r *Rig) ClaimFailureRate(ctx context.Context) (float64, error) {
	attempted := r.attempted.Load()
	if attempted == 0 {
		return 0, nil
	}
	return float64(r.failed.Load()) / float64(attempted) * 100, nil
}

// ClaimsAfterExpiry counts claims recorded after their listing expired.
func (r *Rig) ClaimsAfterExpiry(ctx context.Context) (float64, error) {
	var late float64
	for _, id := range r.Tracked() {
		l, err := r.Store.GetListing(ctx, id)
		if err != nil {
			return 0, err
		}
		if l.ExpiresAt == nil {
			continue
		}
		claims, err := r.Ledger.ClaimsFor(ctx, id)
		if err != nil {
			return 0, err
		}
		for _, c := range claims {
			if c.CreatedAt.After(*l.ExpiresAt) {
				late++
			}
		}
	}
	return late, nil
}
