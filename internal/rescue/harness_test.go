package rescue

import (
	"io"
	"sync"
	"testing"
	"time"

	"foodrescue/internal/dispatch"
	"foodrescue/internal/feed"
	"foodrescue/internal/geo"
	"foodrescue/internal/identity"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/metrics"
	"foodrescue/internal/storage/memory"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type effectLog struct {
	mu      sync.Mutex
	effects []dispatch.Effect
}

func (e *effectLog) Enqueue(effects ...dispatch.Effect) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.effects = append(e.effects, effects...)
	return len(effects)
}

func (e *effectLog) take() []dispatch.Effect {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.effects
	e.effects = nil
	return out
}

type world struct {
	svc       Service
	store     *memory.Store
	directory *identity.StaticDirectory
	effects   *effectLog
	metrics   *metrics.Metrics
	clock     time.Time

	donor     uuid.UUID
	recipient uuid.UUID
}

func (w *world) now() time.Time { return w.clock }

func newWorld(t *testing.T) *world {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	w := &world{
		store:     memory.New(),
		directory: identity.NewStaticDirectory(),
		effects:   &effectLog{},
		metrics:   metrics.New(prometheus.NewRegistry()),
		clock:     time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC),
		donor:     uuid.New(),
		recipient: uuid.New(),
	}
	w.directory.Put(identity.Member{
		ID: w.donor, Name: "Bukka Hut", Role: identity.RoleDonor, Verified: true,
		Location: &geo.Point{Lat: 6.4281, Lng: 3.4219},
	})
	w.directory.Put(identity.Member{
		ID: w.recipient, Name: "Street Kids Trust", Role: identity.RoleRecipient, Verified: true,
		Watches: []string{"bakery"},
	})

	w.svc = NewService(Deps{
		Listings:  listing.NewService(w.store, log, w.now),
		Ledger:    ledger.NewService(w.store, log, ledger.WithClock(w.now)),
		Feed:      feed.NewService(w.store, log, w.now),
		Rewards:   w.store,
		Directory: w.directory,
		Effects:   w.effects,
		Metrics:   w.metrics,
		Log:       log,
		Now:       w.now,
	})
	return w
}

func (w *world) addRecipient(verified bool) uuid.UUID {
	id := uuid.New()
	w.directory.Put(identity.Member{ID: id, Role: identity.RoleRecipient, Verified: verified})
	return id
}
