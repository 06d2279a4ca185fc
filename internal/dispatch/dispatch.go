// Package dispatch delivers post-commit side effects: real-time broadcasts
// and user notifications. Delivery is best effort; a failed effect is logged
// and counted, never reported back to the operation that produced it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foodrescue/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Kind distinguishes the two effect channels.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindNotify    Kind = "notify"
)

// Effect is one side effect requested by a committed operation.
type Effect struct {
	Kind    Kind
	Topic   string
	Payload any
	UserID  uuid.UUID
	Message string
}

// Broadcast asks for payload to be published on topic.
func Broadcast(topic string, payload any) Effect {
	return Effect{Kind: KindBroadcast, Topic: topic, Payload: payload}
}

// Notify asks for message to be delivered to userID.
func Notify(userID uuid.UUID, message string) Effect {
	return Effect{Kind: KindNotify, UserID: userID, Message: message}
}

// Notifier delivers a message to one user.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, message string) error
}

// Publisher puts a payload on a real-time topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config tunes the dispatcher.
type Config struct {
	// Buffer is the queue length. Effects beyond it are dropped.
	Buffer int
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// TripAfter consecutive failures opens a backend's breaker.
	TripAfter uint32
	// Cooldown is how long an open breaker rejects before probing again.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.TripAfter == 0 {
		c.TripAfter = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Dispatcher queues effects and delivers them from a single loop.
type Dispatcher struct {
	notifier  Notifier
	publisher Publisher
	queue     chan Effect
	breakers  map[Kind]*gobreaker.CircuitBreaker
	cfg       Config
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

// New creates a dispatcher. Call Run to start delivering.
func New(notifier Notifier, publisher Publisher, log logrus.FieldLogger, m *metrics.Metrics, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		notifier:  notifier,
		publisher: publisher,
		queue:     make(chan Effect, cfg.Buffer),
		cfg:       cfg,
		log:       log,
		metrics:   m,
	}
	d.breakers = map[Kind]*gobreaker.CircuitBreaker{
		KindBroadcast: d.newBreaker(KindBroadcast),
		KindNotify:    d.newBreaker(KindNotify),
	}
	return d
}

func (d *Dispatcher) newBreaker(kind Kind) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 1,
		Timeout:     d.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.cfg.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.WithFields(logrus.Fields{
				"backend": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("effect backend breaker changed state")
		},
	})
}

// Enqueue hands effects to the loop without blocking. It returns how many
// were accepted; the rest were dropped because the queue was full.
func (d *Dispatcher) Enqueue(effects ...Effect) int {
	accepted := 0
	for _, e := range effects {
		select {
		case d.queue <- e:
			accepted++
		default:
			d.metrics.Effect(string(e.Kind), "dropped")
			d.log.WithField("kind", e.Kind).Warn("effect queue full, dropping effect")
		}
	}
	return accepted
}

// Run delivers queued effects until ctx ends, then drains what is already
// queued under a fresh deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-d.queue:
			d.deliver(context.Background(), e)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case e := <-d.queue:
			d.deliver(context.Background(), e)
		default:
			return
		}
	}
}

// Deliver sends one effect synchronously. It is what Run does for each
// queued effect.
func (d *Dispatcher) Deliver(ctx context.Context, e Effect) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	breaker, ok := d.breakers[e.Kind]
	if !ok {
		return fmt.Errorf("unknown effect kind %q", e.Kind)
	}
	_, err := breaker.Execute(func() (interface{}, error) {
		switch e.Kind {
		case KindBroadcast:
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode broadcast: %w", err)
			}
			return nil, d.publisher.Publish(ctx, e.Topic, payload)
		default:
			return nil, d.notifier.Notify(ctx, e.UserID, e.Message)
		}
	})
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, e Effect) {
	err := d.Deliver(ctx, e)
	switch {
	case err == nil:
		d.metrics.Effect(string(e.Kind), "delivered")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		d.metrics.Effect(string(e.Kind), "rejected")
		d.log.WithField("kind", e.Kind).Debug("effect backend breaker open, skipping")
	default:
		d.metrics.Effect(string(e.Kind), "failed")
		d.log.WithFields(logrus.Fields{
			"kind":  e.Kind,
			"topic": e.Topic,
			"user":  e.UserID,
		}).WithError(err).Warn("effect delivery failed")
	}
}

// Pending returns the number of queued effects.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
