// Package chaos attacks a running core with faults and checks that its
// consistency probes stay within bounds. A run takes a baseline, injects
// faults, samples probes for a window, recovers, then judges its checks
// against the last sample of each probe.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBadBaseline aborts a run whose probes are out of bounds before any
// fault is injected.
var ErrBadBaseline = errors.New("chaos: baseline out of bounds")

// Op compares a probe reading against a limit.
type Op string

const (
	OpEq Op = "=="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Bound is the range a probe must stay in.
type Bound struct {
	Op    Op
	Limit float64
}

func (b Bound) Admits(v float64) bool {
	switch b.Op {
	case OpEq:
		return v == b.Limit
	case OpLt:
		return v < b.Limit
	case OpLe:
		return v <= b.Limit
	case OpGt:
		return v > b.Limit
	case OpGe:
		return v >= b.Limit
	}
	return false
}

func (b Bound) String() string { return fmt.Sprintf("%s %g", b.Op, b.Limit) }

// Probe reads one number off the system under test.
type Probe struct {
	Name  string
	Read  func(context.Context) (float64, error)
	Bound Bound
}

// Fault changes the system under test. Recover steps are Faults too.
type Fault struct {
	Name   string
	Inject func(context.Context) error
}

// Check judges the final sample of a probe.
type Check struct {
	Probe  string
	Want   func(float64) bool
	Reason string
}

type Experiment struct {
	Name       string
	Hypothesis string
	Probes     []Probe
	Faults     []Fault
	Recover    []Fault
	Checks     []Check
	// Window is how long probes are sampled after the faults.
	Window time.Duration
}

type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Breach is a sample outside its probe's bound.
type Breach struct {
	Probe string    `json:"probe"`
	Bound string    `json:"bound"`
	Got   float64   `json:"got"`
	At    time.Time `json:"at"`
}

// Incident is an error raised by a fault, a recovery step or a probe.
type Incident struct {
	Source string    `json:"source"`
	Err    string    `json:"error"`
	At     time.Time `json:"at"`
}

type Outcome struct {
	Experiment string              `json:"experiment"`
	Started    time.Time           `json:"started"`
	Finished   time.Time           `json:"finished"`
	Held       bool                `json:"held"`
	Failed     []string            `json:"failed,omitempty"`
	Breaches   []Breach            `json:"breaches,omitempty"`
	Incidents  []Incident          `json:"incidents,omitempty"`
	Samples    map[string][]Sample `json:"samples"`
	// Recovery is the time from the first breach to the next sample back
	// in bounds, nil if nothing breached or nothing recovered.
	Recovery *time.Duration `json:"recovery,omitempty"`
}

func (o *Outcome) incident(source string, err error) {
	o.Incidents = append(o.Incidents, Incident{Source: source, Err: err.Error(), At: time.Now()})
}

func (o *Outcome) last(probe string) (float64, bool) {
	s := o.Samples[probe]
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1].Value, true
}

// Engine runs experiments against a Rig.
type Engine struct {
	rig    *Rig
	tracer trace.Tracer
	log    logrus.FieldLogger

	// Every is the probe sampling period inside a window.
	Every time.Duration
	// Gap is the pause between experiments of a game day.
	Gap time.Duration

	mu       sync.Mutex
	catalog  []Experiment
	outcomes []Outcome
}

func NewEngine(rig *Rig, log logrus.FieldLogger) *Engine {
	return &Engine{
		rig:    rig,
		tracer: otel.Tracer("foodrescue/chaos"),
		log:    log,
		Every:  time.Second,
		Gap:    2 * time.Second,
	}
}

func (e *Engine) Register(exps ...Experiment) {
	e.mu.Lock()
	e.catalog = append(e.catalog, exps...)
	e.mu.Unlock()
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.catalog...)
}

func (e *Engine) Outcomes() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Outcome(nil), e.outcomes...)
}

// Run executes one experiment. It returns ErrBadBaseline, with the
// offending breaches in the outcome, when the system is unhealthy to begin
// with.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.experiment",
		trace.WithAttributes(attribute.String("chaos.experiment", exp.Name)))
	defer span.End()

	out := &Outcome{Experiment: exp.Name, Started: time.Now(), Samples: map[string][]Sample{}}

	for _, p := range exp.Probes {
		v, err := p.Read(ctx)
		if err != nil || !p.Bound.Admits(v) {
			out.Breaches = append(out.Breaches, Breach{Probe: p.Name, Bound: p.Bound.String(), Got: v, At: time.Now()})
		}
	}
	if len(out.Breaches) > 0 {
		span.SetStatus(codes.Error, "bad baseline")
		return out, ErrBadBaseline
	}

	span.AddEvent("inject")
	e.apply(ctx, span, out, exp.Faults)

	span.AddEvent("observe")
	e.watch(ctx, exp, out)

	span.AddEvent("recover")
	e.apply(ctx, span, out, exp.Recover)

	for _, c := range exp.Checks {
		if v, ok := out.last(c.Probe); !ok || !c.Want(v) {
			out.Failed = append(out.Failed, c.Reason)
		}
	}
	out.Held = len(out.Failed) == 0
	out.Finished = time.Now()

	e.mu.Lock()
	e.outcomes = append(e.outcomes, *out)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("chaos.held", out.Held),
		attribute.Int("chaos.breaches", len(out.Breaches)),
	)
	return out, nil
}

func (e *Engine) apply(ctx context.Context, span trace.Span, out *Outcome, steps []Fault) {
	for _, f := range steps {
		if err := f.Inject(ctx); err != nil {
			out.incident(f.Name, err)
			span.RecordError(err)
		}
	}
}

// watch samples every probe each period until the window closes, and once
// more on close.
func (e *Engine) watch(ctx context.Context, exp Experiment, out *Outcome) {
	var breachedAt time.Time
	sample := func() {
		for _, p := range exp.Probes {
			v, err := p.Read(ctx)
			if err != nil {
				out.incident(p.Name, err)
				continue
			}
			now := time.Now()
			out.Samples[p.Name] = append(out.Samples[p.Name], Sample{At: now, Value: v})
			switch {
			case !p.Bound.Admits(v):
				out.Breaches = append(out.Breaches, Breach{Probe: p.Name, Bound: p.Bound.String(), Got: v, At: now})
				if breachedAt.IsZero() {
					breachedAt = now
				}
			case !breachedAt.IsZero() && out.Recovery == nil:
				d := now.Sub(breachedAt)
				out.Recovery = &d
			}
		}
	}

	deadline := time.NewTimer(exp.Window)
	defer deadline.Stop()
	tick := time.NewTicker(e.Every)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			sample()
		case <-deadline.C:
			sample()
			return
		case <-ctx.Done():
			return
		}
	}
}

// GameDay is a named series of experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
}

// ExecuteGameDay runs the scenarios in order and reports whether every
// hypothesis held. An aborted experiment counts as not held.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("chaos.game_day", day.Name)))
	defer span.End()

	e.log.WithFields(logrus.Fields{"game_day": day.Name, "date": day.Date.Format(time.DateOnly)}).Info("game day started")

	held := true
	for i, exp := range day.Scenarios {
		log := e.log.WithFields(logrus.Fields{"experiment": exp.Name, "step": fmt.Sprintf("%d/%d", i+1, len(day.Scenarios))})
		log.WithField("hypothesis", exp.Hypothesis).Info("experiment started")

		out, err := e.Run(ctx, exp)
		if err != nil {
			log.WithError(err).WithField("breaches", len(out.Breaches)).Error("experiment aborted")
			held = false
		} else {
			summarize(log, out)
			held = held && out.Held
		}

		if i == len(day.Scenarios)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(e.Gap):
		}
	}
	return held, nil
}

func summarize(log logrus.FieldLogger, out *Outcome) {
	log = log.WithFields(logrus.Fields{
		"breaches":  len(out.Breaches),
		"incidents": len(out.Incidents),
		"took":      out.Finished.Sub(out.Started).Round(time.Millisecond).String(),
	})
	if out.Recovery != nil {
		log = log.WithField("recovery", out.Recovery.String())
	}
	if !out.Held {
		log.WithField("failed", out.Failed).Warn("hypothesis refuted")
		return
	}
	log.Info("hypothesis held")
}
