package chaos

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RegisterExperiments registers the standard game day.
func (e *Engine) RegisterExperiments() {
	e.Register(
		e.ClaimRaceExperiment(50, 10, 0.7),
		e.BroadcastOutageExperiment(40),
		e.ExpirySweepRaceExperiment(20, 150*time.Millisecond),
	)
}

func isZero(v float64) bool { return v == 0 }

var (
	balanced = Check{Probe: "ledger_imbalance", Want: isZero, Reason: "claims plus remaining must equal the posted quantity"}
	solvent  = Check{Probe: "overdrawn_listings", Want: isZero, Reason: "no listing may go below zero"}
)

func (e *Engine) ledgerProbes(extra ...Probe) []Probe {
	return append([]Probe{
		{Name: "ledger_imbalance", Read: e.rig.Imbalance, Bound: Bound{Op: OpEq}},
		{Name: "overdrawn_listings", Read: e.rig.Overdrawn, Bound: Bound{Op: OpEq}},
	}, extra...)
}

// ClaimRaceExperiment posts one listing of kg and lets claimants distinct
// recipients each claim `each` kilograms at the same instant.
func (e *Engine) ClaimRaceExperiment(claimants int, kg, each float64) Experiment {
	return Experiment{
		Name:       "claim-race",
		Hypothesis: fmt.Sprintf("%d simultaneous claims of %gkg on a %gkg listing never overdraw it", claimants, each, kg),
		Probes:     e.ledgerProbes(),
		Faults: []Fault{{
			Name: "claim-stampede",
			Inject: func(ctx context.Context) error {
				l, err := e.rig.Post(ctx, kg, nil)
				if err != nil {
					return fmt.Errorf("post listing: %w", err)
				}
				start := make(chan struct{})
				var wg sync.WaitGroup
				for range claimants {
					who := e.rig.NewRecipient()
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_ = e.rig.Claim(ctx, who, l.ID, each)
					}()
				}
				close(start)
				wg.Wait()
				return nil
			},
		}},
		Checks: []Check{balanced, solvent},
		Window: 3 * time.Second,
	}
}

// BroadcastOutageExperiment cuts the effect backend, then claims a listing
// down one kilogram at a time. Every claim must still commit.
func (e *Engine) BroadcastOutageExperiment(claims int) Experiment {
	return Experiment{
		Name:       "effect-backend-outage",
		Hypothesis: "claims commit while broadcasts and notifications cannot be delivered",
		Probes: e.ledgerProbes(Probe{
			Name:  "claim_failure_pct",
			Read:  e.rig.ClaimFailureRate,
			Bound: Bound{Op: OpLt, Limit: 1},
		}),
		Faults: []Fault{
			{Name: "backend-down", Inject: func(context.Context) error { e.rig.Backend.SetDown(true); return nil }},
			{Name: "claim-one-by-one", Inject: func(ctx context.Context) error {
				l, err := e.rig.Post(ctx, float64(claims), nil)
				if err != nil {
					return fmt.Errorf("post listing: %w", err)
				}
				who := e.rig.NewRecipient()
				for i := 1; i < claims; i++ {
					if err := e.rig.Claim(ctx, who, l.ID, 1); err != nil {
						return fmt.Errorf("claim #%d: %w", i, err)
					}
				}
				return nil
			}},
		},
		Recover: []Fault{
			{Name: "backend-up", Inject: func(context.Context) error { e.rig.Backend.SetDown(false); return nil }},
		},
		Checks: []Check{
			{Probe: "claim_failure_pct", Want: isZero, Reason: "undeliverable effects must not fail claims"},
			balanced,
		},
		Window: 2 * time.Second,
	}
}

// ExpirySweepRaceExperiment posts a listing that expires after window and
// keeps claiming it while sweeps run, for twice the window.
func (e *Engine) ExpirySweepRaceExperiment(claimants int, window time.Duration) Experiment {
	return Experiment{
		Name:       "expiry-sweep-race",
		Hypothesis: "a claim racing expiry is recorded before the expiry instant or not at all",
		Probes: e.ledgerProbes(Probe{
			Name:  "claims_after_expiry",
			Read:  e.rig.ClaimsAfterExpiry,
			Bound: Bound{Op: OpEq},
		}),
		Faults: []Fault{{
			Name: "claim-across-expiry",
			Inject: func(ctx context.Context) error {
				expiresAt := time.Now().Add(window)
				l, err := e.rig.Post(ctx, float64(claimants)*1000, &expiresAt)
				if err != nil {
					return fmt.Errorf("post listing: %w", err)
				}
				race, cancel := context.WithTimeout(ctx, 2*window)
				defer cancel()

				loop := func(every time.Duration, step func()) {
					for race.Err() == nil {
						step()
						time.Sleep(every)
					}
				}
				var wg sync.WaitGroup
				for range claimants {
					who := e.rig.NewRecipient()
					wg.Add(1)
					go func() {
						defer wg.Done()
						loop(5*time.Millisecond, func() { _ = e.rig.Claim(ctx, who, l.ID, 0.5) })
					}()
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					loop(10*time.Millisecond, func() { _, _ = e.rig.Service.SweepExpired(ctx, time.Now().UTC()) })
				}()
				wg.Wait()
				return nil
			},
		}},
		Checks: []Check{
			{Probe: "claims_after_expiry", Want: isZero, Reason: "no claim may be recorded after expiry"},
			balanced,
		},
		Window: 2 * time.Second,
	}
}
