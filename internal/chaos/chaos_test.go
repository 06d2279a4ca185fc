package chaos

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newEngine(t *testing.T) (*Engine, *Rig) {
	t.Helper()
	rig := NewRig(quietLog())
	rig.Start()
	t.Cleanup(rig.Close)

	e := NewEngine(rig, quietLog())
	e.Every = 10 * time.Millisecond
	e.Gap = 0
	return e, rig
}

func short(exp Experiment) Experiment {
	exp.Window = 40 * time.Millisecond
	return exp
}

func TestClaimRaceHolds(t *testing.T) {
	e, rig := newEngine(t)

	out, err := e.Run(context.Background(), short(e.ClaimRaceExperiment(30, 10, 0.7)))
	require.NoError(t, err)
	assert.True(t, out.Held, "failed: %v", out.Failed)
	assert.Empty(t, out.Incidents)

	tracked := rig.Tracked()
	require.Len(t, tracked, 1)
	remaining, err := rig.Ledger.RemainingOf(context.Background(), tracked[0])
	require.NoError(t, err)
	assert.InDelta(t, 0.2, remaining, 1e-9, "14 claims of 0.7kg fit in 10kg")
}

func TestBroadcastOutageDoesNotBlockClaims(t *testing.T) {
	e, rig := newEngine(t)

	out, err := e.Run(context.Background(), short(e.BroadcastOutageExperiment(12)))
	require.NoError(t, err)
	assert.True(t, out.Held, "failed: %v", out.Failed)
	assert.Empty(t, out.Incidents)
	assert.False(t, rig.Backend.down.Load(), "recovery brings the backend back")
}

func TestExpirySweepRaceHolds(t *testing.T) {
	e, _ := newEngine(t)

	out, err := e.Run(context.Background(), short(e.ExpirySweepRaceExperiment(5, 40*time.Millisecond)))
	require.NoError(t, err)
	assert.True(t, out.Held, "failed: %v", out.Failed)
}

func TestBadBaselineInjectsNothing(t *testing.T) {
	e, _ := newEngine(t)
	injected := false

	out, err := e.Run(context.Background(), Experiment{
		Name: "unhealthy",
		Probes: []Probe{{
			Name:  "always_one",
			Read:  func(context.Context) (float64, error) { return 1, nil },
			Bound: Bound{Op: OpEq},
		}},
		Faults: []Fault{{Name: "x", Inject: func(context.Context) error { injected = true; return nil }}},
		Window: 10 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrBadBaseline)
	assert.False(t, injected)
	require.Len(t, out.Breaches, 1)
	assert.Equal(t, "== 0", out.Breaches[0].Bound)
}

func TestRunRecordsBreachesAndRecovery(t *testing.T) {
	e, _ := newEngine(t)
	errorsSeen := 0.0
	recovered := false

	out, err := e.Run(context.Background(), Experiment{
		Name: "spike",
		Probes: []Probe{{
			Name:  "errors",
			Read:  func(context.Context) (float64, error) { v := errorsSeen; errorsSeen = 0; return v, nil },
			Bound: Bound{Op: OpLt, Limit: 1},
		}},
		Faults: []Fault{
			{Name: "spike", Inject: func(context.Context) error { errorsSeen = 5; return nil }},
			{Name: "broken", Inject: func(context.Context) error { return errors.New("boom") }},
		},
		Recover: []Fault{{Name: "heal", Inject: func(context.Context) error { recovered = true; return nil }}},
		Checks:  []Check{{Probe: "errors", Want: isZero, Reason: "errors clear"}},
		Window:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.True(t, out.Held)
	require.NotEmpty(t, out.Breaches)
	assert.Equal(t, 5.0, out.Breaches[0].Got)
	assert.NotNil(t, out.Recovery)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, "broken", out.Incidents[0].Source)
}

func TestCheckWithoutSamplesFails(t *testing.T) {
	e, _ := newEngine(t)

	out, err := e.Run(context.Background(), Experiment{
		Name:   "no-probe",
		Checks: []Check{{Probe: "missing", Want: isZero, Reason: "missing probe"}},
		Window: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, out.Held)
	assert.Equal(t, []string{"missing probe"}, out.Failed)
}

func TestBoundAdmits(t *testing.T) {
	cases := []struct {
		op   Op
		v    float64
		want bool
	}{
		{OpGt, 2, true}, {OpGt, 1, false},
		{OpLt, 0, true}, {OpLt, 1, false},
		{OpGe, 1, true}, {OpLe, 1, true},
		{OpEq, 1, true}, {OpEq, 2, false},
		{Op("!="), 1, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Bound{Op: tc.op, Limit: 1}.Admits(tc.v), "%v %s 1", tc.v, tc.op)
	}
}

func TestGameDay(t *testing.T) {
	e, _ := newEngine(t)
	e.Register(short(e.ClaimRaceExperiment(10, 5, 1)), short(e.BroadcastOutageExperiment(5)))

	held, err := e.ExecuteGameDay(context.Background(), GameDay{
		Name:      "test day",
		Date:      time.Now(),
		Scenarios: e.Experiments(),
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.Len(t, e.Outcomes(), 2)
}

func TestGameDayCountsAbortAsFailure(t *testing.T) {
	e, _ := newEngine(t)
	broken := Experiment{
		Name:   "unhealthy",
		Probes: []Probe{{Name: "one", Read: func(context.Context) (float64, error) { return 1, nil }, Bound: Bound{Op: OpEq}}},
		Window: time.Millisecond,
	}

	held, err := e.ExecuteGameDay(context.Background(), GameDay{Name: "bad", Scenarios: []Experiment{broken}})
	require.NoError(t, err)
	assert.False(t, held)
}
