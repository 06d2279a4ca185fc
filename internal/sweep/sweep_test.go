package sweep

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSchedulerRunsImmediatelyAndRepeats(t *testing.T) {
	target := &countingSweeper{}
	s, err := Start(target, 20*time.Millisecond, quietLog())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return target.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	stopped := target.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, target.calls.Load())
}

func TestSchedulerKeepsRunningAfterFailure(t *testing.T) {
	target := &countingSweeper{err: errors.New("database unavailable")}
	s, err := Start(target, 20*time.Millisecond, quietLog())
	require.NoError(t, err)
	defer s.Stop()

	assert.Eventually(t, func() bool { return target.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartRejectsBadInterval(t *testing.T) {
	_, err := Start(&countingSweeper{}, 0, quietLog())
	require.Error(t, err)
}
