// Package sweep runs the expiry sweep on a fixed interval.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// Sweeper flips listings past their expiry.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Scheduler owns the background sweep job.
type Scheduler struct {
	sched  gocron.Scheduler
	cancel context.CancelFunc
}

// Start schedules target every interval, beginning immediately. Runs never
// overlap: a slow sweep delays the next one instead of stacking.
func Start(target Sweeper, interval time.Duration, log logrus.FieldLogger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := target.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				log.WithError(err).Error("expiry sweep failed")
				return
			}
			if n > 0 {
				log.WithField("expired", n).Info("expiry sweep flipped listings")
			}
		}),
		gocron.WithName("sweep-expired"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	sched.Start()
	return &Scheduler{sched: sched, cancel: cancel}, nil
}

// Stop cancels a running sweep and waits for the scheduler to exit.
func (s *Scheduler) Stop() error {
	s.cancel()
	return s.sched.Shutdown()
}
