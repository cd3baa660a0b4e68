package contextstore

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/smallbets/smallbot/pkg/logger"
)

// Sweepable is anything with expired entries to drop.
type Sweepable interface {
	Sweep() int
}

// Sweeper removes expired entries on a cron schedule. Expiry is already
// enforced on access; sweeping only returns memory held by keys nobody
// touches again.
type Sweeper struct {
	schedule string
	targets  []Sweepable
	now      func() time.Time
}

func NewSweeper(schedule string, targets ...Sweepable) (*Sweeper, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{
		schedule: schedule,
		targets:  targets,
		now:      time.Now,
	}, nil
}

// Next returns the next time the sweeper will run after ref.
func (s *Sweeper) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, ref, false)
}

// SweepOnce sweeps every target and returns the total removed.
func (s *Sweeper) SweepOnce() int {
	removed := 0
	for _, t := range s.targets {
		removed += t.Sweep()
	}
	return removed
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger.InfoCF("contextstore", "Sweeper started", map[string]any{"schedule": s.schedule})
	for {
		next, err := s.Next(s.now())
		if err != nil {
			logger.ErrorCF("contextstore", "Cannot compute next sweep", map[string]any{"error": err.Error()})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("contextstore", "Sweeper stopped")
			return
		case <-timer.C:
			if removed := s.SweepOnce(); removed > 0 {
				logger.DebugCF("contextstore", "Swept expired entries", map[string]any{"removed": removed})
			}
		}
	}
}
