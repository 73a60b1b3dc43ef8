package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSweepSchedule = "@every 1m"

// Sweeper runs Controller.Sweep on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper validates schedule and registers the sweep. Call Start to run it.
func NewSweeper(c *Controller, schedule string, timeout time.Duration) (*Sweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cr := cron.New()
	_, err := cr.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err := c.Sweep(ctx)
		if err != nil {
			c.logger.Warn("sla sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			c.logger.Info("sla sweep escalated missed tasks", zap.Int("count", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: cr}, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
