// Package sweeper periodically expires automatch tickets nobody claimed.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/obslog"
)

type Expirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Sweeper struct {
	sched    gocron.Scheduler
	exp      Expirer
	ttl      time.Duration
	interval time.Duration
}

type Option func(*options)

type options struct {
	clock clockwork.Clock
}

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// New schedules a sweep every interval that removes tickets older than ttl. A run
// that overlaps the next tick pushes that tick back instead of running twice.
func New(exp Expirer, interval, ttl time.Duration, opts ...Option) (*Sweeper, error) {
	if interval <= 0 || ttl <= 0 {
		return nil, fmt.Errorf("sweeper: interval and ttl must be positive (got %s, %s)", interval, ttl)
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	sched, err := gocron.NewScheduler(gocron.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("sweeper: scheduler: %w", err)
	}
	s := &Sweeper{sched: sched, exp: exp, ttl: ttl, interval: interval}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.RunOnce),
		gocron.WithName("automatch-expire"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("sweeper: job: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() { s.sched.Start() }

func (s *Sweeper) Shutdown() error { return s.sched.Shutdown() }

// RunOnce sweeps immediately. Failures are logged; the next tick retries.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	n, err := s.exp.ExpireStale(ctx, s.ttl)
	if err != nil {
		obslog.L().Warn("automatch_sweep_failed", zap.Int("removed", n), zap.Error(err))
		return
	}
	if n > 0 {
		obslog.L().Info("automatch_sweep", zap.Int("removed", n), zap.Duration("ttl", s.ttl))
	}
}
