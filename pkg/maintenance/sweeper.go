// Package maintenance runs the scheduled store sweep: it materializes the
// idle and archived session states for sessions nobody touches and, when a
// retention period is configured, purges old archived sessions.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/memory"
)

const DefaultSchedule = "*/15 * * * *"

type Config struct {
	// Schedule is a five-field cron expression.
	Schedule     string
	IdleAfter    time.Duration
	ArchiveAfter time.Duration
	// Retention, when positive, deletes sessions archived longer ago.
	Retention time.Duration
}

type Result struct {
	Idled    int
	Archived int
	Purged   int
}

type Sweeper struct {
	store memory.Store
	cfg   Config
	now   func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(store memory.Store, cfg Config, opts ...Option) (*Sweeper, error) {
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", cfg.Schedule)
	}
	s := &Sweeper{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SweepOnce applies one round of lifecycle transitions and retention.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	now := s.now()
	var idleBefore, archiveBefore time.Time
	if s.cfg.IdleAfter > 0 {
		idleBefore = now.Add(-s.cfg.IdleAfter)
	}
	if s.cfg.ArchiveAfter > 0 {
		archiveBefore = now.Add(-s.cfg.ArchiveAfter)
	}

	var res Result
	swept, err := s.store.ArchiveIdleSessions(ctx, idleBefore, archiveBefore)
	if err != nil {
		return res, err
	}
	res.Idled, res.Archived = swept.Idled, swept.Archived

	if s.cfg.Retention > 0 {
		n, err := s.store.PurgeArchivedBefore(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			return res, err
		}
		res.Purged = n
	}
	return res, nil
}

// Next returns the first scheduled run strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cfg.Schedule, t, false)
}

// Run sweeps on schedule until ctx is done. Failed sweeps are logged and
// retried at the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	logger.InfoCF("maintenance", "Sweeper started", map[string]interface{}{
		"schedule":  s.cfg.Schedule,
		"retention": s.cfg.Retention.String(),
	})
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("next sweep: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("maintenance", "Sweeper stopped")
			return nil
		case <-timer.C:
		}

		res, err := s.SweepOnce(ctx)
		if err != nil {
			logger.ErrorCF("maintenance", "Sweep failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if res != (Result{}) {
			logger.InfoCF("maintenance", "Sweep finished", map[string]interface{}{
				"idled":    res.Idled,
				"archived": res.Archived,
				"purged":   res.Purged,
			})
		}
	}
}
