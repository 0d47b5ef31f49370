package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner periodically deletes history older than the retention window.
type Pruner struct {
	target  HistoryPruner
	keep    time.Duration
	timeout time.Duration
	cron    *cron.Cron
	now     func() time.Time
	logger  zerolog.Logger
}

// NewPruner schedules pruning on a cron spec such as "@daily" or "0 3 * * *".
func NewPruner(target HistoryPruner, schedule string, keep time.Duration, logger zerolog.Logger) (*Pruner, error) {
	if keep <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	p := &Pruner{
		target:  target,
		keep:    keep,
		timeout: time.Minute,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		now:     time.Now,
		logger:  logger.With().Str("component", "retention").Logger(),
	}
	if _, err := p.cron.AddFunc(schedule, p.runScheduled); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the cron loop in its own goroutine.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop halts scheduling and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// PruneOnce deletes rows older than now minus the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.keep)
	deleted, err := p.target.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("history pruned")
	return deleted, nil
}

func (p *Pruner) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.PruneOnce(ctx); err != nil {
		p.logger.Error().Err(err).Msg("history pruning failed")
	}
}
