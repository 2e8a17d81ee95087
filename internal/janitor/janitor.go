// Package janitor runs proxyd's periodic housekeeping sweep on a cron
// schedule, modelled on mercator-hq-jupiter/pkg/evidence/retention's
// Scheduler: a robfig/cron/v3 job that wakes on its own goroutine and logs
// a summary, entirely independent of the reactor thread.
//
// The response cache and the resolver's per-worker DNS caches are both
// bounded LRUs (internal/lru) rather than TTL stores, so eviction already
// happens inline on every Put; there is no separate "stale entry" state
// for a sweep to prune (see DESIGN.md's Open Questions). What the sweep
// does instead is log occupancy and hit-rate from the last interval, the
// same role retention.Scheduler's runPruning plays for its own subsystem.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/marcogreg/proxyd/internal/metrics"
)

// Job periodically logs a metrics.Snapshot on a cron schedule.
type Job struct {
	log       *slog.Logger
	collector *metrics.Collector
	cron      *cron.Cron

	mu      sync.Mutex
	running bool

	prevHits, prevMisses int64
}

// New returns a Job that will log collector's snapshot once started.
func New(log *slog.Logger, collector *metrics.Collector) *Job {
	return &Job{
		log:       log.With("component", "janitor"),
		collector: collector,
		cron:      cron.New(),
	}
}

// Start validates schedule and begins running the sweep on it. An empty
// schedule disables the janitor entirely.
func (j *Job) Start(schedule string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if schedule == "" {
		j.log.Info("janitor schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("janitor: invalid cron schedule %q: %w", schedule, err)
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return fmt.Errorf("janitor: schedule sweep: %w", err)
	}

	j.cron.Start()
	j.running = true
	j.log.Info("janitor started", "schedule", schedule)
	return nil
}

func (j *Job) sweep() {
	snap := j.collector.Snapshot()
	hits := snap.CacheHits - j.prevHits
	misses := snap.CacheMisses - j.prevMisses
	j.prevHits, j.prevMisses = snap.CacheHits, snap.CacheMisses

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	j.log.Info("janitor sweep",
		"active_connections", snap.ActiveConnections,
		"cache_entries", snap.CacheEntries,
		"interval_hit_rate", hitRate,
	)
}

// Stop stops the cron scheduler and waits for any in-flight sweep to
// finish.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.running = false
	j.log.Info("janitor stopped")
}

// StopOnDone stops the janitor once ctx is canceled, mirroring
// retention.Scheduler's context-driven shutdown hook.
func (j *Job) StopOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		j.Stop()
	}()
}
