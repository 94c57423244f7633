package daemon

import (
	"context"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
)

// QueueDepther reports the worker queue length. *pool.Pool satisfies it.
type QueueDepther interface {
	Depth() int
}

// Janitor performs periodic housekeeping: pruning expired markers, updating gauges.
type Janitor struct {
	store    storage.Store
	queue    QueueDepther
	interval time.Duration
	log      zerolog.Logger
}

// NewJanitor creates a Janitor. queue may be nil.
func NewJanitor(store storage.Store, queue QueueDepther, interval time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		queue:    queue,
		interval: interval,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	pruned, err := j.store.PruneExpired(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune expired entries failed")
	} else if pruned > 0 {
		j.log.Info().Int("count", pruned).Msg("janitor: pruned expired entries")
	}

	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.queue != nil {
		metrics.WorkerQueueDepth.Set(float64(j.queue.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
