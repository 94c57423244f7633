package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/pool"
	"github.com/rs/zerolog"
)

// Handler runs one firing of a named job.
type Handler func(ctx context.Context, payload []byte) error

// Registry maps job names to handlers.
type Registry map[string]Handler

// JobHandler adapts the registry to the worker pool. Unknown job names fail
// permanently.
func (r Registry) JobHandler() pool.JobHandler {
	return func(ctx context.Context, job pool.Job) error {
		h, ok := r[job.Name]
		if !ok {
			return pool.Permanent(fmt.Errorf("no handler registered for job %q", job.Name))
		}
		return h(ctx, job.Payload)
	}
}

// Enqueuer accepts due jobs. *pool.Pool satisfies it.
type Enqueuer interface {
	Enqueue(job pool.Job) bool
}

// Runner polls the scheduler and enqueues due jobs.
type Runner struct {
	sched    *Scheduler
	queue    Enqueuer
	interval time.Duration
	log      zerolog.Logger
}

// NewRunner creates a Runner polling every interval.
func NewRunner(sched *Scheduler, queue Enqueuer, interval time.Duration, log zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{sched: sched, queue: queue, interval: interval, log: log}
}

// Run executes the poll loop until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick claims due jobs and enqueues them. Returns the number enqueued.
func (r *Runner) Tick(ctx context.Context) int {
	due, err := r.sched.Claim(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("scheduler: claim due jobs failed")
	}
	var n int
	firedAt := r.sched.Now()
	for _, j := range due {
		if r.queue.Enqueue(pool.Job{ID: j.ID, Name: j.Name, Payload: j.Payload, FiredAt: firedAt}) {
			n++
			continue
		}
		if j.Cron != "" {
			metrics.JobsDropped.WithLabelValues("enqueue_failed").Inc()
			r.log.Warn().Str("job_id", j.ID).Str("job", j.Name).Msg("scheduler: cron firing skipped, queue full")
			continue
		}
		// One-off jobs were removed by Claim; put them back for the next tick.
		if err := r.sched.restore(ctx, j); err != nil {
			metrics.JobsDropped.WithLabelValues("enqueue_failed").Inc()
			r.log.Error().Err(err).Str("job_id", j.ID).Str("job", j.Name).Msg("scheduler: due job lost")
		}
	}
	return n
}
