// Package reconcile re-checks allow-listed users and keeps the sweep armed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize = 50
	DefaultRecheck   = 28 * 24 * time.Hour
	DefaultCron      = "0 6 * * *"
	DefaultSlack     = 5 * time.Minute
)

// Sweep triggers, carried in the job payload and used as metric labels.
const (
	TriggerCron   = "cron"
	TriggerAdhoc  = "adhoc"
	TriggerManual = "manual"
)

// SweepPayload is the payload of the sweep-allowlist job.
type SweepPayload struct {
	Trigger string `msgpack:"trigger"`
}

// State is the sweep loop state.
type State int

const (
	Idle State = iota
	Sweeping
	Rescheduling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sweeping:
		return "sweeping"
	case Rescheduling:
		return "rescheduling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Jobs is the subset of the scheduler used here. *scheduler.Scheduler satisfies it.
type Jobs interface {
	Schedule(ctx context.Context, req scheduler.Request) (string, error)
	List(ctx context.Context) ([]storage.JobRecord, error)
	CancelWhere(ctx context.Context, match func(storage.JobRecord) bool) (int, error)
	CancelAll(ctx context.Context) (int, error)
}

// Config holds the sweep parameters.
type Config struct {
	BatchSize int           // default 50
	Recheck   time.Duration // default 28d
	Cron      string        // default "0 6 * * *"
	Slack     time.Duration // default 5m
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Recheck <= 0 {
		c.Recheck = DefaultRecheck
	}
	if c.Cron == "" {
		c.Cron = DefaultCron
	}
	if c.Slack <= 0 {
		c.Slack = DefaultSlack
	}
}

// Result summarises one sweep run.
type Result struct {
	Passes   int
	Active   int
	Deleted  int
	NextWake time.Time // zero when the periodic job covers the next entry
}

// Sweeper drains due allow-list entries in fixed-size batches.
type Sweeper struct {
	store storage.Store
	users platform.UserDirectory
	jobs  Jobs
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
}

// NewSweeper returns a Sweeper. Zero config fields take their defaults.
func NewSweeper(store storage.Store, users platform.UserDirectory, jobs Jobs, cfg Config, log zerolog.Logger) *Sweeper {
	cfg.setDefaults()
	return &Sweeper{store: store, users: users, jobs: jobs, cfg: cfg, now: time.Now, log: log}
}

// Config returns the effective configuration.
func (s *Sweeper) Config() Config { return s.cfg }

// Job is the sweep-allowlist job handler.
func (s *Sweeper) Job(ctx context.Context, payload []byte) error {
	trigger := TriggerCron
	var p SweepPayload
	if err := scheduler.DecodePayload(payload, &p); err == nil && p.Trigger != "" {
		trigger = p.Trigger
	}
	_, err := s.Run(ctx, trigger)
	return err
}

// Run sweeps until nothing is due, then arms the next wake-up.
func (s *Sweeper) Run(ctx context.Context, trigger string) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	}()

	var res Result
	state := Sweeping
	for {
		switch state {
		case Sweeping:
			more, err := s.pass(ctx, &res)
			if err != nil {
				return res, err
			}
			if more {
				state = Rescheduling
			} else {
				state = Idle
			}

		case Rescheduling:
			s.log.Debug().Int("passes", res.Passes).Msg("sweep: backlog remains, continuing")
			state = Sweeping

		case Idle:
			next, err := s.ArmNextWake(ctx)
			if err != nil {
				return res, err
			}
			res.NextWake = next
			s.log.Info().Str("trigger", trigger).Int("passes", res.Passes).Int("active", res.Active).
				Int("deleted", res.Deleted).Time("next_wake", next).Msg("sweep complete")
			return res, nil
		}
	}
}

// pass processes one batch and reports whether more entries were due.
func (s *Sweeper) pass(ctx context.Context, res *Result) (bool, error) {
	now := s.now()
	due, err := s.store.AllowListDue(ctx, now)
	if err != nil {
		return false, fmt.Errorf("AllowListDue: %w", err)
	}
	if res.Passes == 0 {
		metrics.AllowListDue.Set(float64(len(due)))
	}
	if len(due) == 0 {
		return false, nil
	}

	batch := due
	if len(batch) > s.cfg.BatchSize {
		batch = batch[:s.cfg.BatchSize]
	}
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		_, err := s.users.UserByName(ctx, e.Username)
		var notFound *platform.ErrNotFound
		switch {
		case errors.As(err, &notFound):
			if err := s.store.AllowListRemove(ctx, e.Username); err != nil {
				return false, fmt.Errorf("AllowListRemove %s: %w", e.Username, err)
			}
			res.Deleted++
			metrics.SweepEntries.WithLabelValues("deleted").Inc()
			s.log.Info().Str("username", e.Username).Msg("sweep: account gone, removed from allow-list")
		case err != nil:
			return false, fmt.Errorf("resolve %s: %w", e.Username, err)
		default:
			if err := s.store.AllowListAdd(ctx, e.Username, now.Add(s.cfg.Recheck)); err != nil {
				return false, fmt.Errorf("AllowListAdd %s: %w", e.Username, err)
			}
			res.Active++
			metrics.SweepEntries.WithLabelValues("active").Inc()
		}
	}
	res.Passes++
	metrics.SweepPasses.Inc()
	return len(due) > s.cfg.BatchSize, nil
}

// ArmNextWake cancels any pending ad-hoc sweep and arms a new one shortly
// after the soonest allow-list entry, unless the periodic job runs first.
// It returns the armed time, or zero when none was armed.
func (s *Sweeper) ArmNextWake(ctx context.Context) (time.Time, error) {
	cancelled, err := s.jobs.CancelWhere(ctx, isAdhocSweep)
	if err != nil {
		return time.Time{}, fmt.Errorf("cancel ad-hoc sweeps: %w", err)
	}
	if cancelled > 0 {
		s.log.Debug().Int("cancelled", cancelled).Msg("sweep: superseded ad-hoc wake-ups cancelled")
	}

	soonest, err := s.store.AllowListPeek(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("AllowListPeek: %w", err)
	}
	if soonest == nil {
		return time.Time{}, nil
	}

	now := s.now()
	nextCron, err := scheduler.NextCronTick(s.cfg.Cron, now)
	if err != nil {
		return time.Time{}, err
	}
	candidate := soonest.NextCheckAt.Add(s.cfg.Slack)
	if !candidate.Before(nextCron.Add(-s.cfg.Slack)) {
		return time.Time{}, nil
	}
	if candidate.Before(now) {
		candidate = now
	}

	if _, err := s.jobs.Schedule(ctx, scheduler.Request{
		Name:    scheduler.JobSweepAllowList,
		RunAt:   candidate,
		Payload: SweepPayload{Trigger: TriggerAdhoc},
	}); err != nil {
		return time.Time{}, fmt.Errorf("arm ad-hoc sweep: %w", err)
	}
	s.log.Debug().Str("username", soonest.Username).Time("run_at", candidate).Msg("sweep: ad-hoc wake-up armed")
	return candidate, nil
}

func isAdhocSweep(j storage.JobRecord) bool {
	return j.Name == scheduler.JobSweepAllowList && j.Cron == ""
}
