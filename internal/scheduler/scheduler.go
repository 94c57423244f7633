// Package scheduler arms one-off and cron jobs in the store and hands due
// firings to the worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Job names.
const (
	JobConfirmRemoval = "confirm-removal"
	JobSweepAllowList = "sweep-allowlist"
	JobModmailDetails = "modmail-details"
)

// Request describes a job to arm. Exactly one of RunAt or Cron is set.
type Request struct {
	Name    string
	RunAt   time.Time
	Cron    string
	Payload any // msgpack-encoded; nil for no payload
}

// Scheduler persists jobs and computes due firings. Safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	store storage.Store
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New returns a Scheduler backed by store.
func New(store storage.Store, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, now: time.Now, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.now() }

// NextCronTick returns the first tick of expr strictly after after.
func NextCronTick(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// Schedule arms a job and returns its ID.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (string, error) {
	if req.Name == "" {
		return "", errors.New("job name is required")
	}
	if (req.Cron == "") == req.RunAt.IsZero() {
		return "", fmt.Errorf("job %s: exactly one of RunAt or Cron must be set", req.Name)
	}

	now := s.now()
	rec := storage.JobRecord{
		ID:        uuid.NewString(),
		Name:      req.Name,
		RunAt:     req.RunAt,
		Cron:      req.Cron,
		CreatedAt: now,
	}
	if req.Cron != "" {
		next, err := NextCronTick(req.Cron, now)
		if err != nil {
			return "", err
		}
		rec.RunAt = next
	}
	if req.Payload != nil {
		data, err := msgpack.Marshal(req.Payload)
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", req.Name, err)
		}
		rec.Payload = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.JobPut(ctx, rec); err != nil {
		return "", fmt.Errorf("persist job %s: %w", req.Name, err)
	}
	metrics.JobsScheduled.WithLabelValues(req.Name).Inc()
	s.log.Debug().Str("job_id", rec.ID).Str("job", rec.Name).Time("run_at", rec.RunAt).
		Str("cron", rec.Cron).Msg("job scheduled")
	return rec.ID, nil
}

// List returns all armed jobs ordered by next fire time.
func (s *Scheduler) List(ctx context.Context) ([]storage.JobRecord, error) {
	jobs, err := s.store.JobList(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	return jobs, nil
}

// Cancel removes a job. Cancelling an unknown ID is not an error.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.JobDelete(ctx, id)
}

// CancelWhere removes every job for which match returns true and returns the count.
func (s *Scheduler) CancelWhere(ctx context.Context, match func(storage.JobRecord) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.JobList(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, j := range jobs {
		if !match(j) {
			continue
		}
		if err := s.store.JobDelete(ctx, j.ID); err != nil {
			return n, fmt.Errorf("cancel job %s: %w", j.ID, err)
		}
		n++
	}
	return n, nil
}

// CancelAll removes every armed job.
func (s *Scheduler) CancelAll(ctx context.Context) (int, error) {
	return s.CancelWhere(ctx, func(storage.JobRecord) bool { return true })
}

// Claim returns the jobs due at or before now. One-off jobs are removed from
// the store and returned only to the caller whose removal succeeded; cron jobs are advanced to their next tick after now, so missed
// ticks collapse into a single firing.
func (s *Scheduler) Claim(ctx context.Context) ([]storage.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	jobs, err := s.store.JobList(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })

	var due []storage.JobRecord
	for _, j := range jobs {
		if j.RunAt.After(now) {
			break
		}
		if j.Cron == "" {
			taken, err := s.store.JobTake(ctx, j.ID)
			if err != nil {
				return due, fmt.Errorf("claim job %s: %w", j.ID, err)
			}
			if !taken {
				// Another process sharing the store claimed it first.
				continue
			}
		} else {
			next, err := NextCronTick(j.Cron, now)
			if err != nil {
				s.log.Error().Err(err).Str("job_id", j.ID).Msg("dropping job with invalid cron")
				metrics.JobsDropped.WithLabelValues("invalid_cron").Inc()
				_ = s.store.JobDelete(ctx, j.ID)
				continue
			}
			advanced := j
			advanced.RunAt = next
			if err := s.store.JobPut(ctx, advanced); err != nil {
				return due, fmt.Errorf("advance job %s: %w", j.ID, err)
			}
		}
		due = append(due, j)
	}
	return due, nil
}

func (s *Scheduler) restore(ctx context.Context, rec storage.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.JobPut(ctx, rec)
}

// DecodePayload unpacks a job payload produced by Schedule.
func DecodePayload(data []byte, out any) error {
	if len(data) == 0 {
		return errors.New("empty job payload")
	}
	return msgpack.Unmarshal(data, out)
}
