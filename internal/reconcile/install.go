package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// BackfillFlag is set once recent unbans have been imported.
	BackfillFlag   = "install/unbans-backfilled"
	backfillLimit  = 1000
	backfillWindow = 7 * 24 * time.Hour
	unbanAction    = "unbanuser"
)

// Installer resets the job table and performs one-time data imports.
type Installer struct {
	jobs      Jobs
	store     storage.Store
	modlog    platform.ModLog
	sweeper   *Sweeper
	subreddit string
	now       func() time.Time
	log       zerolog.Logger
}

// NewInstaller returns an Installer for subreddit.
func NewInstaller(jobs Jobs, store storage.Store, modlog platform.ModLog, sweeper *Sweeper, subreddit string, log zerolog.Logger) *Installer {
	return &Installer{
		jobs:      jobs,
		store:     store,
		modlog:    modlog,
		sweeper:   sweeper,
		subreddit: subreddit,
		now:       time.Now,
		log:       log,
	}
}

// Installed reports whether the periodic sweep job is armed.
func (i *Installer) Installed(ctx context.Context) (bool, error) {
	jobs, err := i.jobs.List(ctx)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.Name == scheduler.JobSweepAllowList && j.Cron != "" {
			return true, nil
		}
	}
	return false, nil
}

// Install clears every job, arms the periodic sweep and the next ad-hoc
// wake-up, then backfills recent unbans if that has not been done yet.
func (i *Installer) Install(ctx context.Context) error {
	cancelled, err := i.jobs.CancelAll(ctx)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}

	cron := i.sweeper.Config().Cron
	if _, err := i.jobs.Schedule(ctx, scheduler.Request{
		Name:    scheduler.JobSweepAllowList,
		Cron:    cron,
		Payload: SweepPayload{Trigger: TriggerCron},
	}); err != nil {
		return fmt.Errorf("arm periodic sweep: %w", err)
	}

	if _, err := i.sweeper.ArmNextWake(ctx); err != nil {
		return err
	}

	imported, err := i.backfillUnbans(ctx)
	if err != nil {
		return err
	}
	i.log.Info().Int("cancelled", cancelled).Str("cron", cron).Int("unbans_imported", imported).Msg("install complete")
	return nil
}

// backfillUnbans imports unbans from the last 7 days so the grace period
// covers users unbanned before the guard was running.
func (i *Installer) backfillUnbans(ctx context.Context) (int, error) {
	done, err := i.store.FlagIsSet(ctx, BackfillFlag)
	if err != nil {
		return 0, fmt.Errorf("FlagIsSet: %w", err)
	}
	if done {
		return 0, nil
	}

	entries, err := i.modlog.QueryModLog(ctx, platform.ModLogQuery{
		Subreddit: i.subreddit,
		Action:    unbanAction,
		Limit:     backfillLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("query unbans: %w", err)
	}

	since := i.now().Add(-backfillWindow)
	var n int
	for _, e := range entries {
		if e.CreatedAt.Before(since) || e.TargetAuthor == "" || e.TargetAuthor == platform.DeletedAccount {
			continue
		}
		rec := storage.UnbanRecord{Username: e.TargetAuthor, UnbannedAt: e.CreatedAt}
		if err := i.store.UnbanRecord(ctx, rec, e.CreatedAt.Add(backfillWindow)); err != nil {
			return n, fmt.Errorf("UnbanRecord %s: %w", e.TargetAuthor, err)
		}
		metrics.TrackerWrites.WithLabelValues("unban_backfill").Inc()
		n++
	}

	if err := i.store.FlagSet(ctx, BackfillFlag); err != nil {
		return n, fmt.Errorf("FlagSet: %w", err)
	}
	return n, nil
}
