package evasion

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// UnbanGrace is how long after an unban evasion signals are ignored.
	UnbanGrace = 7 * 24 * time.Hour
	// RecheckInterval is the allow-list re-check period.
	RecheckInterval = 28 * 24 * time.Hour
)

// Tracker records unbans and approvals consulted by the confirmation filter.
type Tracker struct {
	store storage.Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewTracker returns a Tracker writing to store.
func NewTracker(store storage.Store, log zerolog.Logger) *Tracker {
	return &Tracker{store: store, now: time.Now, log: log}
}

// OnUnban opens the grace period for the unbanned user, measured from the
// signal time.
func (t *Tracker) OnUnban(ctx context.Context, sig Signal) error {
	user := sig.TargetAuthor
	if user == "" || user == platform.DeletedAccount {
		return nil
	}
	at := sig.OccurredAt
	if at.IsZero() {
		at = t.now()
	}
	if err := t.store.UnbanRecord(ctx, storage.UnbanRecord{Username: user, UnbannedAt: at}, at.Add(UnbanGrace)); err != nil {
		return fmt.Errorf("UnbanRecord: %w", err)
	}
	metrics.TrackerWrites.WithLabelValues("unban").Inc()
	t.log.Info().Str("username", user).Time("until", at.Add(UnbanGrace)).Msg("unban grace period recorded")
	return nil
}

// OnApprove allow-lists the author of approved content, but only when this
// system previously actioned that content.
func (t *Tracker) OnApprove(ctx context.Context, sig Signal) error {
	if sig.TargetID == "" || sig.TargetAuthor == "" {
		return nil
	}
	actioned, err := t.store.ActionExists(ctx, sig.TargetID)
	if err != nil {
		return fmt.Errorf("ActionExists: %w", err)
	}
	if !actioned {
		return nil
	}
	next := t.now().Add(RecheckInterval)
	if err := t.store.AllowListAdd(ctx, sig.TargetAuthor, next); err != nil {
		return fmt.Errorf("AllowListAdd: %w", err)
	}
	metrics.TrackerWrites.WithLabelValues("allowlist").Inc()
	t.log.Info().Str("username", sig.TargetAuthor).Str("target", sig.TargetID).
		Time("next_check", next).Msg("approved user allow-listed")
	return nil
}
