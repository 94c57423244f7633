package evasion

import (
	"context"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/actions"
	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ActionRecordTTL is how long an actioned target is remembered.
const ActionRecordTTL = 90 * 24 * time.Hour

// Dispatcher runs the enabled actions against a confirmed target.
type Dispatcher struct {
	actions []actions.Action
	store   storage.Store
	now     func() time.Time
	log     zerolog.Logger
}

// NewDispatcher returns a Dispatcher over the given actions.
func NewDispatcher(acts []actions.Action, store storage.Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{actions: acts, store: store, now: time.Now, log: log}
}

// Dispatch runs every enabled action concurrently together with the
// ActionRecord write. A failing action does not cancel the others; the first
// action error is returned once all have finished. It returns the number of
// actions run; with none enabled nothing is written.
func (d *Dispatcher) Dispatch(ctx context.Context, target *platform.Content, s *settings.Settings) (int, error) {
	var enabled []actions.Action
	for _, a := range d.actions {
		if a.Enabled(s) {
			enabled = append(enabled, a)
		}
	}
	if len(enabled) == 0 {
		metrics.Dispatches.WithLabelValues("empty").Inc()
		return 0, nil
	}

	var g errgroup.Group
	for _, a := range enabled {
		a := a
		g.Go(func() error {
			if err := a.Execute(ctx, target, s); err != nil {
				metrics.ActionsExecuted.WithLabelValues(a.Name(), "error").Inc()
				d.log.Error().Err(err).Str("action", a.Name()).Str("target", target.ID).Msg("action failed")
				return err
			}
			metrics.ActionsExecuted.WithLabelValues(a.Name(), "ok").Inc()
			return nil
		})
	}
	g.Go(func() error {
		now := d.now()
		if err := d.store.ActionRecord(ctx, storage.ActionRecord{TargetID: target.ID, ActionedAt: now}, now.Add(ActionRecordTTL)); err != nil {
			d.log.Warn().Err(err).Str("target", target.ID).Msg("failed to record actioned target")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		metrics.Dispatches.WithLabelValues("error").Inc()
		return len(enabled), err
	}
	metrics.Dispatches.WithLabelValues("ok").Inc()
	d.log.Info().Str("target", target.ID).Str("author", target.AuthorName).
		Int("actions", len(enabled)).Msg("enforcement dispatched")
	return len(enabled), nil
}
