package evasion

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/actions"
	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultSettleDelay = 10 * time.Second
	DefaultDedupTTL    = time.Hour
	gateStripes        = 64
)

// GateOutcome is the result of offering a removal signal to the gate.
type GateOutcome string

const (
	OutcomeArmed          GateOutcome = "armed"
	OutcomeDuplicate      GateOutcome = "duplicate"
	OutcomeHumanModerator GateOutcome = "human_moderator"
	OutcomeInvalid        GateOutcome = "invalid"
)

// ConfirmPayload is the payload of the confirm-removal job.
type ConfirmPayload struct {
	TargetID      string `msgpack:"targetId"`
	SubredditName string `msgpack:"subredditName"`
}

// GateConfig holds the gate timings.
type GateConfig struct {
	SettleDelay time.Duration // default 10s
	DedupTTL    time.Duration // default 1h
}

// Gate arms at most one delayed confirmation per target within the dedup
// window. The store marker is the cross-process guard; same-target calls in
// this process are additionally serialized.
type Gate struct {
	store  storage.Store
	sched  actions.JobScheduler
	mods   *ModeratorChecker
	cfg    GateConfig
	now    func() time.Time
	stripe [gateStripes]sync.Mutex
	log    zerolog.Logger
}

// NewGate returns a Gate. Zero timings take their defaults.
func NewGate(store storage.Store, sched actions.JobScheduler, mods *ModeratorChecker, cfg GateConfig, log zerolog.Logger) *Gate {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	return &Gate{
		store: store,
		sched: sched,
		mods:  mods,
		cfg:   cfg,
		now:   time.Now,
		log:   log,
	}
}

// OnRemoval arms a confirm-removal job for the signal's target unless one is
// already pending or the removal came from a human moderator.
func (g *Gate) OnRemoval(ctx context.Context, sig Signal) (GateOutcome, error) {
	log := g.log.With().Str("target", sig.TargetID).Str("moderator", sig.ModeratorName).Logger()

	if sig.TargetID == "" || sig.SubredditName == "" {
		metrics.GateOutcomes.WithLabelValues(string(OutcomeInvalid)).Inc()
		log.Debug().Msg("gate: signal missing target or subreddit")
		return OutcomeInvalid, nil
	}

	if g.mods != nil && g.mods.IsModerator(ctx, sig.ModeratorName) {
		metrics.GateOutcomes.WithLabelValues(string(OutcomeHumanModerator)).Inc()
		log.Debug().Msg("gate: removed by a moderator, skipping")
		return OutcomeHumanModerator, nil
	}

	mu := g.lockFor(sig.TargetID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := g.store.PendingExists(ctx, sig.TargetID)
	if err != nil {
		return "", fmt.Errorf("PendingExists: %w", err)
	}
	if exists {
		metrics.GateOutcomes.WithLabelValues(string(OutcomeDuplicate)).Inc()
		log.Debug().Msg("gate: confirmation already pending")
		return OutcomeDuplicate, nil
	}

	now := g.now()
	fireAt := now.Add(g.cfg.SettleDelay)
	if err := g.store.PendingRecord(ctx, storage.PendingConfirmation{
		TargetID:      sig.TargetID,
		SubredditName: sig.SubredditName,
		ScheduledAt:   now,
		FireAt:        fireAt,
	}, now.Add(g.cfg.DedupTTL)); err != nil {
		return "", fmt.Errorf("PendingRecord: %w", err)
	}

	if _, err := g.sched.Schedule(ctx, scheduler.Request{
		Name:  scheduler.JobConfirmRemoval,
		RunAt: fireAt,
		Payload: ConfirmPayload{
			TargetID:      sig.TargetID,
			SubredditName: sig.SubredditName,
		},
	}); err != nil {
		// Release the marker so a redelivered signal can arm again.
		if derr := g.store.PendingDelete(ctx, sig.TargetID); derr != nil {
			log.Warn().Err(derr).Msg("gate: failed to release pending marker")
		}
		return "", fmt.Errorf("schedule confirmation: %w", err)
	}

	metrics.GateOutcomes.WithLabelValues(string(OutcomeArmed)).Inc()
	log.Info().Time("fire_at", fireAt).Msg("gate: confirmation armed")
	return OutcomeArmed, nil
}

func (g *Gate) lockFor(targetID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(targetID))
	return &g.stripe[h.Sum32()%gateStripes]
}
