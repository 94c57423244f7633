package evasion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/pool"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
)

// stage labels for metrics
const (
	stageSettings  = "1_settings"
	stageModLog    = "2_modlog"
	stageContent   = "3_content"
	stageIgnore    = "4_ignore_list"
	stageUnban     = "5_unban_grace"
	stageAllowList = "6_allow_list"
	stageAge       = "7_account_age"
	stageApproved  = "8_approved_submitter"
)

const (
	modLogLimit       = 100
	evasionMarker     = "ban evasion"
	highAccuracyLabel = "Higher accuracy"
)

// Verdict is the outcome of one confirmation pass. Stage and Reason are set
// when the pass was suppressed.
type Verdict struct {
	Dispatched bool
	Stage      string
	Reason     string
}

// Confirmer re-verifies a pending removal against the moderation log and runs
// it through the suppression gates before dispatching.
type Confirmer struct {
	settings   settings.Source
	platform   platform.Client
	store      storage.Store
	dispatcher *Dispatcher
	now        func() time.Time
	log        zerolog.Logger
}

// NewConfirmer returns a Confirmer. Settings are loaded fresh on every pass.
func NewConfirmer(src settings.Source, client platform.Client, store storage.Store, d *Dispatcher, log zerolog.Logger) *Confirmer {
	return &Confirmer{
		settings:   src,
		platform:   client,
		store:      store,
		dispatcher: d,
		now:        time.Now,
		log:        log,
	}
}

// Job is the confirm-removal job handler. It consumes the pending marker and
// runs one confirmation pass. Unresolvable targets fail permanently.
func (c *Confirmer) Job(ctx context.Context, payload []byte) error {
	var p ConfirmPayload
	if err := scheduler.DecodePayload(payload, &p); err != nil {
		return pool.Permanent(fmt.Errorf("decode confirm payload: %w", err))
	}
	if err := c.store.PendingDelete(ctx, p.TargetID); err != nil {
		c.log.Warn().Err(err).Str("target", p.TargetID).Msg("failed to clear pending marker")
	}

	v, err := c.Confirm(ctx, p.TargetID, p.SubredditName)
	if err != nil {
		// Actions have run; a retry would repeat the ones that succeeded.
		if v.Dispatched {
			return pool.Permanent(err)
		}
		var invalid *platform.ErrInvalidID
		var notFound *platform.ErrNotFound
		if errors.As(err, &invalid) || errors.As(err, &notFound) {
			return pool.Permanent(err)
		}
	}
	return err
}

// Confirm runs the gates in order; the first that triggers ends the pass.
func (c *Confirmer) Confirm(ctx context.Context, targetID, subreddit string) (Verdict, error) {
	log := c.log.With().Str("target", targetID).Logger()

	// Stage 1: anything to do at all
	s, err := c.settings.Load(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("load settings: %w", err)
	}
	if !s.AnyActionEnabled() {
		return c.suppress(log, stageSettings, "no_actions_enabled"), nil
	}

	// Stage 2: the moderation log must still show the evasion removal
	confirmed, err := c.inModLog(ctx, targetID, subreddit)
	if err != nil {
		return Verdict{}, err
	}
	if !confirmed {
		return c.suppress(log, stageModLog, "not_confirmed"), nil
	}

	// Stage 3: resolve the target
	target, err := c.platform.GetContent(ctx, targetID)
	if err != nil {
		metrics.ConfirmationsFiltered.WithLabelValues(stageContent, "fetch_error").Inc()
		return Verdict{}, fmt.Errorf("fetch %s: %w", targetID, err)
	}
	author := target.AuthorName
	log = log.With().Str("author", author).Logger()

	// Stage 4: ignore list
	if s.IsIgnored(author) {
		return c.suppress(log, stageIgnore, "ignored_user"), nil
	}

	// Stage 5: recently unbanned
	unbanned, err := c.store.UnbanExists(ctx, author)
	if err != nil {
		return Verdict{}, fmt.Errorf("UnbanExists: %w", err)
	}
	if unbanned {
		if s.AutoApproveAfterUnban {
			if err := c.platform.Approve(ctx, target.ID); err != nil {
				return Verdict{}, fmt.Errorf("approve %s: %w", target.ID, err)
			}
			log.Info().Msg("approved content from recently unbanned user")
		}
		return c.suppress(log, stageUnban, "recently_unbanned"), nil
	}

	// Stage 6: previously approved
	if s.AutoIgnoreAfterApproval {
		listed, err := c.store.AllowListExists(ctx, author)
		if err != nil {
			return Verdict{}, fmt.Errorf("AllowListExists: %w", err)
		}
		if listed {
			if err := c.platform.Approve(ctx, target.ID); err != nil {
				return Verdict{}, fmt.Errorf("approve %s: %w", target.ID, err)
			}
			return c.suppress(log, stageAllowList, "allow_listed"), nil
		}
	}

	// Stage 7: account age
	if cutoff, ok := s.AccountCutoff(c.now()); ok && target.AuthorID != "" {
		acct, err := c.platform.UserByID(ctx, target.AuthorID)
		if err != nil {
			var notFound *platform.ErrNotFound
			if errors.As(err, &notFound) {
				return c.suppress(log, stageAge, "unresolvable_account"), nil
			}
			return Verdict{}, fmt.Errorf("resolve author %s: %w", target.AuthorID, err)
		}
		if acct.CreatedAt.Before(cutoff) {
			return c.suppress(log, stageAge, "account_too_old"), nil
		}
	}

	// Stage 8: approved submitters
	if s.IgnoreApprovedSubmitters {
		approved, err := c.platform.IsApprovedSubmitter(ctx, target.SubredditName, author)
		if err != nil {
			return Verdict{}, fmt.Errorf("approved submitter lookup: %w", err)
		}
		if approved {
			return c.suppress(log, stageApproved, "approved_submitter"), nil
		}
	}

	n, err := c.dispatcher.Dispatch(ctx, target, s)
	if err != nil {
		return Verdict{Dispatched: true}, fmt.Errorf("dispatch %s: %w", target.ID, err)
	}
	return Verdict{Dispatched: n > 0}, nil
}

func (c *Confirmer) inModLog(ctx context.Context, targetID, subreddit string) (bool, error) {
	action := string(KindRemoveLink)
	if platform.IsComment(targetID) {
		action = string(KindRemoveComment)
	}
	entries, err := c.platform.QueryModLog(ctx, platform.ModLogQuery{
		Subreddit:  subreddit,
		Moderators: []string{platform.SystemAccount},
		Action:     action,
		Limit:      modLogLimit,
	})
	if err != nil {
		return false, fmt.Errorf("query mod log: %w", err)
	}
	for _, e := range entries {
		if MatchesEvasion(e, targetID) {
			return true, nil
		}
	}
	return false, nil
}

// MatchesEvasion reports whether a log entry records an evasion removal of targetID.
func MatchesEvasion(e platform.ModLogEntry, targetID string) bool {
	if e.TargetID != targetID {
		return false
	}
	if strings.Contains(strings.ToLower(e.Description), evasionMarker) {
		return true
	}
	return strings.Contains(strings.ToLower(e.Details), evasionMarker) &&
		strings.HasPrefix(e.Description, highAccuracyLabel)
}

func (c *Confirmer) suppress(log zerolog.Logger, stage, reason string) Verdict {
	metrics.ConfirmationsFiltered.WithLabelValues(stage, reason).Inc()
	log.Info().Str("stage", stage).Str("reason", reason).Msg("confirmation suppressed")
	return Verdict{Stage: stage, Reason: reason}
}
