// Package evasion turns raw moderation signals into confirmed, deduplicated
// enforcement decisions.
package evasion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// Kind is the moderation action that produced a signal.
type Kind string

const (
	KindRemoveComment   Kind = "removecomment"
	KindRemoveLink      Kind = "removelink"
	KindUnban           Kind = "unbanuser"
	KindApproveComment  Kind = "approvecomment"
	KindApproveLink     Kind = "approvelink"
	KindAcceptModInvite Kind = "acceptmoderatorinvite"
	KindAddModerator    Kind = "addmoderator"
	KindRemoveModerator Kind = "removemoderator"
)

// Signal is one moderation event delivered by the platform.
type Signal struct {
	Kind          Kind      `json:"action"`
	TargetID      string    `json:"targetId"`
	TargetAuthor  string    `json:"targetUser"`
	ModeratorName string    `json:"moderator"`
	SubredditName string    `json:"subreddit"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Router classifies signals and hands them to the gate, the tracker or the
// moderator cache.
type Router struct {
	subreddit string
	gate      *Gate
	tracker   *Tracker
	mods      *ModeratorChecker
	log       zerolog.Logger
}

// NewRouter returns a Router for the given subreddit. An empty subreddit
// accepts signals from any community.
func NewRouter(subreddit string, gate *Gate, tracker *Tracker, mods *ModeratorChecker, log zerolog.Logger) *Router {
	return &Router{
		subreddit: subreddit,
		gate:      gate,
		tracker:   tracker,
		mods:      mods,
		log:       log,
	}
}

// HandleModAction routes one signal. Unknown kinds are ignored.
func (r *Router) HandleModAction(ctx context.Context, sig Signal) error {
	label := string(sig.Kind)
	if !sig.Kind.known() {
		label = "other"
	}
	metrics.SignalsReceived.WithLabelValues(label).Inc()

	if sig.SubredditName == "" {
		r.log.Debug().Str("kind", string(sig.Kind)).Msg("dropping signal without subreddit")
		return nil
	}
	if r.subreddit != "" && !strings.EqualFold(sig.SubredditName, r.subreddit) {
		r.log.Debug().Str("kind", string(sig.Kind)).Str("subreddit", sig.SubredditName).
			Msg("dropping signal for foreign subreddit")
		return nil
	}

	switch sig.Kind {
	case KindRemoveComment, KindRemoveLink:
		if _, err := r.gate.OnRemoval(ctx, sig); err != nil {
			return fmt.Errorf("gate %s: %w", sig.TargetID, err)
		}
	case KindUnban:
		return r.tracker.OnUnban(ctx, sig)
	case KindApproveComment, KindApproveLink:
		return r.tracker.OnApprove(ctx, sig)
	case KindAcceptModInvite, KindAddModerator, KindRemoveModerator:
		if sig.TargetAuthor == "" {
			return nil
		}
		if err := r.mods.Refresh(ctx, sig.TargetAuthor); err != nil {
			r.log.Warn().Err(err).Str("username", sig.TargetAuthor).Msg("moderator cache refresh failed")
		}
	}
	return nil
}

func (k Kind) known() bool {
	switch k {
	case KindRemoveComment, KindRemoveLink, KindUnban, KindApproveComment, KindApproveLink,
		KindAcceptModInvite, KindAddModerator, KindRemoveModerator:
		return true
	}
	return false
}
