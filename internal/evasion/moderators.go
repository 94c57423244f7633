package evasion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	// DefaultModCacheTTL is how long a roster answer is trusted.
	DefaultModCacheTTL = 24 * time.Hour
	modCacheSize       = 1024
)

// ModeratorChecker answers whether a username moderates the subreddit.
// Answers are cached in the store, shared across replicas, and in a
// process-local LRU in front of it.
type ModeratorChecker struct {
	roster    platform.Roster
	store     storage.Store
	subreddit string
	ttl       time.Duration
	local     *expirable.LRU[string, bool]
	now       func() time.Time
	log       zerolog.Logger
}

// NewModeratorChecker returns a checker caching answers for ttl.
func NewModeratorChecker(roster platform.Roster, store storage.Store, subreddit string, ttl time.Duration, log zerolog.Logger) *ModeratorChecker {
	if ttl <= 0 {
		ttl = DefaultModCacheTTL
	}
	return &ModeratorChecker{
		roster:    roster,
		store:     store,
		subreddit: subreddit,
		ttl:       ttl,
		local:     expirable.NewLRU[string, bool](modCacheSize, nil, ttl),
		now:       time.Now,
		log:       log,
	}
}

// IsModerator reports whether username is a human moderator. AutoModerator and
// the mod-team account count as moderators; the platform system account and
// redacted names never do. Lookup failures are logged and answered false.
func (m *ModeratorChecker) IsModerator(ctx context.Context, username string) bool {
	switch {
	case username == "":
		return false
	case strings.EqualFold(username, platform.AutoModerator),
		strings.EqualFold(username, platform.ModTeamAccount(m.subreddit)):
		return true
	case username == platform.SystemAccount, username == platform.RedactedAccount:
		return false
	}

	key := strings.ToLower(username)
	if is, ok := m.local.Get(key); ok {
		return is
	}

	st, err := m.store.GetModStatus(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("username", username).Msg("moderator cache read failed")
	} else if st != nil {
		m.local.Add(key, st.IsModerator)
		return st.IsModerator
	}

	is, err := m.lookup(ctx, username)
	if err != nil {
		m.log.Error().Err(err).Str("username", username).Msg("moderator lookup failed")
		return false
	}
	return is
}

// Refresh re-reads the roster for username, replacing any cached answer.
func (m *ModeratorChecker) Refresh(ctx context.Context, username string) error {
	m.local.Remove(strings.ToLower(username))
	_, err := m.lookup(ctx, username)
	return err
}

func (m *ModeratorChecker) lookup(ctx context.Context, username string) (bool, error) {
	is, err := m.roster.IsModerator(ctx, m.subreddit, username)
	if err != nil {
		return false, fmt.Errorf("roster lookup %s: %w", username, err)
	}
	key := strings.ToLower(username)
	now := m.now()
	if err := m.store.SetModStatus(ctx, storage.ModStatus{
		Username:    key,
		IsModerator: is,
		CheckedAt:   now,
	}, now.Add(m.ttl)); err != nil {
		m.log.Warn().Err(err).Str("username", username).Msg("moderator cache write failed")
	}
	m.local.Add(key, is)
	return is, nil
}
