package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
)

const (
	modNoteLabel  = "SPAM_WATCH"
	modNoteFilter = "NOTE"
	modNoteTTL    = 28 * 24 * time.Hour
)

// ModNote adds a moderator note to the author, at most once per 28 days.
type ModNote struct {
	deps Deps
}

func (n *ModNote) Name() string { return NameModNote }

func (n *ModNote) Enabled(s *settings.Settings) bool { return s.ModNoteEnabled }

func (n *ModNote) Execute(ctx context.Context, target *platform.Content, s *settings.Settings) error {
	added, err := n.alreadyAdded(ctx, target)
	if err != nil {
		return err
	}
	if added {
		n.deps.Log.Debug().Str("target", target.ID).Str("author", target.AuthorName).Msg("mod note already present")
		return nil
	}

	note := s.ModNoteMessage
	if strings.TrimSpace(note) == "" {
		note = settings.DefaultModNote
	}
	if err := n.deps.Platform.AddModNote(ctx, platform.ModNoteRequest{
		Subreddit: target.SubredditName,
		Username:  target.AuthorName,
		Note:      note,
		Label:     modNoteLabel,
		ContentID: target.ID,
	}); err != nil {
		return fmt.Errorf("add mod note for %s: %w", target.AuthorName, err)
	}
	n.deps.Log.Info().Str("target", target.ID).Str("author", target.AuthorName).Msg("mod note added")
	return n.record(ctx, target.AuthorName)
}

// alreadyAdded checks the local record first (refreshing it on hit), then
// falls back to the platform's notes authored by this app.
func (n *ModNote) alreadyAdded(ctx context.Context, target *platform.Content) (bool, error) {
	exists, err := n.deps.Store.ModNoteExists(ctx, target.AuthorName)
	if err != nil {
		return false, fmt.Errorf("ModNoteExists: %w", err)
	}
	if exists {
		return true, n.record(ctx, target.AuthorName)
	}

	notes, err := n.deps.Platform.ListModNotes(ctx, target.SubredditName, target.AuthorName, modNoteFilter)
	if err != nil {
		return false, fmt.Errorf("list mod notes for %s: %w", target.AuthorName, err)
	}
	for _, note := range notes {
		if strings.EqualFold(note.Operator, n.deps.AppName) {
			return true, n.record(ctx, target.AuthorName)
		}
	}
	return false, nil
}

func (n *ModNote) record(ctx context.Context, username string) error {
	if err := n.deps.Store.ModNoteRecord(ctx, username, n.deps.now().Add(modNoteTTL)); err != nil {
		return fmt.Errorf("ModNoteRecord: %w", err)
	}
	return nil
}
