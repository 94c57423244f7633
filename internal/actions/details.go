package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/developingchet/ban-evasion-guard/internal/pool"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
)

const archivedState = "archived"

// ModmailDetails is the modmail-details job: it attaches the triggering
// content to the ban conversation as an internal note and re-archives it.
type ModmailDetails struct {
	deps Deps
}

// NewModmailDetails returns the modmail-details job handler.
func NewModmailDetails(d Deps) *ModmailDetails {
	return &ModmailDetails{deps: d}
}

// Run handles one firing. A missing conversation is logged and dropped.
func (m *ModmailDetails) Run(ctx context.Context, payload []byte) error {
	var p DetailsPayload
	if err := scheduler.DecodePayload(payload, &p); err != nil {
		return pool.Permanent(fmt.Errorf("decode modmail details payload: %w", err))
	}
	if p.AuthorName == "" || p.Subreddit == "" {
		return pool.Permanent(fmt.Errorf("modmail details payload missing author or subreddit"))
	}

	convs, err := m.deps.Platform.ListConversations(ctx, p.Subreddit, archivedState)
	if err != nil {
		return fmt.Errorf("list archived modmail: %w", err)
	}

	var convID string
	for _, c := range convs {
		if strings.EqualFold(c.Participant, p.AuthorName) && m.authoredByApp(c.MessageAuthors) {
			convID = c.ID
			break
		}
	}
	if convID == "" {
		m.deps.Log.Error().Str("author", p.AuthorName).Str("target", p.TargetPermalink).
			Msg("could not find ban modmail conversation")
		return nil
	}

	if err := m.deps.Platform.Reply(ctx, convID, p.Message, true); err != nil {
		return fmt.Errorf("reply to modmail %s: %w", convID, err)
	}
	if err := m.deps.Platform.Archive(ctx, convID); err != nil {
		return fmt.Errorf("archive modmail %s: %w", convID, err)
	}
	m.deps.Log.Info().Str("author", p.AuthorName).Str("conversation", convID).Msg("added details to ban modmail")
	return nil
}

func (m *ModmailDetails) authoredByApp(authors []string) bool {
	for _, a := range authors {
		if strings.EqualFold(a, m.deps.AppName) {
			return true
		}
	}
	return false
}
