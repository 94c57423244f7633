package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
)

// ModmailSubject is the subject of every detection modmail.
const ModmailSubject = "Ban evasion detected"

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"#", `\#`,
	"/", `\/`,
	"(", `\(`,
	")", `\)`,
	"[", `\[`,
	"]", `\]`,
	"<", "&lt;",
	">", "&gt;",
)

// EscapeMarkdown escapes characters that would render as markdown formatting.
func EscapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

// Modmail notifies the moderator team of a detection.
type Modmail struct {
	deps Deps
}

func (m *Modmail) Name() string { return NameModmail }

func (m *Modmail) Enabled(s *settings.Settings) bool {
	return s.ModmailMode == settings.ModmailInbox || s.ModmailMode == settings.ModmailNotification
}

func (m *Modmail) Execute(ctx context.Context, target *platform.Content, s *settings.Settings) error {
	body := ModmailBody(target, s)

	var err error
	switch s.ModmailMode {
	case settings.ModmailInbox:
		_, err = m.deps.Platform.CreateConversation(ctx, platform.ConversationRequest{
			Subreddit: target.SubredditName,
			Subject:   ModmailSubject,
			Body:      body,
		})
	default:
		_, err = m.deps.Platform.CreateNotification(ctx, target.SubredditName, ModmailSubject, body)
	}
	if err != nil {
		return fmt.Errorf("send %s modmail for %s: %w", s.ModmailMode, target.ID, err)
	}
	m.deps.Log.Info().Str("target", target.ID).Str("mode", string(s.ModmailMode)).Msg("modmail sent")
	return nil
}

// ModmailBody renders the detection message, listing the other actions that ran.
func ModmailBody(target *platform.Content, s *settings.Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s has been banned for suspected ban evasion from r/%s. [Permalink to content](%s)",
		EscapeMarkdown(target.AuthorName), target.SubredditName, target.Permalink)

	var taken []string
	if s.BanEnabled {
		if s.BanDurationDays > 0 {
			taken = append(taken, fmt.Sprintf("* User banned for %d days", s.BanDurationDays))
		} else {
			taken = append(taken, "* User banned permanently")
		}
	}
	if s.RemoveEnabled {
		taken = append(taken, "* Content removed")
	}
	if s.ModNoteEnabled {
		taken = append(taken, "* Mod note added")
	}
	if len(taken) > 0 {
		b.WriteString("\n\nActions taken:\n\n")
		b.WriteString(strings.Join(taken, "\n"))
	}
	return b.String()
}
