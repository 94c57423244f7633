package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
)

// detailsDelay gives the platform time to open the ban modmail before the
// details job looks for it.
const detailsDelay = 5 * time.Second

// DetailsPayload is the payload of the modmail-details job.
type DetailsPayload struct {
	Subreddit       string `msgpack:"subreddit"`
	TargetPermalink string `msgpack:"targetPermalink"`
	AuthorName      string `msgpack:"authorName"`
	Message         string `msgpack:"message"`
}

// Ban bans the author of the target.
type Ban struct {
	deps Deps
}

func (b *Ban) Name() string { return NameBan }

func (b *Ban) Enabled(s *settings.Settings) bool { return s.BanEnabled }

func (b *Ban) Execute(ctx context.Context, target *platform.Content, s *settings.Settings) error {
	link := platform.ShortenedPermalink(target.Permalink)

	reason := s.BanReason
	if reason == "" {
		reason = settings.Defaults().BanReason
	}
	reason = strings.ReplaceAll(reason, "{{permalink}}", link)

	var message string
	if strings.TrimSpace(s.BanMessage) != "" {
		message = strings.NewReplacer(
			"{{username}}", target.AuthorName,
			"{{permalink}}", link,
		).Replace(s.BanMessage)
	}

	duration := s.BanDurationDays
	if duration < 0 {
		duration = 0
	}

	if err := b.deps.Platform.BanUser(ctx, platform.BanRequest{
		Subreddit:    target.SubredditName,
		Username:     target.AuthorName,
		Reason:       reason,
		Message:      message,
		DurationDays: duration,
		Context:      target.ID,
	}); err != nil {
		return fmt.Errorf("ban %s: %w", target.AuthorName, err)
	}

	if s.BanIncludeContentInModmail {
		if err := b.queueDetails(ctx, target); err != nil {
			return err
		}
	}

	b.deps.Log.Info().Str("target", target.ID).Str("author", target.AuthorName).
		Int("duration_days", duration).Msg("user banned")
	return nil
}

func (b *Ban) queueDetails(ctx context.Context, target *platform.Content) error {
	_, err := b.deps.Scheduler.Schedule(ctx, scheduler.Request{
		Name:  scheduler.JobModmailDetails,
		RunAt: b.deps.now().Add(detailsDelay),
		Payload: DetailsPayload{
			Subreddit:       target.SubredditName,
			TargetPermalink: platform.ShortenedPermalink(target.Permalink),
			AuthorName:      target.AuthorName,
			Message:         DetailsMarkdown(target),
		},
	})
	if err != nil {
		return fmt.Errorf("schedule modmail details for %s: %w", target.AuthorName, err)
	}
	return nil
}

// DetailsMarkdown renders the private note attached to the ban modmail.
func DetailsMarkdown(target *platform.Content) string {
	kind := "post"
	if target.IsComment() {
		kind = "comment"
	}
	paras := []string{
		fmt.Sprintf("/u/%s was banned for ban evasion, triggered by [this %s](%s)", target.AuthorName, kind, target.Permalink),
	}
	if !target.IsComment() {
		paras = append(paras, "Title: "+target.Title)
		if !strings.HasPrefix(target.URL, "https://www.reddit.com/r/"+target.SubredditName) {
			paras = append(paras, "URL: "+target.URL)
		}
	}
	if target.Body != "" {
		paras = append(paras, blockquote(target.Body))
	}
	return strings.Join(paras, "\n\n")
}

func blockquote(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}
