package actions

import (
	"context"
	"fmt"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"golang.org/x/sync/errgroup"
)

// Remove removes the target and optionally posts a locked, distinguished reply.
type Remove struct {
	deps Deps
}

func (r *Remove) Name() string { return NameRemove }

func (r *Remove) Enabled(s *settings.Settings) bool { return s.RemoveEnabled }

func (r *Remove) Execute(ctx context.Context, target *platform.Content, s *settings.Settings) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := r.deps.Platform.Remove(ctx, target.ID); err != nil {
			return fmt.Errorf("remove %s: %w", target.ID, err)
		}
		return nil
	})

	if s.RemovalMessage != "" {
		replyID, err := r.deps.Platform.SubmitReply(ctx, target.ID, s.RemovalMessage)
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("reply to %s: %w", target.ID, err)
		}
		g.Go(func() error { return r.deps.Platform.Lock(ctx, replyID) })
		g.Go(func() error { return r.deps.Platform.Distinguish(ctx, replyID) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	r.deps.Log.Info().Str("target", target.ID).Str("author", target.AuthorName).Msg("content removed")
	return nil
}
