// Package actions holds the enforcement actions run against a confirmed
// ban-evasion target.
package actions

import (
	"context"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
)

// Action names, also used as metric labels.
const (
	NameModNote = "modnote"
	NameBan     = "ban"
	NameRemove  = "remove"
	NameModmail = "modmail"
)

// Action is one enforcement step. Implementations must be safe to run
// concurrently with the other actions for the same target.
type Action interface {
	Name() string
	Enabled(s *settings.Settings) bool
	Execute(ctx context.Context, target *platform.Content, s *settings.Settings) error
}

// JobScheduler arms deferred jobs. *scheduler.Scheduler satisfies it.
type JobScheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (string, error)
}

// Deps are the collaborators shared by every action.
type Deps struct {
	Platform  platform.Client
	Store     storage.Store
	Scheduler JobScheduler
	AppName   string // account the guard acts as
	Now       func() time.Time
	Log       zerolog.Logger
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// All returns every registered action in execution order.
func All(d Deps) []Action {
	return []Action{
		&ModNote{deps: d},
		&Ban{deps: d},
		&Remove{deps: d},
		&Modmail{deps: d},
	}
}
