package evasion

import (
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/actions"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/testutil"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type env struct {
	plat      *testutil.MockPlatform
	store     *testutil.MockStore
	sched     *scheduler.Scheduler
	mods      *ModeratorChecker
	gate      *Gate
	tracker   *Tracker
	dispatch  *Dispatcher
	confirmer *Confirmer
	router    *Router
}

func newEnv(s settings.Settings) *env {
	plat := testutil.NewMockPlatform()
	store := testutil.NewMockStore()
	store.Now = fixedNow
	log := zerolog.Nop()
	sched := scheduler.New(store, log, scheduler.WithClock(fixedNow))

	mods := NewModeratorChecker(plat, store, "pics", 0, log)
	mods.now = fixedNow

	gate := NewGate(store, sched, mods, GateConfig{}, log)
	gate.now = fixedNow

	tracker := NewTracker(store, log)
	tracker.now = fixedNow

	acts := actions.All(actions.Deps{
		Platform:  plat,
		Store:     store,
		Scheduler: sched,
		AppName:   "ban-evasion-guard",
		Now:       fixedNow,
		Log:       log,
	})
	d := NewDispatcher(acts, store, log)
	d.now = fixedNow

	c := NewConfirmer(settings.Static(s), plat, store, d, log)
	c.now = fixedNow

	return &env{
		plat:      plat,
		store:     store,
		sched:     sched,
		mods:      mods,
		gate:      gate,
		tracker:   tracker,
		dispatch:  d,
		confirmer: c,
		router:    NewRouter("pics", gate, tracker, mods, log),
	}
}

// seedEvasion presets a comment by evader_1 plus the matching log entry.
func (e *env) seedEvasion() *platform.Content {
	c := platform.Content{
		ID:            "t1_abc",
		AuthorName:    "evader_1",
		AuthorID:      "t2_evader",
		Permalink:     "/r/pics/comments/xyz/title/abc/",
		SubredditName: "pics",
		Body:          "hello",
	}
	e.plat.AddContent(c)
	e.plat.AddModLog(platform.ModLogEntry{
		ID:            "ModAction_1",
		Action:        string(KindRemoveComment),
		TargetID:      c.ID,
		TargetAuthor:  c.AuthorName,
		Description:   "Higher accuracy",
		Details:       "Ban Evasion",
		ModeratorName: platform.SystemAccount,
		CreatedAt:     testNow.Add(-time.Minute),
	})
	e.plat.AddAccount(platform.Account{ID: "t2_evader", Name: "evader_1", CreatedAt: testNow.AddDate(0, 0, -2)})
	return &c
}
