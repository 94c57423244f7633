package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/developingchet/ban-evasion-guard/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	clock   *fakeClock
	plat    *testutil.MockPlatform
	store   *testutil.MockStore
	sched   *scheduler.Scheduler
	sweeper *Sweeper
	install *Installer
}

// 2025-06-01 12:00 UTC; the next default cron tick is 2025-06-02 06:00 UTC.
var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newEnv(cfg Config) *env {
	clock := &fakeClock{now: start}
	plat := testutil.NewMockPlatform()
	store := testutil.NewMockStore()
	store.Now = clock.Now
	log := zerolog.Nop()
	sched := scheduler.New(store, log, scheduler.WithClock(clock.Now))

	sw := NewSweeper(store, plat, sched, cfg, log)
	sw.now = clock.Now
	in := NewInstaller(sched, store, plat, sw, "pics", log)
	in.now = clock.Now

	return &env{clock: clock, plat: plat, store: store, sched: sched, sweeper: sw, install: in}
}

func (e *env) addUser(name string, nextCheck time.Time, exists bool) {
	_ = e.store.AllowListAdd(context.Background(), name, nextCheck)
	if exists {
		e.plat.AddAccount(platform.Account{ID: "t2_" + name, Name: name, CreatedAt: start.AddDate(-1, 0, 0)})
	}
}

func (e *env) adhocJobs(t *testing.T) []storage.JobRecord {
	t.Helper()
	jobs, err := e.sched.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var out []storage.JobRecord
	for _, j := range jobs {
		if isAdhocSweep(j) {
			out = append(out, j)
		}
	}
	return out
}

// ─── sweep ────────────────────────────────────────────────────────────────────

func TestSweep_ActiveAndDeleted(t *testing.T) {
	e := newEnv(Config{})
	e.addUser("active", start.Add(-time.Hour), true)
	e.addUser("gone", start.Add(-2*time.Hour), false)
	e.addUser("later", start.Add(48*time.Hour), true)

	res, err := e.sweeper.Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Active != 1 || res.Deleted != 1 || res.Passes != 1 {
		t.Errorf("result = %+v", res)
	}

	list := e.store.AllowList()
	if _, ok := list["gone"]; ok {
		t.Error("deleted account must be removed")
	}
	if got := list["active"]; !got.Equal(start.Add(DefaultRecheck)) {
		t.Errorf("active next check = %v, want %v", got, start.Add(DefaultRecheck))
	}
	if got := list["later"]; !got.Equal(start.Add(48 * time.Hour)) {
		t.Errorf("entry not yet due must be untouched, got %v", got)
	}
	if e.plat.Calls("UserByName") != 2 {
		t.Errorf("UserByName calls = %d, want 2", e.plat.Calls("UserByName"))
	}
}

func TestSweep_ScoreStrictlyIncreases(t *testing.T) {
	e := newEnv(Config{})
	old := start.Add(-time.Minute)
	e.addUser("u", old, true)

	if _, err := e.sweeper.Run(context.Background(), TriggerManual); err != nil {
		t.Fatal(err)
	}
	if got := e.store.AllowList()["u"]; !got.After(old) {
		t.Errorf("score did not increase: %v <= %v", got, old)
	}
}

func TestSweep_DrainsBacklogInBatches(t *testing.T) {
	e := newEnv(Config{})
	for i := 0; i < 120; i++ {
		e.addUser(fmt.Sprintf("user%03d", i), start.Add(-time.Duration(i+1)*time.Minute), true)
	}

	res, err := e.sweeper.Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Passes != 3 || res.Active != 120 {
		t.Errorf("result = %+v, want 3 passes and 120 active", res)
	}
	due, _ := e.store.AllowListDue(context.Background(), start)
	if len(due) != 0 {
		t.Errorf("%d entries still due", len(due))
	}
}

func TestSweep_BatchOrderOldestFirst(t *testing.T) {
	e := newEnv(Config{BatchSize: 2})
	e.addUser("newest", start.Add(-1*time.Minute), true)
	e.addUser("oldest", start.Add(-3*time.Minute), true)
	e.addUser("middle", start.Add(-2*time.Minute), true)

	var res Result
	more, err := e.sweeper.pass(context.Background(), &res)
	if err != nil {
		t.Fatal(err)
	}
	if !more {
		t.Error("expected more entries to remain")
	}
	list := e.store.AllowList()
	if !list["oldest"].Equal(start.Add(DefaultRecheck)) || !list["middle"].Equal(start.Add(DefaultRecheck)) {
		t.Errorf("oldest two should be processed first: %v", list)
	}
	if !list["newest"].Equal(start.Add(-1 * time.Minute)) {
		t.Errorf("newest should wait for the next pass: %v", list["newest"])
	}
}

func TestSweep_RepeatedSweepsAnchorToSweepTime(t *testing.T) {
	e := newEnv(Config{})
	e.addUser("u", start.Add(-time.Minute), true)

	for i := 0; i < 3; i++ {
		if _, err := e.sweeper.Run(context.Background(), TriggerManual); err != nil {
			t.Fatal(err)
		}
		sweptAt := e.clock.Now()
		if got := e.store.AllowList()["u"]; !got.Equal(sweptAt.Add(DefaultRecheck)) {
			t.Fatalf("sweep %d: next check = %v, want %v", i, got, sweptAt.Add(DefaultRecheck))
		}
		e.clock.Advance(DefaultRecheck + 3*time.Hour)
	}
}

func TestSweep_LookupErrorAborts(t *testing.T) {
	e := newEnv(Config{})
	e.addUser("u", start.Add(-time.Minute), true)
	e.plat.SetError("UserByName", errors.New("503"))

	if _, err := e.sweeper.Run(context.Background(), TriggerManual); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := e.store.AllowList()["u"]; !ok {
		t.Error("transient failure must not remove the entry")
	}
}

// ─── next wake ────────────────────────────────────────────────────────────────

func TestArmNextWake(t *testing.T) {
	tests := []struct {
		name      string
		soonest   time.Duration // offset from start; 0 = empty allow-list
		wantArmed bool
	}{
		{"empty allow-list", 0, false},
		{"before periodic run", time.Hour, true},
		{"after periodic run", 20 * time.Hour, false},
		{"inside slack of periodic run", 17*time.Hour + 52*time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(Config{})
			if tt.soonest != 0 {
				e.addUser("u", start.Add(tt.soonest), true)
			}
			got, err := e.sweeper.ArmNextWake(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			jobs := e.adhocJobs(t)
			if !tt.wantArmed {
				if !got.IsZero() || len(jobs) != 0 {
					t.Errorf("expected nothing armed, got %v and %d jobs", got, len(jobs))
				}
				return
			}
			want := start.Add(tt.soonest + DefaultSlack)
			if !got.Equal(want) || len(jobs) != 1 || !jobs[0].RunAt.Equal(want) {
				t.Errorf("armed %v (%d jobs), want %v", got, len(jobs), want)
			}
		})
	}
}

func TestArmNextWake_CancelsSupersededJobs(t *testing.T) {
	e := newEnv(Config{})
	ctx := context.Background()
	e.addUser("u", start.Add(2*time.Hour), true)
	if _, err := e.sched.Schedule(ctx, scheduler.Request{Name: scheduler.JobSweepAllowList, Cron: DefaultCron}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := e.sweeper.ArmNextWake(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(e.adhocJobs(t)); n != 1 {
		t.Errorf("ad-hoc jobs = %d, want 1", n)
	}
	if ok, _ := e.install.Installed(ctx); !ok {
		t.Error("periodic job must never be cancelled by next-wake")
	}

	_ = e.store.AllowListRemove(ctx, "u")
	if _, err := e.sweeper.ArmNextWake(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(e.adhocJobs(t)); n != 0 {
		t.Errorf("ad-hoc jobs = %d after allow-list emptied, want 0", n)
	}
}

func TestSweepJob_DecodesTrigger(t *testing.T) {
	e := newEnv(Config{})
	e.addUser("u", start.Add(-time.Minute), true)
	payload, err := msgpack.Marshal(SweepPayload{Trigger: TriggerAdhoc})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.sweeper.Job(context.Background(), payload); err != nil {
		t.Fatalf("Job: %v", err)
	}
	if err := e.sweeper.Job(context.Background(), nil); err != nil {
		t.Fatalf("Job without payload: %v", err)
	}
	if got := e.store.AllowList()["u"]; !got.Equal(start.Add(DefaultRecheck)) {
		t.Errorf("next check = %v", got)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Sweeping: "sweeping", Rescheduling: "rescheduling"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

// ─── install ──────────────────────────────────────────────────────────────────

func TestInstall(t *testing.T) {
	e := newEnv(Config{})
	ctx := context.Background()

	if _, err := e.sched.Schedule(ctx, scheduler.Request{Name: scheduler.JobConfirmRemoval, RunAt: start.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	e.addUser("soon", start.Add(time.Hour), true)
	e.plat.AddModLog(
		platform.ModLogEntry{Action: "unbanuser", TargetAuthor: "recent", CreatedAt: start.Add(-48 * time.Hour)},
		platform.ModLogEntry{Action: "unbanuser", TargetAuthor: "[deleted]", CreatedAt: start.Add(-time.Hour)},
		platform.ModLogEntry{Action: "unbanuser", TargetAuthor: "ancient", CreatedAt: start.Add(-10 * 24 * time.Hour)},
	)

	if ok, _ := e.install.Installed(ctx); ok {
		t.Fatal("not installed yet")
	}
	if err := e.install.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}

	jobs, _ := e.sched.List(ctx)
	var cron, adhoc, other int
	for _, j := range jobs {
		switch {
		case j.Name == scheduler.JobSweepAllowList && j.Cron == DefaultCron:
			cron++
			if want := time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC); !j.RunAt.Equal(want) {
				t.Errorf("cron RunAt = %v, want %v", j.RunAt, want)
			}
		case isAdhocSweep(j):
			adhoc++
		default:
			other++
		}
	}
	if cron != 1 || adhoc != 1 || other != 0 {
		t.Errorf("jobs: cron=%d adhoc=%d other=%d", cron, adhoc, other)
	}

	exp, ok := e.store.ExpiryOf("unbans", "recent")
	if !ok || !exp.Equal(start.Add(-48*time.Hour).Add(7*24*time.Hour)) {
		t.Errorf("recent unban expiry = %v (%v)", exp, ok)
	}
	for _, name := range []string{"[deleted]", "ancient"} {
		if _, ok := e.store.ExpiryOf("unbans", name); ok {
			t.Errorf("%s must not be imported", name)
		}
	}
	if q := e.plat.ModLogQueries; len(q) != 1 || q[0].Limit != 1000 || q[0].Subreddit != "pics" {
		t.Errorf("mod log query = %+v", q)
	}
	if set, _ := e.store.FlagIsSet(ctx, BackfillFlag); !set {
		t.Error("backfill flag not set")
	}
}

func TestInstall_Reinstall(t *testing.T) {
	e := newEnv(Config{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := e.install.Install(ctx); err != nil {
			t.Fatalf("Install #%d: %v", i, err)
		}
	}
	jobs, _ := e.sched.List(ctx)
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want only the periodic sweep", len(jobs))
	}
	if n := e.plat.Calls("QueryModLog"); n != 1 {
		t.Errorf("backfill ran %d times, want 1", n)
	}
}
