package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/config"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/testutil"
	"github.com/rs/zerolog"
)

func testConfig() *config.Config {
	return &config.Config{
		Subreddit:             "pics",
		AppAccountName:        "ban-evasion-guard",
		SettleDelay:           time.Millisecond,
		DedupTTL:              time.Hour,
		SweepCron:             "0 6 * * *",
		SweepBatchSize:        50,
		RecheckInterval:       28 * 24 * time.Hour,
		SchedulerPollInterval: 10 * time.Millisecond,
		PoolWorkers:           1,
		PoolQueueDepth:        16,
		PoolMaxRetries:        0,
		PoolRetryBase:         time.Millisecond,
		JanitorInterval:       time.Hour,
	}
}

func newTestDaemon(t *testing.T, s settings.Settings) (*Daemon, *testutil.MockPlatform, *testutil.MockStore) {
	t.Helper()
	plat := testutil.NewMockPlatform()
	store := testutil.NewMockStore()
	d, err := New(testConfig(), plat, store, settings.Static(s), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, plat, store
}

func TestNew_InvalidPool(t *testing.T) {
	cfg := testConfig()
	cfg.PoolWorkers = 0
	_, err := New(cfg, testutil.NewMockPlatform(), testutil.NewMockStore(), settings.Static(settings.Defaults()), zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestDaemon_SignalToEnforcement(t *testing.T) {
	d, plat, store := newTestDaemon(t, settings.Defaults())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plat.AddContent(platform.Content{ID: "t1_abc", AuthorName: "evader_1", SubredditName: "pics", Permalink: "/r/pics/comments/x/t/abc/"})
	plat.AddModLog(platform.ModLogEntry{
		Action:        "removecomment",
		TargetID:      "t1_abc",
		Description:   "ban evasion",
		ModeratorName: "reddit",
	})

	h := NewWebhookHandler(d.router, "", zerolog.Nop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, ModActionPath, strings.NewReader(validEvent)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	d.pool.Start(ctx)
	defer d.pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for plat.Calls("Remove") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("confirmation never ran")
		}
		time.Sleep(5 * time.Millisecond)
		d.runner.Tick(ctx)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if ok, _ := store.ActionExists(ctx, "t1_abc"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("action record never written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ok, _ := store.PendingExists(ctx, "t1_abc"); ok {
		t.Error("pending marker should be consumed by the confirmation")
	}
}

func TestDaemon_InstallAndSweep(t *testing.T) {
	d, plat, store := newTestDaemon(t, settings.Defaults())
	ctx := context.Background()

	if err := d.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	jobs, _ := d.sched.List(ctx)
	if len(jobs) != 1 || jobs[0].Name != scheduler.JobSweepAllowList || jobs[0].Cron == "" {
		t.Errorf("jobs after install = %+v", jobs)
	}

	_ = store.AllowListAdd(ctx, "gone", time.Now().Add(-time.Minute))
	res, err := d.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("result = %+v", res)
	}
	if plat.Calls("UserByName") != 1 {
		t.Errorf("UserByName calls = %d", plat.Calls("UserByName"))
	}
}

func TestDaemon_ConfirmDefaultsSubreddit(t *testing.T) {
	d, plat, _ := newTestDaemon(t, settings.Defaults())
	v, err := d.Confirm(context.Background(), "t1_none", "")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if v.Dispatched {
		t.Error("nothing in the mod log, must not dispatch")
	}
	if q := plat.ModLogQueries; len(q) != 1 || q[0].Subreddit != "pics" {
		t.Errorf("queries = %+v", q)
	}
}

func TestDaemon_Health(t *testing.T) {
	d, plat, _ := newTestDaemon(t, settings.Defaults())
	h := d.healthHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}

	plat.SetError("Ping", errors.New("token expired"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing ping = %d", rec.Code)
	}
}

func TestDaemon_RunInstallsAndStops(t *testing.T) {
	d, _, _ := newTestDaemon(t, settings.Defaults())
	d.cfg.WebhookAddr = "127.0.0.1:0"
	d.cfg.HealthAddr = "127.0.0.1:0"
	d.cfg.MetricsEnabled = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ok, _ := d.installer.Installed(context.Background()); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon never installed the periodic sweep")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
