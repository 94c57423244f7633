// Package daemon wires the signal pipeline, the job runner and the HTTP
// surfaces into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/actions"
	"github.com/developingchet/ban-evasion-guard/internal/config"
	"github.com/developingchet/ban-evasion-guard/internal/evasion"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/pool"
	"github.com/developingchet/ban-evasion-guard/internal/reconcile"
	"github.com/developingchet/ban-evasion-guard/internal/scheduler"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Daemon owns every long-running component.
type Daemon struct {
	cfg       *config.Config
	client    platform.Client
	store     storage.Store
	sched     *scheduler.Scheduler
	pool      *pool.Pool
	runner    *scheduler.Runner
	janitor   *Janitor
	router    *evasion.Router
	confirmer *evasion.Confirmer
	sweeper   *reconcile.Sweeper
	installer *reconcile.Installer
	log       zerolog.Logger
}

// New constructs a fully wired Daemon.
func New(cfg *config.Config, client platform.Client, store storage.Store, src settings.Source, log zerolog.Logger) (*Daemon, error) {
	sched := scheduler.New(store, log)

	deps := actions.Deps{
		Platform:  client,
		Store:     store,
		Scheduler: sched,
		AppName:   cfg.AppAccountName,
		Log:       log,
	}
	dispatcher := evasion.NewDispatcher(actions.All(deps), store, log)
	confirmer := evasion.NewConfirmer(src, client, store, dispatcher, log)

	mods := evasion.NewModeratorChecker(client, store, cfg.Subreddit, evasion.DefaultModCacheTTL, log)
	gate := evasion.NewGate(store, sched, mods, evasion.GateConfig{
		SettleDelay: cfg.SettleDelay,
		DedupTTL:    cfg.DedupTTL,
	}, log)
	router := evasion.NewRouter(cfg.Subreddit, gate, evasion.NewTracker(store, log), mods, log)

	sweeper := reconcile.NewSweeper(store, client, sched, reconcile.Config{
		BatchSize: cfg.SweepBatchSize,
		Recheck:   cfg.RecheckInterval,
		Cron:      cfg.SweepCron,
	}, log)
	installer := reconcile.NewInstaller(sched, store, client, sweeper, cfg.Subreddit, log)

	registry := scheduler.Registry{
		scheduler.JobConfirmRemoval: confirmer.Job,
		scheduler.JobSweepAllowList: sweeper.Job,
		scheduler.JobModmailDetails: actions.NewModmailDetails(deps).Run,
	}
	p, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, registry.JobHandler(), log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	return &Daemon{
		cfg:       cfg,
		client:    client,
		store:     store,
		sched:     sched,
		pool:      p,
		runner:    scheduler.NewRunner(sched, p, cfg.SchedulerPollInterval, log),
		janitor:   NewJanitor(store, p, cfg.JanitorInterval, log),
		router:    router,
		confirmer: confirmer,
		sweeper:   sweeper,
		installer: installer,
		log:       log,
	}, nil
}

// Run installs the job table if needed, starts all goroutines and blocks
// until ctx is cancelled or a fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	installed, err := d.installer.Installed(ctx)
	if err != nil {
		return fmt.Errorf("check install: %w", err)
	}
	if !installed {
		d.log.Info().Msg("no periodic sweep armed; installing")
		if err := d.installer.Install(ctx); err != nil {
			return fmt.Errorf("install: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	d.pool.Start(gctx)

	g.Go(func() error { return d.runner.Run(gctx) })
	g.Go(func() error { return d.janitor.Run(gctx) })
	g.Go(func() error {
		return serve(gctx, "webhook", d.cfg.WebhookAddr, NewWebhookHandler(d.router, d.cfg.WebhookSecret, d.log), d.log)
	})
	if d.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serve(gctx, "metrics", d.cfg.MetricsAddr, mux, d.log)
		})
	}
	g.Go(func() error { return serve(gctx, "health", d.cfg.HealthAddr, d.healthHandler(), d.log) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	d.pool.Stop()
	return nil
}

// Install re-creates the job table and runs the one-time imports.
func (d *Daemon) Install(ctx context.Context) error {
	return d.installer.Install(ctx)
}

// Sweep runs one reconciliation sweep in the foreground.
func (d *Daemon) Sweep(ctx context.Context) (reconcile.Result, error) {
	return d.sweeper.Run(ctx, reconcile.TriggerManual)
}

// Confirm runs one confirmation pass for a target in the foreground.
func (d *Daemon) Confirm(ctx context.Context, targetID, subreddit string) (evasion.Verdict, error) {
	if subreddit == "" {
		subreddit = d.cfg.Subreddit
	}
	return d.confirmer.Confirm(ctx, targetID, subreddit)
}

func (d *Daemon) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.client.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serve runs an HTTP server until ctx is cancelled.
func serve(ctx context.Context, name, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
