package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/ban-evasion-guard/internal/config"
	"github.com/developingchet/ban-evasion-guard/internal/daemon"
	"github.com/developingchet/ban-evasion-guard/internal/logger"
	"github.com/developingchet/ban-evasion-guard/internal/platform"
	"github.com/developingchet/ban-evasion-guard/internal/reconcile"
	"github.com/developingchet/ban-evasion-guard/internal/settings"
	"github.com/developingchet/ban-evasion-guard/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "ban-evasion-guard",
		Short:         "Enforces moderator actions on platform-flagged ban evasion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		installCmd(),
		sweepCmd(),
		confirmCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the moderation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, log, closeAll, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeAll()

	log.Info().Str("version", Version).Msg("ban-evasion-guard starting")
	return d.Run(ctx)
}

// installCmd re-creates the job table and runs the one-time unban import.
func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Re-arm scheduled jobs and import recent unbans",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, _, closeAll, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			if err := d.Install(ctx); err != nil {
				return err
			}
			fmt.Println("install complete")
			return nil
		},
	}
}

// sweepCmd runs one allow-list reconciliation sweep in the foreground.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a one-shot allow-list sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, _, closeAll, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			res, err := d.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sweep complete: passes=%d active=%d deleted=%d next_wake=%s\n",
				res.Passes, res.Active, res.Deleted, formatWake(res))
			return nil
		},
	}
}

// confirmCmd evaluates one removed item against the confirmation filter and
// enforces if it passes.
func confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <targetId> [subreddit]",
		Short: "Confirm one removal and run enabled actions",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, _, closeAll, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			var subreddit string
			if len(args) == 2 {
				subreddit = args[1]
			}
			v, err := d.Confirm(ctx, args[0], subreddit)
			if err != nil {
				return err
			}
			if v.Dispatched {
				fmt.Printf("%s: enforced\n", args[0])
			} else {
				fmt.Printf("%s: suppressed at %s (%s)\n", args[0], v.Stage, v.Reason)
			}
			return nil
		},
	}
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + healthTarget(cfg.HealthAddr) + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ban-evasion-guard %s\n", Version)
		},
	}
}

// bootstrap loads configuration and opens every dependency the daemon needs.
// The returned func releases them in reverse order.
func bootstrap(ctx context.Context) (*daemon.Daemon, zerolog.Logger, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	nop := func() {}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nop, fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, log, nop, fmt.Errorf("open storage: %w", err)
	}

	client, err := platform.NewClient(ctx, platform.ClientConfig{
		BaseURL:      cfg.PlatformURL,
		TokenURL:     cfg.PlatformAuthURL,
		ClientID:     cfg.PlatformClientID,
		ClientSecret: cfg.PlatformClientSecret,
		Username:     cfg.PlatformUsername,
		Password:     cfg.PlatformPassword,
		UserAgent:    cfg.PlatformUserAgent,
		Timeout:      cfg.PlatformHTTPTimeout,
		Debug:        cfg.PlatformAPIDebug,
		ReauthMinGap: cfg.SessionReauthMinGap,
	}, log)
	if err != nil {
		store.Close()
		return nil, log, nop, fmt.Errorf("init platform client: %w", err)
	}

	closeAll := func() {
		client.Close()
		store.Close()
	}

	daemon.BinaryVersion = Version
	d, err := daemon.New(cfg, client, store, settings.NewFileSource(cfg.SettingsFile), log)
	if err != nil {
		closeAll()
		return nil, log, nop, fmt.Errorf("build daemon: %w", err)
	}
	return d, log, closeAll, nil
}

// openStore selects the storage backend named by STORE_BACKEND.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		return storage.NewRedisStoreFromURL(ctx, cfg.RedisURL, cfg.RedisPrefix)
	case "bbolt", "":
		return storage.NewBboltStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// healthTarget turns a listen address such as ":8081" into a dialable one.
func healthTarget(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

func formatWake(res reconcile.Result) string {
	if res.NextWake.IsZero() {
		return "cron"
	}
	return res.NextWake.UTC().Format(time.RFC3339)
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
	}
	return base
}
