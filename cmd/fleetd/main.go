// fleetd is the fleet daemon: it tracks game-client processes, ingests
// telemetry from remote script sessions, classifies account activity, and
// dispatches remote-execution commands over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetdeck/fleetdeck/internal/activity"
	"github.com/fleetdeck/fleetdeck/internal/config"
	"github.com/fleetdeck/fleetdeck/internal/correlate"
	"github.com/fleetdeck/fleetdeck/internal/dispatch"
	"github.com/fleetdeck/fleetdeck/internal/logging"
	"github.com/fleetdeck/fleetdeck/internal/platform"
	"github.com/fleetdeck/fleetdeck/internal/procscan"
	"github.com/fleetdeck/fleetdeck/internal/registry"
	"github.com/fleetdeck/fleetdeck/internal/statedb"
	"github.com/fleetdeck/fleetdeck/internal/store"
	"github.com/fleetdeck/fleetdeck/internal/web"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("fleetd", flag.ContinueOnError)
	configPath := fs.String("config", filepath.Join(config.Dir(), config.FileName), "Path to config file")
	listenAddr := fs.String("listen", "", "Listen address (overrides config)")
	token := fs.String("token", "", "Bearer token for API/WS access (overrides config)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Println("Usage: fleetd [options]")
		fmt.Println()
		fmt.Println("Run the fleet daemon.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  fleetd")
		fmt.Println("  fleetd --listen 0.0.0.0:9000 --token secret")
		fmt.Println("  fleetd --config /etc/fleetd/config.toml")
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Printf("fleetd %s\n", version)
		return
	}

	if err := run(*configPath, *listenAddr, *token); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenOverride, tokenOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Server.ListenAddr = listenOverride
	}
	if tokenOverride != "" {
		cfg.Server.Token = tokenOverride
	}

	logging.Init(logging.Config{
		LogDir: cfg.Logs.Dir,
		Level:  cfg.Logs.Level,
		Format: cfg.Logs.Format,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	log.Info("starting",
		slog.String("version", version),
		slog.Int("pid", os.Getpid()),
		slog.String("platform", string(platform.Detect())),
		slog.String("listen", cfg.Server.ListenAddr))

	// SIGUSR1 dumps the log ring buffer for post-mortem debugging.
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(cfg.Logs.Dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpCrashBuffer(dumpPath); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	db, err := statedb.Open(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}

	st := store.New()
	seedFromLedger(st, db, log)

	thresholds := activity.Thresholds{
		WindowSize:    cfg.Activity.WindowSize,
		WarnAfter:     cfg.Activity.WarnAfter,
		InactiveAfter: cfg.Activity.InactiveAfter,
	}

	scanner := procscan.NewScanner()
	correlator := correlate.New(scanner, st, correlate.Options{
		ExecutableName: cfg.Launch.ExecutableName,
		GraceDelay:     cfg.GraceDelay(),
		PollInterval:   cfg.PollInterval(),
		MaxAttempts:    cfg.Launch.MaxAttempts,
	})
	reg := registry.New(st, registry.Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})

	srv := web.NewServer(web.Config{
		ListenAddr:         cfg.Server.ListenAddr,
		Token:              cfg.Server.Token,
		ExecutableName:     cfg.Launch.ExecutableName,
		LaunchCommand:      cfg.Launch.Command,
		TelemetryPerMinute: cfg.Server.TelemetryPerMinute,
		Thresholds:         thresholds,
	}, web.Deps{
		Store:      st,
		Registry:   reg,
		Dispatcher: dispatch.New(reg),
		Correlator: correlator,
		Scanner:    scanner,
		Launch:     launcher(cfg.Launch.Command),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		// Classifier thresholds apply live; listener and interval changes
		// need a restart.
		srv.SetThresholds(activity.Thresholds{
			WindowSize:    next.Activity.WindowSize,
			WarnAfter:     next.Activity.WarnAfter,
			InactiveAfter: next.Activity.InactiveAfter,
		})
		log.Info("config_reloaded_live",
			slog.String("path", configPath),
			slog.Int("window_size", next.Activity.WindowSize))
	})
	if err != nil {
		log.Warn("config_watch_unavailable", slog.String("error", err.Error()))
	} else {
		go watcher.Start()
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		reg.RunHeartbeat(gctx)
		return nil
	})

	g.Go(func() error {
		runLedgerPersister(gctx, st, db, cfg.LedgerSaveInterval(), log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Final snapshot so balances survive the restart.
	saveLedger(st, db, log)
	reg.Close()

	log.Info("stopped")
	return err
}

// seedFromLedger restores persisted balances into fresh session records.
// Restored sessions start with no pid, no connections, and an empty balance
// window; classification picks up where the last run left off.
func seedFromLedger(st *store.Store, db *statedb.StateDB, log *slog.Logger) {
	rows, err := db.LoadLedger()
	if err != nil {
		log.Warn("ledger_load_failed", slog.String("error", err.Error()))
		return
	}
	for _, row := range rows {
		st.Upsert(row.Account, func(s *store.AccountSession) {
			s.Money = row.Money
			s.BankMoney = row.BankMoney
			s.Classification = activity.ParseClass(row.Classification)
			s.Status = store.StatusStopped
		})
	}
	if len(rows) > 0 {
		log.Info("ledger_restored", slog.Int("accounts", len(rows)))
	}
}

func runLedgerPersister(ctx context.Context, st *store.Store, db *statedb.StateDB, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveLedger(st, db, log)
		}
	}
}

func saveLedger(st *store.Store, db *statedb.StateDB, log *slog.Logger) {
	sessions := st.List()
	rows := make([]statedb.LedgerRow, 0, len(sessions))
	now := time.Now()
	for _, s := range sessions {
		rows = append(rows, statedb.LedgerRow{
			Account:        s.Account,
			Money:          s.Money,
			BankMoney:      s.BankMoney,
			Classification: s.Classification.String(),
			UpdatedAt:      now,
		})
	}
	if err := db.SaveLedger(rows); err != nil {
		log.Warn("ledger_save_failed", slog.String("error", err.Error()))
		return
	}
	_ = db.SetMeta("last_save", now.UTC().Format(time.RFC3339))
}

// launcher builds the launch callback from the configured command template.
// Returns nil when no command is configured.
func launcher(template string) func(ctx context.Context, placeID, jobID string) error {
	if template == "" {
		return nil
	}
	return func(ctx context.Context, placeID, jobID string) error {
		command := web.SubstituteLaunchCommand(template, placeID, jobID)
		// Plain exec.Command: the client must outlive the HTTP request that
		// launched it, so the request context must not kill it.
		var cmd *exec.Cmd
		if platform.Detect() == platform.PlatformWindows {
			cmd = exec.Command("cmd", "/C", command)
		} else {
			cmd = exec.Command("sh", "-c", command)
		}
		if err := cmd.Start(); err != nil {
			return err
		}
		// Reap the shell so it never lingers as a zombie.
		go func() { _ = cmd.Wait() }()
		return nil
	}
}
