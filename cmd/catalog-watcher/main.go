// Package main is the entrypoint for the catalog-watcher.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/morezero/catalog-watcher/internal/config"
	"github.com/morezero/catalog-watcher/internal/server"
	"github.com/morezero/catalog-watcher/pkg/commsutil"
	"github.com/morezero/catalog-watcher/pkg/db"
	"github.com/morezero/catalog-watcher/pkg/jobs"
	"github.com/morezero/catalog-watcher/pkg/notify"
	"github.com/morezero/catalog-watcher/pkg/watcher"
)

const usage = `Usage: catalog-watcher [command]

Commands:
  (default)       Start the watcher (feed subscription, HTTP status, full run if configured).
  migrate         Run database migrations only (does not start the watcher).
  clear           Truncate all watcher tables; schema is preserved.
  backfill [mode] One-shot full run (enumerate | full | forced-depots) without the feed subscription.

Environment: DATABASE_URL, COMMS_URL, FULL_RUN_MODE (plus tuning knobs; see internal/config).
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if err := runMigrate(); err != nil {
			log.Fatalf("catalog-watcher migrate: %v", err)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("catalog-watcher clear: %v", err)
		}
		return
	case "backfill":
		mode := ""
		if len(args) > 1 {
			mode = args[1]
		}
		if err := runBackfill(mode); err != nil {
			log.Fatalf("catalog-watcher backfill: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "":
		// fall through to watcher
	default:
		// unknown subcommand
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("catalog-watcher: fatal error: %v", err)
	}
}

func runMigrate() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrationSQL, err := db.LoadMigrationFiles()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ClearWatcher(ctx, pool); err != nil {
		return fmt.Errorf("clear watcher: %w", err)
	}
	return nil
}

func runBackfill(modeOverride string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}

	modeArg := modeOverride
	if modeArg == "" {
		modeArg = cfg.FullRunMode
	}
	mode, err := watcher.ParseFullRunMode(modeArg)
	if err != nil {
		return err
	}
	if mode == watcher.RunDisabled {
		return fmt.Errorf("backfill requires a mode (enumerate | full | forced-depots)")
	}

	ctx := context.Background()
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("connect COMMS: %w", err)
	}
	defer nc.Close()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	coordinator := watcher.NewCoordinator(watcher.NewCoordinatorParams{
		Store:    db.NewRepository(pool),
		Queue:    jobs.NewCommsQueue(nc, &jobs.CommsQueueOpts{StatusTimeout: cfg.JobStatusTimeout}),
		Notifier: &notify.NoOpNotifier{},
		Mode:     mode,
		Config: watcher.CoordinatorConfig{
			BatchSize:      cfg.BatchSize,
			PollInterval:   cfg.BusyPollInterval,
			LockThreshold:  cfg.BusyLockThreshold,
			EnumMargin:     cfg.EnumIDMargin,
			EnumAppCap:     cfg.EnumAppIDCap,
			EnumPackageCap: cfg.EnumPackageIDCap,
		},
	})
	if err := coordinator.Init(ctx); err != nil {
		return err
	}
	return coordinator.PerformSync(ctx)
}
