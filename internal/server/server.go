// Package server orchestrates all components: COMMS client, DB, coordinator,
// feed subscription, HTTP health/status.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/catalog-watcher/internal/config"
	"github.com/morezero/catalog-watcher/pkg/commsutil"
	"github.com/morezero/catalog-watcher/pkg/db"
	"github.com/morezero/catalog-watcher/pkg/feed"
	"github.com/morezero/catalog-watcher/pkg/jobs"
	"github.com/morezero/catalog-watcher/pkg/notify"
	"github.com/morezero/catalog-watcher/pkg/watcher"
)

const logPrefix = "server:server"

// Server is the catalog-watcher orchestrator.
type Server struct {
	cfg         *config.Config
	nc          *comms.Conn
	pool        *pgxpool.Pool
	httpServer  *http.Server
	repo        *db.Repository
	coordinator *watcher.Coordinator
}

// Run starts the watcher, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	// Setup structured logging
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting catalog-watcher", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mode, err := watcher.ParseFullRunMode(cfg.FullRunMode)
	if err != nil {
		return fmt.Errorf("%s - invalid FULL_RUN_MODE: %w", logPrefix, err)
	}

	s := &Server{cfg: cfg}

	// Step 1: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 2: Connect to database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	// Step 2b: Run migrations if enabled
	if cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles()
		if err != nil {
			pool.Close()
			nc.Close()
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			nc.Close()
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	// Step 3: Create the coordinator and its collaborators
	repo := db.NewRepository(pool)
	s.repo = repo
	queue := jobs.NewCommsQueue(nc, &jobs.CommsQueueOpts{StatusTimeout: cfg.JobStatusTimeout})
	notifier := notify.NewCommsNotifier(nc, nil)

	coordinator := watcher.NewCoordinator(watcher.NewCoordinatorParams{
		Store:    repo,
		Queue:    queue,
		Notifier: notifier,
		Throttle: watcher.NewThrottle(cfg.BurstWindow, cfg.BurstThreshold),
		Rules:    watcher.DefaultIgnoreRules(cfg.IgnoredPackageIDs),
		Mode:     mode,
		Config: watcher.CoordinatorConfig{
			BatchSize:              cfg.BatchSize,
			PollInterval:           cfg.BusyPollInterval,
			LockThreshold:          cfg.BusyLockThreshold,
			BigChangelistThreshold: cfg.BigChangelistThreshold,
			NotableThreshold:       cfg.NotableThreshold,
			EnumMargin:             cfg.EnumIDMargin,
			EnumAppCap:             cfg.EnumAppIDCap,
			EnumPackageCap:         cfg.EnumPackageIDCap,
		},
		ImportantApps:     cfg.ImportantAppIDs,
		ImportantPackages: cfg.ImportantPackageIDs,
	})
	s.coordinator = coordinator

	// The engine cannot safely begin without a cursor.
	if err := coordinator.Init(ctx); err != nil {
		pool.Close()
		nc.Close()
		return err
	}

	// Step 4: Kick off the full run, if configured. Fire-and-forget; the
	// backfill paces itself against downstream capacity.
	if mode != watcher.RunDisabled {
		go func() {
			if err := coordinator.PerformSync(ctx); err != nil {
				slog.Error(fmt.Sprintf("%s - full run failed: %v", logPrefix, err))
			}
		}()
	}

	// Step 5: Subscribe to the change feed and start the event loop
	source := feed.NewCommsSource(nc, cfg.FeedSubject)
	if err := source.Start(); err != nil {
		pool.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to start feed source: %w", logPrefix, err)
	}
	go coordinator.Run(ctx, source.Events())

	// Step 6: Start HTTP health/status server
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), cfg.HealthCheckTimeout)
		defer cancel()
		h := s.health(healthCtx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP status server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Catalog-watcher is ready (mode=%s, cursor=%d)", logPrefix, mode, coordinator.Cursor()))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	source.Stop()
	cancel()
	coordinator.Wait()
	s.httpServer.Shutdown(context.Background())
	nc.Drain()
	pool.Close()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// healthOutput is the JSON shape of /health.
type healthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Cursor    int64           `json:"cursor"`
	Mode      string          `json:"mode"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) health(ctx context.Context) *healthOutput {
	dbOK := s.repo.Ping(ctx) == nil
	commsOK := s.nc.IsConnected()

	status := "healthy"
	if !dbOK || !commsOK {
		status = "unhealthy"
	}
	return &healthOutput{
		Status:    status,
		Checks:    map[string]bool{"database": dbOK, "comms": commsOK},
		Cursor:    s.coordinator.Cursor(),
		Mode:      s.coordinator.Mode().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// statusPageTemplate is the HTML for the watcher status page (white bg, black/blue text).
const statusPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Catalog Watcher</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 700px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Catalog Watcher</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Database: {{if index .Health.Checks "database"}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    <p>COMMS: {{if index .Health.Checks "comms"}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    <p>Run mode: <span class="stat">{{.Health.Mode}}</span></p>
    <p>Cursor: <span class="stat">{{.Health.Cursor}}</span></p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Catalog</h2>
    {{if .CountsError}}
    <p class="error">Could not load entry counts: {{.CountsError}}</p>
    {{else}}
    <p>Known apps: <span class="stat">{{.AppCount}}</span></p>
    <p>Known packages: <span class="stat">{{.PackageCount}}</span></p>
    {{end}}
  </section>

  <section>
    <h2>Recent changelists</h2>
    {{if .ChangelistsError}}
    <p class="error">Could not load changelists: {{.ChangelistsError}}</p>
    {{else}}
    {{if not .Changelists}}
    <p>No changelists recorded.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Changelist</th><th>Seen</th></tr>
      </thead>
      <tbody>
        {{range .Changelists}}
        <tr><td>{{.ChangeNumber}}</td><td>{{.Seen}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
    {{end}}
  </section>
</body>
</html>
`

// statusData is the data passed to the status page template.
type statusData struct {
	Health           *healthOutput
	AppCount         int64
	PackageCount     int64
	CountsError      string
	Changelists      []db.Changelist
	ChangelistsError string
}

// handleHome returns an HTTP handler for the watcher status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("status").Parse(statusPageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := statusData{Health: s.health(ctx)}

		apps, packages, err := s.repo.EntryCounts(ctx)
		if err != nil {
			data.CountsError = err.Error()
		} else {
			data.AppCount = apps
			data.PackageCount = packages
		}

		changelists, err := s.repo.RecentChangelists(ctx, 25)
		if err != nil {
			data.ChangelistsError = err.Error()
		} else {
			data.Changelists = changelists
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - status template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
