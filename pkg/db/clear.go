package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearWatcher truncates all watcher tables; the schema is preserved. The
// next run starts from a fresh cursor (bootstrap).
func ClearWatcher(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Warn(fmt.Sprintf("%s - Truncating all watcher tables", clearLogPrefix))

	_, err := pool.Exec(ctx,
		`TRUNCATE apps, packages, package_apps, changelists, change_history, watcher_state`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Watcher tables cleared", clearLogPrefix))
	return nil
}
