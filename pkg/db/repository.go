package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for watcher operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// =========================================================================
// CURSOR
// =========================================================================

// LoadCursor returns the persisted cursor. The second return is false when no
// cursor has ever been saved (fresh install).
func (r *Repository) LoadCursor(ctx context.Context) (int64, bool, error) {
	var cursor int64
	err := r.pool.QueryRow(ctx,
		`SELECT last_change_number FROM watcher_state WHERE id = 1`).Scan(&cursor)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%s - LoadCursor failed: %w", repoLogPrefix, err)
	}
	return cursor, true, nil
}

// SaveCursor persists the cursor. Callers invoke this only after the change
// history for the same event is durably written.
func (r *Repository) SaveCursor(ctx context.Context, changeNumber int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO watcher_state (id, last_change_number, updated)
		 VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET
		   last_change_number = $1,
		   updated = $2`, changeNumber, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - SaveCursor failed: %w", repoLogPrefix, err)
	}
	return nil
}

// =========================================================================
// KNOWN ENTRY IDS
// =========================================================================

// KnownAppIDs returns all app ids in ascending order.
func (r *Repository) KnownAppIDs(ctx context.Context) ([]int64, error) {
	return r.knownIDs(ctx, `SELECT id FROM apps ORDER BY id ASC`)
}

// KnownPackageIDs returns all package ids in ascending order.
func (r *Repository) KnownPackageIDs(ctx context.Context) ([]int64, error) {
	return r.knownIDs(ctx, `SELECT id FROM packages ORDER BY id ASC`)
}

func (r *Repository) knownIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s - known ids query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s - known ids scan failed: %w", repoLogPrefix, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MaxAppID returns the highest known app id, or 0 when the table is empty.
func (r *Repository) MaxAppID(ctx context.Context) (int64, error) {
	return r.maxID(ctx, `SELECT COALESCE(MAX(id), 0) FROM apps`)
}

// MaxPackageID returns the highest known package id, or 0 when the table is empty.
func (r *Repository) MaxPackageID(ctx context.Context) (int64, error) {
	return r.maxID(ctx, `SELECT COALESCE(MAX(id), 0) FROM packages`)
}

func (r *Repository) maxID(ctx context.Context, query string) (int64, error) {
	var max int64
	if err := r.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("%s - max id query failed: %w", repoLogPrefix, err)
	}
	return max, nil
}

// =========================================================================
// BATCH LOOKUPS
// =========================================================================

// BillingCategories returns the billing category per package id. Packages
// absent from the table are absent from the result.
func (r *Repository) BillingCategories(ctx context.Context, packageIDs []int64) (map[int64]BillingCategory, error) {
	if len(packageIDs) == 0 {
		return map[int64]BillingCategory{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, billing_category FROM packages WHERE id = ANY($1)`, packageIDs)
	if err != nil {
		return nil, fmt.Errorf("%s - BillingCategories failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	result := make(map[int64]BillingCategory)
	for rows.Next() {
		var id int64
		var category int
		if err := rows.Scan(&id, &category); err != nil {
			return nil, fmt.Errorf("%s - BillingCategories scan failed: %w", repoLogPrefix, err)
		}
		result[id] = BillingCategory(category)
	}
	return result, nil
}

// AppsInPackages returns the distinct app ids that are members of the given
// packages. Packages with no membership rows contribute nothing.
func (r *Repository) AppsInPackages(ctx context.Context, packageIDs []int64) ([]int64, error) {
	if len(packageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT app_id FROM package_apps WHERE package_id = ANY($1) ORDER BY app_id ASC`, packageIDs)
	if err != nil {
		return nil, fmt.Errorf("%s - AppsInPackages failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s - AppsInPackages scan failed: %w", repoLogPrefix, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AppNames returns display names keyed by app id for the given ids.
func (r *Repository) AppNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	return r.names(ctx, `SELECT id, name FROM apps WHERE id = ANY($1)`, ids)
}

// PackageNames returns display names keyed by package id for the given ids.
func (r *Repository) PackageNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	return r.names(ctx, `SELECT id, name FROM packages WHERE id = ANY($1)`, ids)
}

func (r *Repository) names(ctx context.Context, query string, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("%s - names query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	result := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("%s - names scan failed: %w", repoLogPrefix, err)
		}
		result[id] = name
	}
	return result, nil
}

// =========================================================================
// CHANGE HISTORY WRITES
// =========================================================================

// UpsertChangelists records the existence of the given change numbers.
// Idempotent: replayed events insert nothing new.
func (r *Repository) UpsertChangelists(ctx context.Context, changeNumbers []int64) error {
	if len(changeNumbers) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, n := range changeNumbers {
		batch.Queue(
			`INSERT INTO changelists (change_number, seen)
			 VALUES ($1, $2)
			 ON CONFLICT (change_number) DO NOTHING`, n, now)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s - UpsertChangelists failed: %w", repoLogPrefix, err)
	}
	return nil
}

// UpsertChangeHistory records (change number, entry) rows idempotently.
func (r *Repository) UpsertChangeHistory(ctx context.Context, rows []ChangeHistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(
			`INSERT INTO change_history (change_number, entry_type, entry_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (change_number, entry_type, entry_id) DO NOTHING`,
			row.ChangeNumber, row.EntryType, row.EntryID)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s - UpsertChangeHistory failed: %w", repoLogPrefix, err)
	}
	return nil
}

// MarkAppsChanged upserts per-app "last changed in changelist N" links and
// refreshes the modified timestamp.
func (r *Repository) MarkAppsChanged(ctx context.Context, links []EntryLink) error {
	if len(links) == 0 {
		return nil
	}
	slog.Debug(fmt.Sprintf("%s - MarkAppsChanged for %d apps", repoLogPrefix, len(links)))

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(
			`INSERT INTO apps (id, needs_token, last_change_number, modified)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET
			   needs_token = $2,
			   last_change_number = $3,
			   modified = $4`, l.ID, l.NeedsToken, l.ChangeNumber, now)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s - MarkAppsChanged failed: %w", repoLogPrefix, err)
	}
	return nil
}

// MarkPackagesChanged upserts per-package change links and refreshes the
// modified timestamp.
func (r *Repository) MarkPackagesChanged(ctx context.Context, links []EntryLink) error {
	if len(links) == 0 {
		return nil
	}
	slog.Debug(fmt.Sprintf("%s - MarkPackagesChanged for %d packages", repoLogPrefix, len(links)))

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(
			`INSERT INTO packages (id, last_change_number, modified)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET
			   last_change_number = $2,
			   modified = $3`, l.ID, l.ChangeNumber, now)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s - MarkPackagesChanged failed: %w", repoLogPrefix, err)
	}
	return nil
}

// =========================================================================
// STATUS QUERIES
// =========================================================================

// RecentChangelists returns the most recently seen changelists, newest first.
func (r *Repository) RecentChangelists(ctx context.Context, limit int) ([]Changelist, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT change_number, seen FROM changelists ORDER BY change_number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - RecentChangelists failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []Changelist
	for rows.Next() {
		var c Changelist
		if err := rows.Scan(&c.ChangeNumber, &c.Seen); err != nil {
			return nil, fmt.Errorf("%s - RecentChangelists scan failed: %w", repoLogPrefix, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// EntryCounts returns the number of known apps and packages.
func (r *Repository) EntryCounts(ctx context.Context) (apps int64, packages int64, err error) {
	if err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM apps`).Scan(&apps); err != nil {
		return 0, 0, fmt.Errorf("%s - EntryCounts apps failed: %w", repoLogPrefix, err)
	}
	if err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM packages`).Scan(&packages); err != nil {
		return 0, 0, fmt.Errorf("%s - EntryCounts packages failed: %w", repoLogPrefix, err)
	}
	return apps, packages, nil
}

// Ping verifies database connectivity (health checks).
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
