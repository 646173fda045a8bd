// Package watcher implements the change-feed synchronization engine: cursor
// ownership, changelist reconciliation, ignore filtering, burst throttling,
// and the bounded backfill loop.
package watcher

import (
	"context"
	"fmt"

	"github.com/morezero/catalog-watcher/pkg/db"
)

// FullRunMode selects the bootstrap behavior at process start. It never
// changes during a run.
type FullRunMode int

const (
	// RunDisabled performs no full run; only incremental events are processed.
	RunDisabled FullRunMode = iota
	// RunEnumerate walks a synthesized dense id range to discover entries not
	// yet in the store.
	RunEnumerate
	// RunNormal walks all known entry ids from the store.
	RunNormal
	// RunForcedDepotsOnly walks known app ids only; packages are skipped.
	RunForcedDepotsOnly
)

// ParseFullRunMode parses the configuration value for the run mode.
func ParseFullRunMode(s string) (FullRunMode, error) {
	switch s {
	case "", "disabled":
		return RunDisabled, nil
	case "enumerate":
		return RunEnumerate, nil
	case "full":
		return RunNormal, nil
	case "forced-depots":
		return RunForcedDepotsOnly, nil
	default:
		return RunDisabled, fmt.Errorf("unknown full run mode %q", s)
	}
}

// String returns the configuration spelling of the mode.
func (m FullRunMode) String() string {
	switch m {
	case RunEnumerate:
		return "enumerate"
	case RunNormal:
		return "full"
	case RunForcedDepotsOnly:
		return "forced-depots"
	default:
		return "disabled"
	}
}

// Store is the persistence surface the coordinator depends on. *db.Repository
// implements it; tests use an in-memory fake.
type Store interface {
	LoadCursor(ctx context.Context) (int64, bool, error)
	SaveCursor(ctx context.Context, changeNumber int64) error

	KnownAppIDs(ctx context.Context) ([]int64, error)
	KnownPackageIDs(ctx context.Context) ([]int64, error)
	MaxAppID(ctx context.Context) (int64, error)
	MaxPackageID(ctx context.Context) (int64, error)

	BillingCategories(ctx context.Context, packageIDs []int64) (map[int64]db.BillingCategory, error)
	AppsInPackages(ctx context.Context, packageIDs []int64) ([]int64, error)
	AppNames(ctx context.Context, ids []int64) (map[int64]string, error)
	PackageNames(ctx context.Context, ids []int64) (map[int64]string, error)

	UpsertChangelists(ctx context.Context, changeNumbers []int64) error
	UpsertChangeHistory(ctx context.Context, rows []db.ChangeHistoryRow) error
	MarkAppsChanged(ctx context.Context, links []db.EntryLink) error
	MarkPackagesChanged(ctx context.Context, links []db.EntryLink) error
}
