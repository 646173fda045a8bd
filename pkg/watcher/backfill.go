package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/catalog-watcher/pkg/jobs"
)

const backfillLogPrefix = "watcher:backfill"

// Dispatcher pushes a (potentially very large) enumeration of entry ids
// through the fetch pipeline in bounded batches, waiting for downstream
// capacity between batches. Used only in full-run modes.
type Dispatcher struct {
	queue         jobs.Queue
	batchSize     int
	pollInterval  time.Duration
	lockThreshold int
	appsOnly      bool
}

// DispatcherParams holds parameters for NewDispatcher.
type DispatcherParams struct {
	Queue         jobs.Queue
	BatchSize     int
	PollInterval  time.Duration
	LockThreshold int
	// AppsOnly skips the package pass entirely (forced-depots mode).
	AppsOnly bool
}

// NewDispatcher creates a Dispatcher. Zero tunables fall back to the
// defaults (batch 100, poll 1s, lock threshold 4).
func NewDispatcher(params DispatcherParams) *Dispatcher {
	d := &Dispatcher{
		queue:         params.Queue,
		batchSize:     params.BatchSize,
		pollInterval:  params.PollInterval,
		lockThreshold: params.LockThreshold,
		appsOnly:      params.AppsOnly,
	}
	if d.batchSize <= 0 {
		d.batchSize = 100
	}
	if d.pollInterval <= 0 {
		d.pollInterval = time.Second
	}
	if d.lockThreshold <= 0 {
		d.lockThreshold = 4
	}
	return d
}

// Run submits the app ids in batches, then the package ids unless the
// dispatcher is apps-only. Cancellable only through ctx (process shutdown);
// there is no mid-run cancellation beyond that.
func (d *Dispatcher) Run(ctx context.Context, appIDs, packageIDs []int64) error {
	slog.Info(fmt.Sprintf("%s - Starting backfill: %d apps, %d packages (appsOnly=%v)",
		backfillLogPrefix, len(appIDs), len(packageIDs), d.appsOnly))

	if err := d.dispatch(ctx, jobs.TypeAppFetch, appIDs); err != nil {
		return err
	}
	if d.appsOnly {
		slog.Info(fmt.Sprintf("%s - Apps-only run, skipping %d packages", backfillLogPrefix, len(packageIDs)))
		return nil
	}
	if err := d.dispatch(ctx, jobs.TypePackageFetch, packageIDs); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Backfill complete", backfillLogPrefix))
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, batchType string, ids []int64) error {
	for len(ids) > 0 {
		n := d.batchSize
		if n > len(ids) {
			n = len(ids)
		}
		batch := jobs.Batch{Type: batchType, IDs: ids[:n]}
		ids = ids[n:]

		if err := d.queue.Submit(ctx, batch); err != nil {
			// Submission failures are the queue's to retry; keep going.
			slog.Error(fmt.Sprintf("%s - failed to submit %s batch: %v", backfillLogPrefix, batchType, err))
		}
		if err := d.waitForCapacity(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitForCapacity blocks until the composite busy signal clears: the worker
// pool has no outstanding work, the job queue is empty, and heavyweight locks
// are under the threshold. Polls at a fixed interval; a failed status query
// counts as busy.
func (d *Dispatcher) waitForCapacity(ctx context.Context) error {
	for {
		status, err := d.queue.Status(ctx)
		busy := err != nil ||
			status.WorkerBusy ||
			status.QueueDepth > 0 ||
			status.HeavyLocks > d.lockThreshold
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - status query failed, treating pool as busy: %v", backfillLogPrefix, err))
		}
		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s - backfill cancelled: %w", backfillLogPrefix, ctx.Err())
		case <-time.After(d.pollInterval):
		}
	}
}

// EnumerateRange synthesizes the dense id range 1..maxKnown+margin used by
// enumerate mode to discover ids not yet in the store. cap bounds the top of
// the range against pathological upstream id values (0 disables the cap).
func EnumerateRange(maxKnown, margin, cap int64) []int64 {
	top := maxKnown + margin
	if cap > 0 && top > cap {
		top = cap
	}
	if top < 1 {
		return nil
	}
	ids := make([]int64, 0, top)
	for id := int64(1); id <= top; id++ {
		ids = append(ids, id)
	}
	return ids
}
