// Package jobs defines the fetch-job queue consumed by the watcher: batch
// submission plus the pool-busyness signals the backfill loop throttles on.
package jobs

// Batch types understood by the downstream worker pool.
const (
	TypeAppFetch     = "app-fetch"     // fetch full metadata for app ids
	TypePackageFetch = "package-fetch" // fetch product info for package ids
	TypeAppTokens    = "app-tokens"    // resolve access tokens for app ids
)

// Batch is one unit of submitted work: a batch type plus the entry ids it
// covers. Submission is fire-and-forget; retry is the worker pool's job.
type Batch struct {
	Type string  `json:"type"`
	IDs  []int64 `json:"ids"`
}

// Status is the worker pool's busyness snapshot.
type Status struct {
	QueueDepth int  `json:"queueDepth"`
	WorkerBusy bool `json:"workerBusy"`
	HeavyLocks int  `json:"heavyLocks"`
}
