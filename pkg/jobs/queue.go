package jobs

import (
	"context"
	"sync"
)

// Queue is the interface to the downstream fetch-job queue.
type Queue interface {
	// Submit hands a batch to the worker pool. Failures are the pool's
	// responsibility to surface; callers do not re-submit.
	Submit(ctx context.Context, batch Batch) error

	// Status reports the pool's current busyness.
	Status(ctx context.Context) (Status, error)
}

// RecordingQueue is a Queue that records submissions in memory (for testing).
// Safe for concurrent use; the coordinator submits from fan-out tasks.
type RecordingQueue struct {
	mu      sync.Mutex
	batches []Batch
	// Statuses are returned in order by Status; the last one repeats.
	Statuses []Status
	calls    int
}

// Submit records the batch.
func (q *RecordingQueue) Submit(_ context.Context, batch Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, batch)
	return nil
}

// Status returns the next scripted status, repeating the last one. With no
// scripted statuses it reports an idle pool.
func (q *RecordingQueue) Status(_ context.Context) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.Statuses) == 0 {
		q.calls++
		return Status{}, nil
	}
	i := q.calls
	if i >= len(q.Statuses) {
		i = len(q.Statuses) - 1
	}
	q.calls++
	return q.Statuses[i], nil
}

// StatusCalls reports how many times Status was queried.
func (q *RecordingQueue) StatusCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

// Batches returns a copy of the recorded batches, in submission order.
func (q *RecordingQueue) Batches() []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Batch, len(q.batches))
	copy(out, q.batches)
	return out
}

// BatchesOfType returns the recorded batches with the given type, in order.
func (q *RecordingQueue) BatchesOfType(batchType string) []Batch {
	var out []Batch
	for _, b := range q.Batches() {
		if b.Type == batchType {
			out = append(out, b)
		}
	}
	return out
}
