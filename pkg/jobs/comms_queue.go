package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/catalog-watcher/pkg/commsutil"
)

const commsQueueLogPrefix = "jobs:comms_queue"

// CommsQueueOpts configures CommsQueue. Nil or zero values use defaults.
type CommsQueueOpts struct {
	// StatusSubject overrides the pool status request subject.
	StatusSubject string
	// StatusTimeout bounds the status request round trip (default 2s).
	StatusTimeout time.Duration
}

// CommsQueue submits job batches over COMMS and queries the worker pool's
// busyness via request/reply.
type CommsQueue struct {
	nc            *comms.Conn
	statusSubject string
	statusTimeout time.Duration
}

// NewCommsQueue creates a new CommsQueue. Pass nil for opts to use defaults.
func NewCommsQueue(nc *comms.Conn, opts *CommsQueueOpts) *CommsQueue {
	statusSubject := commsutil.SubjectJobStatus
	statusTimeout := 2 * time.Second
	if opts != nil {
		if opts.StatusSubject != "" {
			statusSubject = opts.StatusSubject
		}
		if opts.StatusTimeout > 0 {
			statusTimeout = opts.StatusTimeout
		}
	}
	return &CommsQueue{nc: nc, statusSubject: statusSubject, statusTimeout: statusTimeout}
}

// Submit publishes the batch to its type's job subject.
func (q *CommsQueue) Submit(_ context.Context, batch Batch) error {
	data, err := commsutil.EncodePayload(batch)
	if err != nil {
		return fmt.Errorf("%s - failed to encode batch: %w", commsQueueLogPrefix, err)
	}
	subject := commsutil.BuildJobSubject(batch.Type)
	if err := q.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", commsQueueLogPrefix, subject, err)
	}
	slog.Debug(fmt.Sprintf("%s - Submitted %s batch of %d ids", commsQueueLogPrefix, batch.Type, len(batch.IDs)))
	return nil
}

// Status requests the pool status from the worker pool.
func (q *CommsQueue) Status(ctx context.Context) (Status, error) {
	reqCtx, cancel := context.WithTimeout(ctx, q.statusTimeout)
	defer cancel()

	msg, err := q.nc.RequestWithContext(reqCtx, q.statusSubject, nil)
	if err != nil {
		return Status{}, fmt.Errorf("%s - status request failed: %w", commsQueueLogPrefix, err)
	}

	var status Status
	if err := commsutil.DecodePayload(msg.Data, &status); err != nil {
		return Status{}, fmt.Errorf("%s - failed to decode status: %w", commsQueueLogPrefix, err)
	}
	return status, nil
}
