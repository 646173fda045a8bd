package feed

import (
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/catalog-watcher/pkg/commsutil"
)

const sourceLogPrefix = "feed:comms_source"

// CommsSource subscribes to the feed subject and delivers decoded events on a
// channel. The subscription callback only decodes and enqueues, so the COMMS
// client is never blocked by event processing; if the consumer falls behind
// the channel buffer, events are dropped with a warning (the next delivery's
// cursor catches the consumer up).
type CommsSource struct {
	nc      *comms.Conn
	subject string
	sub     *comms.Subscription
	events  chan *ChangeEvent
}

// NewCommsSource creates a CommsSource on the given subject. An empty subject
// uses the default feed subject.
func NewCommsSource(nc *comms.Conn, subject string) *CommsSource {
	if subject == "" {
		subject = commsutil.SubjectFeedChanges
	}
	return &CommsSource{
		nc:      nc,
		subject: subject,
		events:  make(chan *ChangeEvent, 64),
	}
}

// Events returns the channel the source delivers decoded events on.
func (s *CommsSource) Events() <-chan *ChangeEvent {
	return s.events
}

// Start subscribes to the feed subject.
func (s *CommsSource) Start() error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *comms.Msg) {
		var event ChangeEvent
		if err := commsutil.DecodePayload(msg.Data, &event); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode change event: %v", sourceLogPrefix, err))
			return
		}
		select {
		case s.events <- &event:
		default:
			slog.Warn(fmt.Sprintf("%s - event buffer full, dropping changelist %d",
				sourceLogPrefix, event.CurrentChangeNumber))
		}
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", sourceLogPrefix, s.subject, err)
	}
	s.sub = sub
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", sourceLogPrefix, s.subject))
	return nil
}

// Stop unsubscribes and closes the event channel.
func (s *CommsSource) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	close(s.events)
}
