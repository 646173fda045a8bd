package notify

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/catalog-watcher/pkg/commsutil"
)

const commsNotifierLogPrefix = "notify:comms_notifier"

// Message is the JSON envelope published on the notification subjects.
type Message struct {
	EntryID int64  `json:"entryId,omitempty"`
	Text    string `json:"text"`
}

// CommsNotifierOpts configures CommsNotifier. Nil or zero values use defaults.
type CommsNotifierOpts struct {
	DetailSubject    string
	SummarySubject   string
	ImportantSubject string
}

// CommsNotifier publishes notifications to the three COMMS notify subjects.
type CommsNotifier struct {
	nc               *comms.Conn
	detailSubject    string
	summarySubject   string
	importantSubject string
}

// NewCommsNotifier creates a new CommsNotifier. Pass nil for opts to use defaults.
func NewCommsNotifier(nc *comms.Conn, opts *CommsNotifierOpts) *CommsNotifier {
	n := &CommsNotifier{
		nc:               nc,
		detailSubject:    commsutil.SubjectNotifyDetail,
		summarySubject:   commsutil.SubjectNotifySummary,
		importantSubject: commsutil.SubjectNotifyImportant,
	}
	if opts != nil {
		if opts.DetailSubject != "" {
			n.detailSubject = opts.DetailSubject
		}
		if opts.SummarySubject != "" {
			n.summarySubject = opts.SummarySubject
		}
		if opts.ImportantSubject != "" {
			n.importantSubject = opts.ImportantSubject
		}
	}
	return n
}

// SendDetail publishes to the detail subject.
func (n *CommsNotifier) SendDetail(_ context.Context, message string) error {
	return n.publish(n.detailSubject, &Message{Text: message})
}

// SendSummary publishes to the summary subject.
func (n *CommsNotifier) SendSummary(_ context.Context, message string) error {
	return n.publish(n.summarySubject, &Message{Text: message})
}

// SendImportant publishes to the important subject with the entry id attached.
func (n *CommsNotifier) SendImportant(_ context.Context, entryID int64, message string) error {
	return n.publish(n.importantSubject, &Message{EntryID: entryID, Text: message})
}

func (n *CommsNotifier) publish(subject string, msg *Message) error {
	data, err := commsutil.EncodePayload(msg)
	if err != nil {
		return fmt.Errorf("%s - failed to encode message: %w", commsNotifierLogPrefix, err)
	}
	if err := n.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsNotifierLogPrefix, subject, err))
		return err
	}
	return nil
}
