// Package notify defines the notification sink for changelist messages: a
// detail channel, a lower-volume summary channel, and a high-visibility
// important channel for watch-listed entries.
package notify

import (
	"context"
	"sync"
)

// Notifier is the interface for emitting changelist notifications.
// Sends are best-effort: failures are logged by implementations and never
// affect the cursor or persisted state.
type Notifier interface {
	SendDetail(ctx context.Context, message string) error
	SendSummary(ctx context.Context, message string) error
	SendImportant(ctx context.Context, entryID int64, message string) error
}

// NoOpNotifier is a Notifier that discards everything (for in-process usage
// without a notification sink).
type NoOpNotifier struct{}

// SendDetail is a no-op.
func (n *NoOpNotifier) SendDetail(_ context.Context, _ string) error { return nil }

// SendSummary is a no-op.
func (n *NoOpNotifier) SendSummary(_ context.Context, _ string) error { return nil }

// SendImportant is a no-op.
func (n *NoOpNotifier) SendImportant(_ context.Context, _ int64, _ string) error { return nil }

// RecordingNotifier records every message in memory (for testing). Safe for
// concurrent use; the coordinator emits from fan-out tasks.
type RecordingNotifier struct {
	mu        sync.Mutex
	detail    []string
	summary   []string
	important []ImportantMessage
}

// ImportantMessage is one recorded SendImportant call.
type ImportantMessage struct {
	EntryID int64
	Message string
}

// SendDetail records the message.
func (n *RecordingNotifier) SendDetail(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detail = append(n.detail, message)
	return nil
}

// SendSummary records the message.
func (n *RecordingNotifier) SendSummary(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summary = append(n.summary, message)
	return nil
}

// SendImportant records the message.
func (n *RecordingNotifier) SendImportant(_ context.Context, entryID int64, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.important = append(n.important, ImportantMessage{EntryID: entryID, Message: message})
	return nil
}

// Detail returns a copy of the recorded detail messages, in order.
func (n *RecordingNotifier) Detail() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.detail))
	copy(out, n.detail)
	return out
}

// Summary returns a copy of the recorded summary messages, in order.
func (n *RecordingNotifier) Summary() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.summary))
	copy(out, n.summary)
	return out
}

// Important returns a copy of the recorded important messages, in order.
func (n *RecordingNotifier) Important() []ImportantMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ImportantMessage, len(n.important))
	copy(out, n.important)
	return out
}
