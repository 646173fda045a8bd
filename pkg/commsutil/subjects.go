package commsutil

import "fmt"

// Default COMMS subjects for the catalog watcher.
const (
	// SubjectFeedChanges carries ChangeEvent payloads from the upstream feed bridge.
	SubjectFeedChanges = "catalog.feed.changes"

	// SubjectJobStatus is the request/reply subject for worker pool status.
	SubjectJobStatus = "catalog.jobs.status"

	// Notification subjects, in increasing order of visibility.
	SubjectNotifyDetail    = "catalog.notify.detail"
	SubjectNotifySummary   = "catalog.notify.summary"
	SubjectNotifyImportant = "catalog.notify.important"
)

// BuildJobSubject builds the submission subject for a job batch type
// (e.g. "app-fetch" -> "catalog.jobs.app-fetch").
func BuildJobSubject(batchType string) string {
	return fmt.Sprintf("catalog.jobs.%s", batchType)
}
