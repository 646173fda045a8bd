package notify

import (
	"fmt"
	"strings"
)

// EntryLine is one catalog entry as rendered in a changelist notification.
type EntryLine struct {
	ID   int64
	Name string
}

// UnknownName is rendered when the store has no display name for an entry.
const UnknownName = "(unknown)"

// FormatHeader renders the one-line changelist header, e.g.
// "Changelist 123456 (2 apps, 1 package)".
func FormatHeader(changeNumber int64, appCount, packageCount int) string {
	return fmt.Sprintf("Changelist %d (%s, %s)",
		changeNumber, plural(appCount, "app"), plural(packageCount, "package"))
}

// FormatChangelist renders the itemized per-entry listing for a changelist.
func FormatChangelist(changeNumber int64, apps, packages []EntryLine) string {
	var b strings.Builder
	b.WriteString(FormatHeader(changeNumber, len(apps), len(packages)))
	for _, a := range apps {
		b.WriteString(fmt.Sprintf("\n  app %d - %s", a.ID, a.Name))
	}
	for _, p := range packages {
		b.WriteString(fmt.Sprintf("\n  package %d - %s", p.ID, p.Name))
	}
	return b.String()
}

// FormatTooBig renders the summary-only notice used when a changelist has too
// many entries to itemize.
func FormatTooBig(changeNumber int64, appCount, packageCount int) string {
	return fmt.Sprintf("%s - too many entries to list",
		FormatHeader(changeNumber, appCount, packageCount))
}

// FormatEmpty renders the notice for an event with no entry changes.
func FormatEmpty(changeNumber int64) string {
	return fmt.Sprintf("Changelist %d (empty)", changeNumber)
}

// FormatBurstWarning renders the one-shot suppression warning.
func FormatBurstWarning(threshold int) string {
	return fmt.Sprintf("Changelist notifications are bursting (over %d in the current window), further notifications suppressed", threshold)
}

// FormatImportant renders a watch-list notification for a single entry.
func FormatImportant(kind string, id int64, name string, changeNumber int64) string {
	return fmt.Sprintf("Important %s %d - %s updated in changelist %d", kind, id, name, changeNumber)
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
