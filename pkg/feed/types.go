// Package feed defines the change-feed event types and the COMMS-backed
// subscription that delivers them.
package feed

// EntryChange describes one modified catalog entry within a change event.
// ChangeNumber may differ from the event's CurrentChangeNumber when the
// upstream coalesces several changelists into a single delivery.
type EntryChange struct {
	ID           int64 `json:"id"`
	ChangeNumber int64 `json:"changeNumber"`
	NeedsToken   bool  `json:"needsToken"`
}

// ChangeEvent is one delivery from the upstream change feed. Immutable once
// received: the coordinator and its fan-out tasks only read it.
type ChangeEvent struct {
	CurrentChangeNumber int64                 `json:"currentChangeNumber"`
	AppChanges          map[int64]EntryChange `json:"appChanges"`
	PackageChanges      map[int64]EntryChange `json:"packageChanges"`
}

// Empty reports whether the event carries no entry changes at all.
func (e *ChangeEvent) Empty() bool {
	return len(e.AppChanges) == 0 && len(e.PackageChanges) == 0
}
