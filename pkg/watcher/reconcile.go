package watcher

import (
	"sort"

	"github.com/morezero/catalog-watcher/pkg/feed"
)

// ChangelistAggregate regroups the entries of one changelist. A delivered
// event flattens possibly many changelists into two maps keyed by entry id;
// this re-associates apps and packages by their per-entry change number.
type ChangelistAggregate struct {
	ChangeNumber int64
	Apps         []feed.EntryChange
	Packages     []feed.EntryChange
}

// Total is the combined app and package count.
func (a *ChangelistAggregate) Total() int {
	return len(a.Apps) + len(a.Packages)
}

// GroupChangelists performs a full outer join of the two change sets on
// change number: every change number appearing in either side yields exactly
// one aggregate, with an empty (never nil) slice for a missing side. Output
// is ordered ascending by change number; entries within a side ascending by id.
func GroupChangelists(apps, packages map[int64]feed.EntryChange) []ChangelistAggregate {
	byNumber := make(map[int64]*ChangelistAggregate)

	get := func(changeNumber int64) *ChangelistAggregate {
		agg, ok := byNumber[changeNumber]
		if !ok {
			agg = &ChangelistAggregate{
				ChangeNumber: changeNumber,
				Apps:         []feed.EntryChange{},
				Packages:     []feed.EntryChange{},
			}
			byNumber[changeNumber] = agg
		}
		return agg
	}

	for _, change := range apps {
		agg := get(change.ChangeNumber)
		agg.Apps = append(agg.Apps, change)
	}
	for _, change := range packages {
		agg := get(change.ChangeNumber)
		agg.Packages = append(agg.Packages, change)
	}

	out := make([]ChangelistAggregate, 0, len(byNumber))
	for _, agg := range byNumber {
		sort.Slice(agg.Apps, func(i, j int) bool { return agg.Apps[i].ID < agg.Apps[j].ID })
		sort.Slice(agg.Packages, func(i, j int) bool { return agg.Packages[i].ID < agg.Packages[j].ID })
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeNumber < out[j].ChangeNumber })
	return out
}
