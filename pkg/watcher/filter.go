package watcher

import "github.com/morezero/catalog-watcher/pkg/db"

// IgnoreRules decides which changed packages are not worth queueing: packages
// whose billing category marks them as grants/trials rather than catalog
// content, plus a small fixed set of virtual package ids. The rules apply to
// packages only, never to apps. Immutable for the process lifetime.
type IgnoreRules struct {
	Categories map[db.BillingCategory]struct{}
	PackageIDs map[int64]struct{}
}

// DefaultIgnoreRules returns the fixed uninteresting billing categories plus
// the given explicit package-id exceptions.
func DefaultIgnoreRules(packageIDs []int64) IgnoreRules {
	rules := IgnoreRules{
		Categories: map[db.BillingCategory]struct{}{
			db.BillingGift:        {},
			db.BillingAutoGrant:   {},
			db.BillingTrial:       {},
			db.BillingFreeWeekend: {},
		},
		PackageIDs: make(map[int64]struct{}, len(packageIDs)),
	}
	for _, id := range packageIDs {
		rules.PackageIDs[id] = struct{}{}
	}
	return rules
}

// ShouldIgnorePackage reports whether a changed package should be excluded
// from job queueing. categories is a batch lookup result keyed by package id;
// packages absent from it are treated as not ignored.
func (r IgnoreRules) ShouldIgnorePackage(id int64, categories map[int64]db.BillingCategory) bool {
	if _, ok := r.PackageIDs[id]; ok {
		return true
	}
	category, ok := categories[id]
	if !ok {
		return false
	}
	_, ignored := r.Categories[category]
	return ignored
}
