package db

import "time"

// BillingCategory classifies how a package was granted or sold. Stored on the
// packages table; a fixed subset is considered uninteresting by the watcher.
type BillingCategory int

// Billing categories as assigned by the upstream catalog.
const (
	BillingStore         BillingCategory = 0
	BillingCDKey         BillingCategory = 1
	BillingHardwarePromo BillingCategory = 3
	BillingGift          BillingCategory = 4
	BillingAutoGrant     BillingCategory = 7
	BillingTrial         BillingCategory = 9
	BillingFreeOnDemand  BillingCategory = 10
	BillingFreeWeekend   BillingCategory = 12
)

// App represents a row in the apps table.
type App struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	NeedsToken       bool      `json:"needs_token"`
	LastChangeNumber int64     `json:"last_change_number"`
	Modified         time.Time `json:"modified"`
}

// Package represents a row in the packages table.
type Package struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	BillingCategory  BillingCategory `json:"billing_category"`
	LastChangeNumber int64           `json:"last_change_number"`
	Modified         time.Time       `json:"modified"`
}

// Changelist represents a row in the changelists table.
type Changelist struct {
	ChangeNumber int64     `json:"change_number"`
	Seen         time.Time `json:"seen"`
}

// ChangeHistoryRow represents a row in the change_history table.
type ChangeHistoryRow struct {
	ChangeNumber int64  `json:"change_number"`
	EntryType    string `json:"entry_type"`
	EntryID      int64  `json:"entry_id"`
}

// Entry types recorded in change_history.
const (
	EntryTypeApp     = "app"
	EntryTypePackage = "package"
)

// EntryLink records that an entry was last modified in a given changelist.
type EntryLink struct {
	ID           int64
	ChangeNumber int64
	NeedsToken   bool
}
