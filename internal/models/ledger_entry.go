package models

import "time"

// Ledger entry types.
const (
	EntryEarn  = "earn"
	EntrySpend = "spend"
)

// Reason codes. The daily-limited ones are credited at most once per owner
// per calendar day; see ledger.DailyLimited.
const (
	ReasonCycleComplete       = "cycle_complete"
	ReasonDecomposedComplete  = "decomposed_complete"
	ReasonDailyTasksComplete  = "daily_tasks_complete"
	ReasonDailyRemindersDone  = "daily_reminders_complete"
	ReasonDailyLogin          = "daily_login"
	ReasonItemPurchase        = "item_purchase"
	ReasonAdminAdjust         = "admin_adjust"
)

// LedgerEntry is one immutable earn/spend record. Entries are never updated
// or deleted; corrections are new offsetting entries. DedupeKey is set only
// for daily-limited reasons and carries a uniqueness guarantee.
type LedgerEntry struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	OwnerID      string  `gorm:"size:64;not null;index;index:idx_ledger_owner_created"`
	Type         string  `gorm:"size:8;not null"`
	Amount       int64   `gorm:"not null"`
	ReasonCode   string  `gorm:"size:64;not null;index"`
	Description  string  `gorm:"type:text"`
	BalanceAfter int64   `gorm:"not null"`
	DedupeKey    *string `gorm:"size:128;uniqueIndex"`
	CreatedAt    time.Time `gorm:"index:idx_ledger_owner_created"`
}
