// Package dispatch evaluates aggregate completion triggers that do not
// belong inside a single session's lifecycle: "all of today's tasks are
// done", "all of today's reminders are checked off". Task and reminder
// tracking itself lives outside this core; those collaborators call in
// through OnItemCompleted and are read back through the narrow ItemSource
// interface.
package dispatch

import (
	"fmt"
	"time"

	"github.com/mkrell/bonfire/internal/config"
	"github.com/mkrell/bonfire/internal/ledger"
	"github.com/mkrell/bonfire/internal/models"
)

// Tracked item types.
const (
	ItemTask     = "task"
	ItemReminder = "reminder"
)

// Reminder is one due-checkable item from the reminder collaborator.
type Reminder struct {
	ID      string
	OwnerID string
	Title   string
	DueAt   time.Time
	Done    bool
}

// ItemSource is the read-only view onto the task/reminder collaborators.
type ItemSource interface {
	// OpenCount returns how many of the owner's tracked items of the given
	// type, scheduled for date, are still open.
	OpenCount(owner, itemType string, date time.Time) (int, error)

	// DueReminders returns reminders whose due time has passed as of now.
	DueReminders(now time.Time) ([]Reminder, error)
}

// Dispatcher turns item completions into daily-aggregate reward grants.
type Dispatcher struct {
	source  ItemSource
	ledger  *ledger.Ledger
	rewards config.RewardsConfig
}

// New returns a Dispatcher.
func New(source ItemSource, lg *ledger.Ledger, rewards config.RewardsConfig) *Dispatcher {
	return &Dispatcher{source: source, ledger: lg, rewards: rewards}
}

// OnItemCompleted re-evaluates the all-done condition for the owner's items
// of this type on this date, and requests the daily grant when everything is
// complete. Because the grant is idempotent per day, calling this on every
// single completion is safe; no one needs to know which completion was the
// last. Returns nil when items remain open.
func (d *Dispatcher) OnItemCompleted(owner, itemType string, date time.Time) (*ledger.GrantResult, error) {
	open, err := d.source.OpenCount(owner, itemType, date)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open count for %s/%s: %w", owner, itemType, err)
	}
	if open > 0 {
		return nil, nil
	}

	var (
		reason string
		amount int64
		what   string
	)
	switch itemType {
	case ItemTask:
		reason, amount, what = models.ReasonDailyTasksComplete, d.rewards.DailyTasks, "tasks"
	case ItemReminder:
		reason, amount, what = models.ReasonDailyRemindersDone, d.rewards.DailyReminders, "reminders"
	default:
		return nil, fmt.Errorf("dispatch: unknown item type %q", itemType)
	}

	res, err := d.ledger.Grant(owner, reason, amount,
		fmt.Sprintf("all %s for %s complete", what, date.Format("2006-01-02")))
	if err != nil {
		return nil, fmt.Errorf("dispatch: grant: %w", err)
	}
	return res, nil
}
