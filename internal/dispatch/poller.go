package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/mkrell/bonfire/internal/notify"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Poller periodically re-checks reminder due-times and emits reminder-due
// events. It holds no state between ticks, so it can be cancelled and
// restarted freely without affecting session or ledger correctness.
type Poller struct {
	schedule cron.Schedule
	source   ItemSource
	sink     notify.Sink

	// now is swappable for tests.
	now func() time.Time
}

// NewPoller parses the 5-field cron expression and returns a Poller.
func NewPoller(expr string, source ItemSource, sink notify.Sink) (*Poller, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse schedule %q: %w", expr, err)
	}
	return &Poller{schedule: sched, source: source, sink: sink, now: time.Now}, nil
}

// Run blocks until ctx is cancelled, ticking on the cron schedule. Tick
// errors are logged and the loop keeps going.
func (p *Poller) Run(ctx context.Context) {
	for {
		next := p.schedule.Next(p.now())
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := p.Tick(); err != nil {
			log.Printf("poller: %v", err)
		}
	}
}

// Tick runs one poll pass: every overdue, unfinished reminder produces one
// reminder-due event.
func (p *Poller) Tick() error {
	now := p.now()
	due, err := p.source.DueReminders(now)
	if err != nil {
		return fmt.Errorf("due reminders: %w", err)
	}
	for _, r := range due {
		if r.Done {
			continue
		}
		p.sink.ReminderDue(notify.ReminderDue{
			OwnerID: r.OwnerID,
			ItemID:  r.ID,
			Title:   r.Title,
			DueAt:   r.DueAt,
		})
	}
	return nil
}
