package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/mkrell/bonfire/internal/notify"
)

type captureSink struct {
	events []notify.ReminderDue
}

func (c *captureSink) ReminderDue(ev notify.ReminderDue) {
	c.events = append(c.events, ev)
}

func TestNewPoller_BadExpression(t *testing.T) {
	_, err := NewPoller("not a cron line", &fakeSource{}, &captureSink{})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTick_EmitsDueUnfinishedReminders(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{reminders: []Reminder{
		{ID: "r1", OwnerID: "alice", Title: "stretch", DueAt: now.Add(-time.Minute)},
		{ID: "r2", OwnerID: "alice", Title: "water", DueAt: now.Add(-time.Hour), Done: true},
		{ID: "r3", OwnerID: "bob", Title: "standup", DueAt: now.Add(-time.Second)},
	}}
	sink := &captureSink{}

	p, err := NewPoller("* * * * *", src, sink)
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return now }

	if err := p.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2 (done reminders skipped)", len(sink.events))
	}
	if sink.events[0].ItemID != "r1" || sink.events[1].ItemID != "r3" {
		t.Errorf("events = %+v", sink.events)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p, err := NewPoller("* * * * *", &fakeSource{}, &captureSink{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}
