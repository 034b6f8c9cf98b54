// Package notify emits reminder-due events. Emission only: delivery to a
// device is someone else's job. All sinks are best-effort; failures are
// logged, never returned into the engine.
package notify

import (
	"fmt"
	"log"
	"time"

	"github.com/slack-go/slack"
	"github.com/mkrell/bonfire/internal/config"
)

// ReminderDue is one due-reminder event.
type ReminderDue struct {
	OwnerID string
	ItemID  string
	Title   string
	DueAt   time.Time
}

// Sink receives reminder-due events.
type Sink interface {
	ReminderDue(ev ReminderDue)
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) ReminderDue(ev ReminderDue) {
	log.Printf("reminder due: owner=%s item=%s title=%q due=%s",
		ev.OwnerID, ev.ItemID, ev.Title, ev.DueAt.Format(time.RFC3339))
}

// SlackSink posts events to a Slack incoming webhook.
type SlackSink struct {
	WebhookURL string
}

func (s SlackSink) ReminderDue(ev ReminderDue) {
	if s.WebhookURL == "" {
		return
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("Reminder due for %s: %s", ev.OwnerID, ev.Title),
	}
	if err := slack.PostWebhook(s.WebhookURL, msg); err != nil {
		log.Printf("notify: slack webhook failed: %v", err)
	}
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) ReminderDue(ev ReminderDue) {
	for _, s := range m {
		s.ReminderDue(ev)
	}
}

// FromConfig builds the configured sink set. The log sink is always on; the
// Slack sink joins when a webhook URL is configured.
func FromConfig(cfg config.NotifyConfig) Sink {
	sinks := Multi{LogSink{}}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, SlackSink{WebhookURL: cfg.SlackWebhookURL})
	}
	return sinks
}
