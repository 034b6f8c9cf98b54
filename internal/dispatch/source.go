package dispatch

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mkrell/bonfire/internal/models"
)

// PausedSessionSource is the ItemSource the server binary runs the poller
// with. The task and reminder collaborators live outside this service and
// report through the item-completed hook, so the only reminders this process
// can raise on its own are sessions the owner paused and walked away from.
type PausedSessionSource struct {
	db *gorm.DB

	// After is how long a session may sit paused before a reminder fires.
	After time.Duration
}

func NewPausedSessionSource(db *gorm.DB, after time.Duration) *PausedSessionSource {
	return &PausedSessionSource{db: db, After: after}
}

// OpenCount reports the owner's running or paused sessions. The itemType
// argument is ignored; sessions are the only items this source knows.
func (s *PausedSessionSource) OpenCount(owner, _ string, _ time.Time) (int, error) {
	var n int64
	err := s.db.Model(&models.Session{}).
		Where("owner_id = ? AND status IN ?",
			owner, []string{models.StatusRunning, models.StatusPaused}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("dispatch: count open sessions for %s: %w", owner, err)
	}
	return int(n), nil
}

// DueReminders returns one reminder per session that has been paused longer
// than After.
func (s *PausedSessionSource) DueReminders(now time.Time) ([]Reminder, error) {
	cutoff := now.Add(-s.After)
	var sessions []models.Session
	err := s.db.
		Where("status = ? AND paused_at IS NOT NULL AND paused_at <= ?",
			models.StatusPaused, cutoff).
		Order("paused_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("dispatch: stale paused sessions: %w", err)
	}

	reminders := make([]Reminder, 0, len(sessions))
	for _, sess := range sessions {
		title := sess.Label
		if title == "" {
			title = sess.Kind
		}
		reminders = append(reminders, Reminder{
			ID:      sess.ID,
			OwnerID: sess.OwnerID,
			Title:   fmt.Sprintf("still paused: %s", title),
			DueAt:   sess.PausedAt.Add(s.After),
		})
	}
	return reminders, nil
}
