// Package session implements the shared session state machine and the
// versioned session store. Both engines (focus cycles and decomposed tasks)
// drive their sessions exclusively through this package's transitions and
// compare-and-swap updates.
package session

import (
	"fmt"
	"time"

	"github.com/mkrell/bonfire/internal/models"
)

// Event is a requested state transition.
type Event string

const (
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == models.StatusCompleted || status == models.StatusCancelled
}

// IsActive reports whether a status counts against the single-active-session
// invariant.
func IsActive(status string) bool {
	return status == models.StatusRunning || status == models.StatusPaused
}

// Apply performs one transition on the session in place. It is pure with
// respect to storage: callers persist the result through the Store.
//
//	ready   --start-->    running   (StartedAt = now)
//	running --pause-->    paused    (PausedAt = now)
//	paused  --resume-->   running   (TotalPausedSeconds += now-PausedAt)
//	running --complete--> completed (CompletedAt = now)
//	ready/running/paused --cancel--> cancelled (CompletedAt = now)
func Apply(s *models.Session, ev Event, now time.Time) error {
	if IsTerminal(s.Status) {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.Status)
	}

	switch ev {
	case EventStart:
		if s.Status != models.StatusReady {
			return transitionErr(s, ev)
		}
		s.Status = models.StatusRunning
		t := now
		s.StartedAt = &t
	case EventPause:
		if s.Status != models.StatusRunning {
			return transitionErr(s, ev)
		}
		s.Status = models.StatusPaused
		t := now
		s.PausedAt = &t
	case EventResume:
		if s.Status != models.StatusPaused || s.PausedAt == nil {
			return transitionErr(s, ev)
		}
		s.TotalPausedSeconds += int64(now.Sub(*s.PausedAt).Seconds())
		s.Status = models.StatusRunning
		s.PausedAt = nil
	case EventComplete:
		if s.Status != models.StatusRunning {
			return transitionErr(s, ev)
		}
		s.Status = models.StatusCompleted
		t := now
		s.CompletedAt = &t
	case EventCancel:
		s.Status = models.StatusCancelled
		t := now
		s.CompletedAt = &t
	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
	}
	return nil
}

func transitionErr(s *models.Session, ev Event) error {
	return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidTransition, ev, s.Status)
}

// Elapsed returns the running time of the session in seconds at the given
// instant: wall time since start minus accumulated pause time, clamped to
// [0, PlannedSeconds]. Paused sessions measure up to PausedAt; terminal
// sessions up to CompletedAt.
func Elapsed(s *models.Session, now time.Time) int64 {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.Status == models.StatusPaused && s.PausedAt != nil {
		end = *s.PausedAt
	}
	if IsTerminal(s.Status) && s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	elapsed := int64(end.Sub(*s.StartedAt).Seconds()) - s.TotalPausedSeconds
	if elapsed < 0 {
		return 0
	}
	if elapsed > s.PlannedSeconds {
		return s.PlannedSeconds
	}
	return elapsed
}

// Remaining returns PlannedSeconds minus Elapsed.
func Remaining(s *models.Session, now time.Time) int64 {
	return s.PlannedSeconds - Elapsed(s, now)
}
