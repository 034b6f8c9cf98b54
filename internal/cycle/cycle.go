// Package cycle implements the focus-cycle engine: alternating focus/break
// phases grouped into cycles, with a daily-limited reward when a cycle's
// both halves complete.
package cycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkrell/bonfire/internal/ledger"
	"github.com/mkrell/bonfire/internal/models"
	"github.com/mkrell/bonfire/internal/session"
	"gorm.io/gorm"
)

// Engine runs focus-cycle sessions.
type Engine struct {
	db           *gorm.DB
	store        *session.Store
	ledger       *ledger.Ledger
	rewardAmount int64

	// now is swappable for tests.
	now func() time.Time
}

// New returns an Engine. rewardAmount is the coin grant for a completed
// cycle (config.Rewards.CycleComplete).
func New(db *gorm.DB, store *session.Store, lg *ledger.Ledger, rewardAmount int64) *Engine {
	return &Engine{db: db, store: store, ledger: lg, rewardAmount: rewardAmount, now: time.Now}
}

// CompletionResult reports a phase completion. CycleCompleted is set only
// when a focus phase completes and its paired break phase is already
// completed; that is the one reward-eligible event.
type CompletionResult struct {
	Session        *models.Session
	ElapsedSeconds int64
	CycleCompleted bool
	RewardGranted  bool
	AlreadyGranted bool
	Balance        int64
}

// CreatePhase starts a new phase session for the owner. The phase begins
// running immediately; phase timing is the whole point of the session, so
// there is no separate ready step. An empty cycleGroupID mints a new cycle
// group (the usual case for a focus phase); a break phase passes its focus
// phase's group id. Rejects with ErrConflictingActiveSession when the owner
// already has a running or paused focus-cycle session.
func (e *Engine) CreatePhase(owner, label, color, phase string, plannedSeconds int64, cycleGroupID string, cyclePosition int) (*models.Session, error) {
	if phase != models.PhaseFocus && phase != models.PhaseBreak {
		return nil, fmt.Errorf("cycle: invalid phase %q", phase)
	}
	if plannedSeconds < 1 {
		return nil, fmt.Errorf("cycle: planned seconds must be at least 1, got %d", plannedSeconds)
	}
	if cycleGroupID == "" {
		cycleGroupID = uuid.NewString()
	}
	if cyclePosition < 1 {
		cyclePosition = 1
	}

	now := e.now()
	sess := &models.Session{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		Kind:           models.KindFocusCycle,
		Status:         models.StatusRunning,
		Label:          label,
		Color:          color,
		PlannedSeconds: plannedSeconds,
		Phase:          phase,
		CyclePosition:  cyclePosition,
		CycleGroupID:   cycleGroupID,
		StartedAt:      &now,
	}
	if err := e.store.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Pause pauses a running phase.
func (e *Engine) Pause(id string) (*models.Session, error) {
	return e.store.Transition(id, models.KindFocusCycle, session.EventPause, e.now())
}

// Resume resumes a paused phase, folding the pause span into
// TotalPausedSeconds.
func (e *Engine) Resume(id string) (*models.Session, error) {
	return e.store.Transition(id, models.KindFocusCycle, session.EventResume, e.now())
}

// Cancel cancels a phase. A cancelled phase forfeits its cycle pairing: the
// cycle can never complete and no reward is issued for it.
func (e *Engine) Cancel(id string) (*models.Session, error) {
	return e.store.Transition(id, models.KindFocusCycle, session.EventCancel, e.now())
}

// Complete finishes a running phase. When the other half of the cycle group
// is already completed, whichever order the halves finished in, the cycle is
// complete and the daily-limited cycle reward is requested. A lone half
// never grants.
func (e *Engine) Complete(id string) (*CompletionResult, error) {
	now := e.now()
	sess, err := e.store.Transition(id, models.KindFocusCycle, session.EventComplete, now)
	if err != nil {
		return nil, err
	}

	res := &CompletionResult{
		Session:        sess,
		ElapsedSeconds: session.Elapsed(sess, now),
	}

	done, err := e.pairCompleted(sess)
	if err != nil {
		return nil, err
	}
	res.CycleCompleted = done

	if res.CycleCompleted {
		grant, err := e.ledger.Grant(sess.OwnerID, models.ReasonCycleComplete, e.rewardAmount,
			fmt.Sprintf("completed focus cycle %q", sess.Label))
		if err != nil {
			return nil, fmt.Errorf("cycle: reward: %w", err)
		}
		res.RewardGranted = !grant.AlreadyGranted
		res.AlreadyGranted = grant.AlreadyGranted
		res.Balance = grant.Balance
	}
	return res, nil
}

// Active returns the owner's running or paused focus-cycle session, nil when
// none exists.
func (e *Engine) Active(owner string) (*models.Session, error) {
	return e.store.Active(owner, models.KindFocusCycle)
}

// pairCompleted reports whether the opposite phase of the session's cycle
// group is completed.
func (e *Engine) pairCompleted(sess *models.Session) (bool, error) {
	other := models.PhaseBreak
	if sess.Phase == models.PhaseBreak {
		other = models.PhaseFocus
	}
	var count int64
	err := e.db.Model(&models.Session{}).
		Where("cycle_group_id = ? AND phase = ? AND status = ? AND id <> ?",
			sess.CycleGroupID, other, models.StatusCompleted, sess.ID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("cycle: check pair for group %s: %w", sess.CycleGroupID, err)
	}
	return count > 0, nil
}
