// Package decomp implements the decomposed-task engine: one timed session
// broken into an ordered list of named steps. Advancement is always an
// explicit client action; the engine never auto-advances a step whose
// planned time has run out.
package decomp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkrell/bonfire/internal/ledger"
	"github.com/mkrell/bonfire/internal/models"
	"github.com/mkrell/bonfire/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoMoreSteps: advance called past the final step.
var ErrNoMoreSteps = errors.New("no more steps")

// casRetries matches the session store's conflict retry budget.
const casRetries = 3

// StepPlan is one planned step, as supplied by the step-content collaborator
// or a caller fallback.
type StepPlan struct {
	Name           string `json:"name"`
	PlannedSeconds int64  `json:"planned_seconds"`
	Order          int    `json:"order"`
}

// ValidateSteps checks that a step list is usable: at least one step, every
// planned duration at least 1s, orders a contiguous 0..n-1 permutation.
// Returns a list of validation problems, empty if valid.
func ValidateSteps(steps []StepPlan) []string {
	var errs []string
	if len(steps) == 0 {
		errs = append(errs, "at least one step is required")
		return errs
	}
	seen := make(map[int]bool)
	for i, s := range steps {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("steps[%d]: name is required", i))
		}
		if s.PlannedSeconds < 1 {
			errs = append(errs, fmt.Sprintf("steps[%d] (%s): planned seconds must be at least 1", i, s.Name))
		}
		if s.Order < 0 || s.Order >= len(steps) {
			errs = append(errs, fmt.Sprintf("steps[%d] (%s): order %d out of range 0-%d", i, s.Name, s.Order, len(steps)-1))
			continue
		}
		if seen[s.Order] {
			errs = append(errs, fmt.Sprintf("steps[%d] (%s): duplicate order %d", i, s.Name, s.Order))
		}
		seen[s.Order] = true
	}
	return errs
}

// Engine runs decomposed-task sessions.
type Engine struct {
	db           *gorm.DB
	store        *session.Store
	ledger       *ledger.Ledger
	rewardAmount int64

	// now is swappable for tests.
	now func() time.Time
}

// New returns an Engine. rewardAmount is the coin grant for finishing a
// session (config.Rewards.DecomposedComplete).
func New(db *gorm.DB, store *session.Store, lg *ledger.Ledger, rewardAmount int64) *Engine {
	return &Engine{db: db, store: store, ledger: lg, rewardAmount: rewardAmount, now: time.Now}
}

// Metrics are the performance numbers computed when a session finishes.
type Metrics struct {
	// Efficiency is planned/actual for the whole session, capped at 1 when
	// the user finished early.
	Efficiency float64 `json:"efficiency"`
	// StepAccuracy is the mean over steps of min(1, planned/actual), where a
	// step's actual time is the gap between consecutive step completions.
	StepAccuracy float64 `json:"step_accuracy"`
}

// AdvanceResult reports one advancement. Done is set when the final step was
// just completed; Metrics is only present then.
type AdvanceResult struct {
	Session        *models.Session
	Step           *models.SessionStep
	Done           bool
	Metrics        *Metrics
	RewardGranted  bool
	AlreadyGranted bool
	Balance        int64
}

// Create stores a new decomposed session in ready state. Steps are
// validated, sorted by order, and persisted with the session.
func (e *Engine) Create(owner, label, color string, steps []StepPlan) (*models.Session, error) {
	if problems := ValidateSteps(steps); len(problems) > 0 {
		return nil, fmt.Errorf("decomp: invalid steps: %s", strings.Join(problems, "; "))
	}

	ordered := make([]models.SessionStep, len(steps))
	var total int64
	for _, s := range steps {
		ordered[s.Order] = models.SessionStep{
			Name:           s.Name,
			PlannedSeconds: s.PlannedSeconds,
			Order:          s.Order,
		}
		total += s.PlannedSeconds
	}

	sess := &models.Session{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		Kind:           models.KindDecomposed,
		Status:         models.StatusReady,
		Label:          label,
		Color:          color,
		PlannedSeconds: total,
		Steps:          ordered,
	}
	if err := e.store.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Start begins the session: step 0's timer is anchored at the session's
// StartedAt; per-step elapsed is derived, never separately clocked. The
// single-active invariant is re-checked here because decomposed sessions sit
// in ready state between create and start.
func (e *Engine) Start(id string) (*models.Session, error) {
	now := e.now()
	var out *models.Session
	err := e.withConflictRetry(func() error {
		return e.db.Transaction(func(tx *gorm.DB) error {
			st := e.store.WithTx(tx)
			sess, err := st.Get(id)
			if err != nil {
				return err
			}
			// Locked read, same reason as the store's create-time check:
			// two concurrent starts must not both count zero.
			var count int64
			if err := tx.Model(&models.Session{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("owner_id = ? AND kind = ? AND status IN ? AND id <> ?",
					sess.OwnerID, models.KindDecomposed,
					[]string{models.StatusRunning, models.StatusPaused}, id).
				Count(&count).Error; err != nil {
				return fmt.Errorf("decomp: check active: %w", err)
			}
			if count > 0 {
				return session.ErrConflictingActiveSession
			}
			updated, err := st.CompareAndSwap(id, func(s *models.Session) error {
				if s.Kind != models.KindDecomposed {
					return fmt.Errorf("%w: session %s is not a decomposed session", session.ErrInvalidTransition, id)
				}
				return session.Apply(s, session.EventStart, now)
			})
			if err != nil {
				return err
			}
			out = updated
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Advance completes the current step. Completing the final step finishes the
// session, computes metrics, and requests the daily-limited completion
// reward. The step row update and the session compare-and-swap share one
// transaction so a lost race rolls back both.
func (e *Engine) Advance(id string) (*AdvanceResult, error) {
	now := e.now()
	var res *AdvanceResult
	err := e.withConflictRetry(func() error {
		r, err := e.advanceOnce(id, now)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Done {
		grant, err := e.ledger.Grant(res.Session.OwnerID, models.ReasonDecomposedComplete,
			e.rewardAmount, fmt.Sprintf("finished decomposed task %q", res.Session.Label))
		if err != nil {
			return nil, fmt.Errorf("decomp: reward: %w", err)
		}
		res.RewardGranted = !grant.AlreadyGranted
		res.AlreadyGranted = grant.AlreadyGranted
		res.Balance = grant.Balance
	}
	return res, nil
}

func (e *Engine) advanceOnce(id string, now time.Time) (*AdvanceResult, error) {
	var res AdvanceResult
	err := e.db.Transaction(func(tx *gorm.DB) error {
		st := e.store.WithTx(tx)
		sess, err := st.Get(id)
		if err != nil {
			return err
		}
		if sess.Kind != models.KindDecomposed {
			return fmt.Errorf("%w: session %s is not a decomposed session", session.ErrInvalidTransition, id)
		}
		if sess.Status != models.StatusRunning {
			return fmt.Errorf("%w: cannot advance a %s session", session.ErrInvalidTransition, sess.Status)
		}
		idx := sess.CurrentStepIndex
		if idx >= len(sess.Steps) {
			return fmt.Errorf("%w: all %d steps are complete", ErrNoMoreSteps, len(sess.Steps))
		}

		step := sess.Steps[idx]
		if err := tx.Model(&models.SessionStep{}).
			Where("session_id = ? AND step_order = ?", id, idx).
			Updates(map[string]interface{}{"completed": true, "completed_at": now}).Error; err != nil {
			return fmt.Errorf("decomp: complete step %d: %w", idx, err)
		}
		step.Completed = true
		t := now
		step.CompletedAt = &t

		last := idx == len(sess.Steps)-1
		updated, err := st.CompareAndSwap(id, func(s *models.Session) error {
			s.CurrentStepIndex = idx + 1
			if last {
				return session.Apply(s, session.EventComplete, now)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated.Steps = sess.Steps
		updated.Steps[idx] = step

		res = AdvanceResult{Session: updated, Step: &updated.Steps[idx], Done: last}
		if last {
			res.Metrics = computeMetrics(updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Complete finishes the session by advancing through its final step. With
// earlier steps still outstanding it rejects rather than bulk-completing, so
// step ordering stays honest.
func (e *Engine) Complete(id string) (*AdvanceResult, error) {
	sess, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Kind != models.KindDecomposed {
		return nil, fmt.Errorf("%w: session %s is not a decomposed session", session.ErrInvalidTransition, id)
	}
	if sess.CurrentStepIndex != len(sess.Steps)-1 {
		return nil, fmt.Errorf("%w: %d steps remain", session.ErrInvalidTransition,
			len(sess.Steps)-sess.CurrentStepIndex)
	}
	return e.Advance(id)
}

// Pause pauses a running session.
func (e *Engine) Pause(id string) (*models.Session, error) {
	return e.store.Transition(id, models.KindDecomposed, session.EventPause, e.now())
}

// Resume resumes a paused session.
func (e *Engine) Resume(id string) (*models.Session, error) {
	return e.store.Transition(id, models.KindDecomposed, session.EventResume, e.now())
}

// Cancel cancels the session. Completed steps stay recorded; no reward is
// ever issued for a cancelled session.
func (e *Engine) Cancel(id string) (*models.Session, error) {
	return e.store.Transition(id, models.KindDecomposed, session.EventCancel, e.now())
}

// Active returns the owner's running or paused decomposed session, nil when
// none exists.
func (e *Engine) Active(owner string) (*models.Session, error) {
	return e.store.Active(owner, models.KindDecomposed)
}

func (e *Engine) withConflictRetry(op func() error) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrStoreConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// computeMetrics derives efficiency and step accuracy for a finished
// session. Step k's actual time is the wall-clock gap between step k-1's
// completion (session start for step 0) and step k's completion.
func computeMetrics(sess *models.Session) *Metrics {
	m := &Metrics{Efficiency: 1, StepAccuracy: 1}
	if sess.StartedAt == nil || sess.CompletedAt == nil {
		return m
	}

	actual := sess.CompletedAt.Sub(*sess.StartedAt).Seconds() - float64(sess.TotalPausedSeconds)
	if actual > 0 {
		m.Efficiency = float64(sess.PlannedSeconds) / actual
		if m.Efficiency > 1 {
			m.Efficiency = 1
		}
	}

	var sum float64
	var counted int
	prev := *sess.StartedAt
	for _, step := range sess.Steps {
		if !step.Completed || step.CompletedAt == nil {
			continue
		}
		gap := step.CompletedAt.Sub(prev).Seconds()
		prev = *step.CompletedAt
		acc := 1.0
		if gap > 0 {
			acc = float64(step.PlannedSeconds) / gap
			if acc > 1 {
				acc = 1
			}
		}
		sum += acc
		counted++
	}
	if counted > 0 {
		m.StepAccuracy = sum / float64(counted)
	}
	return m
}
