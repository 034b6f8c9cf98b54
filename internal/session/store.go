package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/mkrell/bonfire/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// casRetries is the fixed retry budget for optimistic-lock conflicts before
// ErrStoreConflict surfaces to the caller.
const casRetries = 3

// Store persists sessions. All mutations go through CompareAndSwap; blind
// overwrites are not offered.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store backed by the given GORM connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the given transaction. Engines use this to
// combine a session compare-and-swap with side-table writes (step rows) in
// one atomic region.
func (st *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Create inserts a new session. Inside one transaction it first checks for a
// running or paused session of the same kind for the owner; a racing second
// create must lose with ErrConflictingActiveSession, never produce two
// active sessions.
func (st *Store) Create(sess *models.Session) error {
	err := st.db.Transaction(func(tx *gorm.DB) error {
		// Locked read: without FOR UPDATE, InnoDB's repeatable-read snapshot
		// lets two concurrent creates both count zero active sessions and
		// both insert. sqlite's driver drops the clause.
		var count int64
		if err := tx.Model(&models.Session{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ? AND kind = ? AND status IN ?",
				sess.OwnerID, sess.Kind, []string{models.StatusRunning, models.StatusPaused}).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check active: %w", err)
		}
		if count > 0 {
			return ErrConflictingActiveSession
		}
		if sess.Version == 0 {
			sess.Version = 1
		}
		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflictingActiveSession) {
			return err
		}
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get loads a session by id, steps included in step order.
func (st *Store) Get(id string) (*models.Session, error) {
	var sess models.Session
	err := st.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&sess, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return &sess, nil
}

// Active returns the owner's running or paused session of the given kind, or
// nil when there is none.
func (st *Store) Active(owner, kind string) (*models.Session, error) {
	var sess models.Session
	err := st.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).Where("owner_id = ? AND kind = ? AND status IN ?",
		owner, kind, []string{models.StatusRunning, models.StatusPaused}).
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: active %s/%s: %w", owner, kind, err)
	}
	return &sess, nil
}

// ListByOwner returns the owner's sessions created in [from, to), newest
// first. Zero times drop the corresponding bound.
func (st *Store) ListByOwner(owner string, from, to time.Time) ([]models.Session, error) {
	q := st.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).Where("owner_id = ?", owner)
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to)
	}
	var sessions []models.Session
	if err := q.Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session: list %s: %w", owner, err)
	}
	return sessions, nil
}

// CompareAndSwap re-reads the session, applies mutate, and writes it back
// only if the stored version is unchanged. A lost race returns
// ErrStoreConflict; mutate errors pass through untouched.
func (st *Store) CompareAndSwap(id string, mutate func(*models.Session) error) (*models.Session, error) {
	sess, err := st.Get(id)
	if err != nil {
		return nil, err
	}
	expected := sess.Version

	if err := mutate(sess); err != nil {
		return nil, err
	}

	res := st.db.Model(&models.Session{}).
		Where("id = ? AND version = ?", id, expected).
		Updates(map[string]interface{}{
			"status":               sess.Status,
			"started_at":           sess.StartedAt,
			"paused_at":            sess.PausedAt,
			"completed_at":         sess.CompletedAt,
			"total_paused_seconds": sess.TotalPausedSeconds,
			"current_step_index":   sess.CurrentStepIndex,
			"version":              expected + 1,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("session: cas %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: session %s version %d", ErrStoreConflict, id, expected)
	}
	sess.Version = expected + 1
	return sess, nil
}

// Transition applies one state-machine event through CompareAndSwap,
// retrying lost races up to the fixed budget. Kind guards an engine from
// driving the other engine's sessions.
func (st *Store) Transition(id, kind string, ev Event, now time.Time) (*models.Session, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		sess, err := st.CompareAndSwap(id, func(s *models.Session) error {
			if s.Kind != kind {
				return fmt.Errorf("%w: session %s is not a %s session", ErrInvalidTransition, id, kind)
			}
			return Apply(s, ev, now)
		})
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrStoreConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
