package models

import "time"

// Session kinds.
const (
	KindFocusCycle = "focus_cycle"
	KindDecomposed = "decomposed"
)

// Session statuses.
const (
	StatusReady     = "ready"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Focus-cycle phases.
const (
	PhaseFocus = "focus"
	PhaseBreak = "break"
)

// Session is one timed activity instance. Kind selects which variant fields
// are meaningful: focus-cycle sessions use Phase/CyclePosition/CycleGroupID,
// decomposed sessions use CurrentStepIndex/Steps.
type Session struct {
	ID                 string `gorm:"primaryKey;size:36"`
	OwnerID            string `gorm:"size:64;not null;index;index:idx_owner_created"`
	Kind               string `gorm:"size:16;not null;index"`
	Status             string `gorm:"size:16;default:ready;index"`
	Version            int64  `gorm:"not null;default:1"`
	Label              string `gorm:"size:255"`
	Color              string `gorm:"size:32"`
	PlannedSeconds     int64  `gorm:"not null"`
	TotalPausedSeconds int64  `gorm:"not null;default:0"`
	CreatedAt          time.Time `gorm:"index:idx_owner_created"`
	StartedAt          *time.Time
	PausedAt           *time.Time
	CompletedAt        *time.Time

	// Focus-cycle variant.
	Phase         string `gorm:"size:8"`
	CyclePosition int    `gorm:"default:0"`
	CycleGroupID  string `gorm:"size:36;index"`

	// Decomposed variant.
	CurrentStepIndex int           `gorm:"default:0"`
	Steps            []SessionStep `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// SessionStep is one named step of a decomposed session. Steps are completed
// strictly in Order.
type SessionStep struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	SessionID      string `gorm:"size:36;not null;index;uniqueIndex:idx_session_order"`
	Name           string `gorm:"size:255;not null"`
	PlannedSeconds int64  `gorm:"not null"`
	Order          int    `gorm:"column:step_order;not null;uniqueIndex:idx_session_order"`
	Completed      bool   `gorm:"default:false"`
	CompletedAt    *time.Time
}
