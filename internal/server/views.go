package server

import (
	"time"

	"github.com/mkrell/bonfire/internal/models"
	"github.com/mkrell/bonfire/internal/session"
)

// sessionView is the wire shape of a session. Variant fields are omitted
// when empty so focus-cycle and decomposed responses stay clean.
type sessionView struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	Kind               string     `json:"kind"`
	Status             string     `json:"status"`
	Label              string     `json:"label,omitempty"`
	Color              string     `json:"color,omitempty"`
	PlannedSeconds     int64      `json:"planned_seconds"`
	ElapsedSeconds     int64      `json:"elapsed_seconds"`
	RemainingSeconds   int64      `json:"remaining_seconds"`
	TotalPausedSeconds int64      `json:"total_paused_seconds"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`

	Phase         string `json:"phase,omitempty"`
	CyclePosition int    `json:"cycle_position,omitempty"`
	CycleGroupID  string `json:"cycle_group_id,omitempty"`

	CurrentStepIndex int        `json:"current_step_index,omitempty"`
	Steps            []stepView `json:"steps,omitempty"`
}

type stepView struct {
	Name           string     `json:"name"`
	PlannedSeconds int64      `json:"planned_seconds"`
	Order          int        `json:"order"`
	Completed      bool       `json:"completed"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type entryView struct {
	ID           uint      `json:"id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	ReasonCode   string    `json:"reason_code"`
	Description  string    `json:"description,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

func toSessionView(s *models.Session, now time.Time) sessionView {
	v := sessionView{
		ID:                 s.ID,
		OwnerID:            s.OwnerID,
		Kind:               s.Kind,
		Status:             s.Status,
		Label:              s.Label,
		Color:              s.Color,
		PlannedSeconds:     s.PlannedSeconds,
		ElapsedSeconds:     session.Elapsed(s, now),
		RemainingSeconds:   session.Remaining(s, now),
		TotalPausedSeconds: s.TotalPausedSeconds,
		CreatedAt:          s.CreatedAt,
		StartedAt:          s.StartedAt,
		PausedAt:           s.PausedAt,
		CompletedAt:        s.CompletedAt,
	}
	switch s.Kind {
	case models.KindFocusCycle:
		v.Phase = s.Phase
		v.CyclePosition = s.CyclePosition
		v.CycleGroupID = s.CycleGroupID
	case models.KindDecomposed:
		v.CurrentStepIndex = s.CurrentStepIndex
		v.Steps = make([]stepView, 0, len(s.Steps))
		for _, st := range s.Steps {
			v.Steps = append(v.Steps, stepView{
				Name:           st.Name,
				PlannedSeconds: st.PlannedSeconds,
				Order:          st.Order,
				Completed:      st.Completed,
				CompletedAt:    st.CompletedAt,
			})
		}
	}
	return v
}

func toEntryView(e *models.LedgerEntry) entryView {
	return entryView{
		ID:           e.ID,
		Type:         e.Type,
		Amount:       e.Amount,
		ReasonCode:   e.ReasonCode,
		Description:  e.Description,
		BalanceAfter: e.BalanceAfter,
		CreatedAt:    e.CreatedAt,
	}
}
