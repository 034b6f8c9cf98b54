package cycle

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkrell/bonfire/internal/ledger"
	"github.com/mkrell/bonfire/internal/models"
	"github.com/mkrell/bonfire/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cycle-test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Session{}, &models.SessionStep{}, &models.LedgerEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, session.NewStore(db), ledger.New(db), 10), db
}

func TestCreatePhase_StartsRunning(t *testing.T) {
	e, _ := newTestEngine(t)

	sess, err := e.CreatePhase("alice", "write report", "red", models.PhaseFocus, 1500, "", 1)
	if err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	if sess.Status != models.StatusRunning {
		t.Errorf("Status = %q, want running", sess.Status)
	}
	if sess.StartedAt == nil {
		t.Error("StartedAt should be set")
	}
	if sess.CycleGroupID == "" {
		t.Error("CycleGroupID should be minted")
	}
	if sess.Kind != models.KindFocusCycle {
		t.Errorf("Kind = %q", sess.Kind)
	}
}

func TestCreatePhase_Validation(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.CreatePhase("alice", "x", "", "nap", 100, "", 1); err == nil {
		t.Error("expected error for invalid phase")
	}
	if _, err := e.CreatePhase("alice", "x", "", models.PhaseFocus, 0, "", 1); err == nil {
		t.Error("expected error for zero duration")
	}
}

func TestCreatePhase_RejectsSecondActive(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.CreatePhase("alice", "one", "", models.PhaseFocus, 1500, "", 1); err != nil {
		t.Fatal(err)
	}
	_, err := e.CreatePhase("alice", "two", "", models.PhaseFocus, 1500, "", 1)
	if !errors.Is(err, session.ErrConflictingActiveSession) {
		t.Errorf("second create = %v, want ErrConflictingActiveSession", err)
	}
}

// Planned 1500s focus phase, paused at 600s elapsed, resumed 30s later,
// completed at 900s of true running time.
func TestComplete_PauseResumeScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	t0 := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	now := t0
	e.now = func() time.Time { return now }

	sess, err := e.CreatePhase("alice", "deep work", "", models.PhaseFocus, 1500, "", 1)
	if err != nil {
		t.Fatal(err)
	}

	now = t0.Add(600 * time.Second)
	if _, err := e.Pause(sess.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	now = t0.Add(630 * time.Second)
	if _, err := e.Resume(sess.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	now = t0.Add(930 * time.Second) // 900s running + 30s paused
	res, err := e.Complete(sess.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if res.ElapsedSeconds != 900 {
		t.Errorf("ElapsedSeconds = %d, want 900", res.ElapsedSeconds)
	}
	if res.Session.TotalPausedSeconds != 30 {
		t.Errorf("TotalPausedSeconds = %d, want 30", res.Session.TotalPausedSeconds)
	}
	if res.CycleCompleted {
		t.Error("focus alone should not complete the cycle")
	}
	if res.RewardGranted {
		t.Error("no reward without a completed break phase")
	}
}

func completePair(t *testing.T, e *Engine, owner string) *CompletionResult {
	t.Helper()
	// Either completion order closes the cycle; this helper finishes the
	// break first.
	br, err := e.CreatePhase(owner, "rest", "", models.PhaseBreak, 300, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Complete(br.ID); err != nil {
		t.Fatal(err)
	}
	fo, err := e.CreatePhase(owner, "work", "", models.PhaseFocus, 1500, br.CycleGroupID, 1)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Complete(fo.ID)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestComplete_CyclePairGrantsOnce(t *testing.T) {
	e, db := newTestEngine(t)

	res := completePair(t, e, "alice")
	if !res.CycleCompleted {
		t.Fatal("cycle should be completed")
	}
	if !res.RewardGranted {
		t.Error("first cycle of the day should grant")
	}
	if res.Balance != 10 {
		t.Errorf("Balance = %d, want 10", res.Balance)
	}

	// Same day, second full cycle: idempotent.
	res2 := completePair(t, e, "alice")
	if !res2.CycleCompleted {
		t.Fatal("second cycle should still be completed")
	}
	if res2.RewardGranted {
		t.Error("second cycle same day should not grant")
	}
	if !res2.AlreadyGranted {
		t.Error("second cycle should report AlreadyGranted")
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Where("reason_code = ?", models.ReasonCycleComplete).Count(&count)
	if count != 1 {
		t.Errorf("cycle-completion entries = %d, want 1", count)
	}
}

func TestComplete_BreakAloneNeverGrants(t *testing.T) {
	e, db := newTestEngine(t)

	// A break with no completed focus half in its group is not
	// reward-eligible.
	br, err := e.CreatePhase("alice", "rest", "", models.PhaseBreak, 300, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Complete(br.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CycleCompleted || res.RewardGranted {
		t.Error("unpaired break completion must not complete the cycle or grant")
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Count(&count)
	if count != 0 {
		t.Errorf("ledger entries = %d, want 0", count)
	}
}

// The natural order: focus completes first, the break completion closes the
// cycle and collects the reward.
func TestComplete_FocusThenBreakCompletesCycle(t *testing.T) {
	e, db := newTestEngine(t)

	fo, err := e.CreatePhase("alice", "work", "", models.PhaseFocus, 1500, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	foRes, err := e.Complete(fo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if foRes.CycleCompleted || foRes.RewardGranted {
		t.Error("focus alone should not complete the cycle")
	}

	br, err := e.CreatePhase("alice", "rest", "", models.PhaseBreak, 300, fo.CycleGroupID, 1)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Complete(br.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CycleCompleted {
		t.Fatal("break completing the pairing should complete the cycle")
	}
	if !res.RewardGranted {
		t.Error("completing the cycle should grant")
	}
	if res.Balance != 10 {
		t.Errorf("Balance = %d, want 10", res.Balance)
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Where("reason_code = ?", models.ReasonCycleComplete).Count(&count)
	if count != 1 {
		t.Errorf("cycle-completion entries = %d, want 1", count)
	}
}

func TestCancel_BreakForfeitsCycle(t *testing.T) {
	e, db := newTestEngine(t)

	br, err := e.CreatePhase("alice", "rest", "", models.PhaseBreak, 300, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Cancel(br.ID); err != nil {
		t.Fatal(err)
	}

	fo, err := e.CreatePhase("alice", "work", "", models.PhaseFocus, 1500, br.CycleGroupID, 1)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Complete(fo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CycleCompleted {
		t.Error("cancelled break must not count toward the cycle")
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Count(&count)
	if count != 0 {
		t.Errorf("ledger entries = %d, want 0", count)
	}
}

func TestComplete_TerminalRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	sess, err := e.CreatePhase("alice", "work", "", models.PhaseFocus, 100, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Complete(sess.ID); err != nil {
		t.Fatal(err)
	}
	_, err = e.Complete(sess.ID)
	if !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("second complete = %v, want ErrInvalidTransition", err)
	}
}

func TestComplete_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Complete("no-such-session")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Complete = %v, want ErrSessionNotFound", err)
	}
}

// Two parallel requests both complete the same reward-eligible focus phase:
// exactly one wins the transition and exactly one cycle-completion ledger
// entry exists afterward.
func TestComplete_ConcurrentGrantRace(t *testing.T) {
	e, db := newTestEngine(t)

	br, err := e.CreatePhase("alice", "rest", "", models.PhaseBreak, 300, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Complete(br.ID); err != nil {
		t.Fatal(err)
	}
	fo, err := e.CreatePhase("alice", "work", "", models.PhaseFocus, 1500, br.CycleGroupID, 1)
	if err != nil {
		t.Fatal(err)
	}

	var completions, granted int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Complete(fo.ID)
			switch {
			case err == nil:
				atomic.AddInt64(&completions, 1)
				if res.RewardGranted {
					atomic.AddInt64(&granted, 1)
				}
			case errors.Is(err, session.ErrInvalidTransition),
				errors.Is(err, session.ErrStoreConflict):
				// expected for the losers
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if completions != 1 {
		t.Errorf("completions = %d, want exactly 1", completions)
	}
	if granted != 1 {
		t.Errorf("grants = %d, want exactly 1", granted)
	}
	var count int64
	db.Model(&models.LedgerEntry{}).Where("reason_code = ?", models.ReasonCycleComplete).Count(&count)
	if count != 1 {
		t.Errorf("cycle-completion entries = %d, want exactly 1", count)
	}
}

func TestActive(t *testing.T) {
	e, _ := newTestEngine(t)

	got, err := e.Active("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected no active session")
	}

	sess, err := e.CreatePhase("alice", "work", "", models.PhaseFocus, 1500, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	got, err = e.Active("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != sess.ID {
		t.Errorf("Active = %+v, want session %s", got, sess.ID)
	}
}
