package dispatch

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mkrell/bonfire/internal/config"
	"github.com/mkrell/bonfire/internal/ledger"
	"github.com/mkrell/bonfire/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeSource struct {
	mu        sync.Mutex
	open      map[string]int // owner|itemType -> open count
	reminders []Reminder
	err       error
}

func (f *fakeSource) OpenCount(owner, itemType string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.open[owner+"|"+itemType], nil
}

func (f *fakeSource) DueReminders(time.Time) ([]Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.reminders, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSource, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch-test.db")
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
	src := &fakeSource{open: make(map[string]int)}
	d := New(src, ledger.New(db), config.Default().Rewards)
	return d, src, db
}

func TestOnItemCompleted_ItemsRemainOpen(t *testing.T) {
	d, src, db := newTestDispatcher(t)
	src.open["alice|task"] = 2

	res, err := d.OnItemCompleted("alice", ItemTask, time.Now())
	if err != nil {
		t.Fatalf("OnItemCompleted: %v", err)
	}
	if res != nil {
		t.Errorf("res = %+v, want nil while items remain open", res)
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Count(&count)
	if count != 0 {
		t.Errorf("ledger entries = %d, want 0", count)
	}
}

func TestOnItemCompleted_AllDoneGrants(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	res, err := d.OnItemCompleted("alice", ItemTask, time.Now())
	if err != nil {
		t.Fatalf("OnItemCompleted: %v", err)
	}
	if res == nil || res.AlreadyGranted {
		t.Fatalf("res = %+v, want fresh grant", res)
	}
	if res.Entry.ReasonCode != models.ReasonDailyTasksComplete {
		t.Errorf("ReasonCode = %q", res.Entry.ReasonCode)
	}
	if res.Balance != config.Default().Rewards.DailyTasks {
		t.Errorf("Balance = %d, want %d", res.Balance, config.Default().Rewards.DailyTasks)
	}
}

// Re-evaluating on every completion is safe: later callbacks the same day
// are idempotent no-ops.
func TestOnItemCompleted_RepeatedEvaluationIdempotent(t *testing.T) {
	d, _, db := newTestDispatcher(t)

	for i := 0; i < 3; i++ {
		res, err := d.OnItemCompleted("alice", ItemReminder, time.Now())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res == nil {
			t.Fatalf("call %d: nil result", i)
		}
		if (i == 0) == res.AlreadyGranted {
			t.Errorf("call %d: AlreadyGranted = %v", i, res.AlreadyGranted)
		}
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Count(&count)
	if count != 1 {
		t.Errorf("ledger entries = %d, want exactly 1", count)
	}
}

func TestOnItemCompleted_TasksAndRemindersIndependent(t *testing.T) {
	d, _, db := newTestDispatcher(t)

	if _, err := d.OnItemCompleted("alice", ItemTask, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.OnItemCompleted("alice", ItemReminder, time.Now()); err != nil {
		t.Fatal(err)
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Count(&count)
	if count != 2 {
		t.Errorf("ledger entries = %d, want 2 (one per item type)", count)
	}
}

func TestOnItemCompleted_UnknownItemType(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.OnItemCompleted("alice", "chore", time.Now())
	if err == nil {
		t.Fatal("expected error for unknown item type")
	}
}

func TestOnItemCompleted_SourceError(t *testing.T) {
	d, src, _ := newTestDispatcher(t)
	src.err = errors.New("collaborator down")
	_, err := d.OnItemCompleted("alice", ItemTask, time.Now())
	if err == nil {
		t.Fatal("expected source error to propagate")
	}
}
