// Package ledger implements the append-only reward ledger: an idempotent
// daily-limited grant, a balance-checked spend, and balance/history reads.
// Every write runs inside one transaction, and daily-limited grants are
// additionally backed by the unique index on dedupe_key so a racing
// duplicate insert is reported as AlreadyGranted rather than paid twice.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/mkrell/bonfire/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientBalance: spend amount exceeds the current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount: amounts must be positive integers.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrUnknownReason: reason code not in the reward table.
	ErrUnknownReason = errors.New("unknown reason code")
)

// dailyLimited lists the reason codes credited at most once per owner per
// calendar day.
var dailyLimited = map[string]bool{
	models.ReasonCycleComplete:      true,
	models.ReasonDecomposedComplete: true,
	models.ReasonDailyTasksComplete: true,
	models.ReasonDailyRemindersDone: true,
	models.ReasonDailyLogin:         true,
}

// earnReasons and spendReasons are the accepted codes per entry type.
var earnReasons = map[string]bool{
	models.ReasonCycleComplete:      true,
	models.ReasonDecomposedComplete: true,
	models.ReasonDailyTasksComplete: true,
	models.ReasonDailyRemindersDone: true,
	models.ReasonDailyLogin:         true,
	models.ReasonAdminAdjust:        true,
}

var spendReasons = map[string]bool{
	models.ReasonItemPurchase: true,
	models.ReasonAdminAdjust:  true,
}

// DailyLimited reports whether a reason code carries the once-per-day limit.
func DailyLimited(reason string) bool {
	return dailyLimited[reason]
}

// DedupeKey builds the owner|reason|YYYY-MM-DD composite for a daily-limited
// grant. The day comes from the server clock, never from the client.
func DedupeKey(owner, reason string, day time.Time) string {
	return fmt.Sprintf("%s|%s|%s", owner, reason, day.Format("2006-01-02"))
}

// Ledger appends entries and reads balances.
type Ledger struct {
	db *gorm.DB

	// now is swappable for tests.
	now func() time.Time
}

// New returns a Ledger backed by the given GORM connection.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// GrantResult reports the outcome of a grant. AlreadyGranted is a successful
// no-op: the entry is the prior day's-first grant and Balance its
// balance-after.
type GrantResult struct {
	Entry          *models.LedgerEntry
	AlreadyGranted bool
	Balance        int64
}

// SpendResult reports the outcome of a spend.
type SpendResult struct {
	Entry   *models.LedgerEntry
	Balance int64
}

// Grant credits amount to owner for reason. Daily-limited reasons are
// idempotent per calendar day: the first call appends an entry, later calls
// the same day return AlreadyGranted with the first entry's balance. Safe
// under concurrent calls with the same key; exactly one entry is appended.
func (l *Ledger) Grant(owner, reason string, amount int64, description string) (*GrantResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if !earnReasons[reason] {
		return nil, fmt.Errorf("%w: %q is not an earn reason", ErrUnknownReason, reason)
	}

	var key *string
	if DailyLimited(reason) {
		k := DedupeKey(owner, reason, l.now())
		key = &k
	}

	res, err := l.tryGrant(owner, reason, amount, description, key)
	if err != nil && key != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the insert race: the concurrent grant's entry is the grant of
		// record for today. Conflict-as-success.
		prior, readErr := l.entryByKey(*key)
		if readErr != nil {
			return nil, readErr
		}
		return &GrantResult{Entry: prior, AlreadyGranted: true, Balance: prior.BalanceAfter}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: grant %s/%s: %w", owner, reason, err)
	}
	return res, nil
}

func (l *Ledger) tryGrant(owner, reason string, amount int64, description string, key *string) (*GrantResult, error) {
	var result GrantResult
	err := l.db.Transaction(func(tx *gorm.DB) error {
		if key != nil {
			var prior models.LedgerEntry
			err := tx.Where("dedupe_key = ?", *key).First(&prior).Error
			if err == nil {
				result = GrantResult{Entry: &prior, AlreadyGranted: true, Balance: prior.BalanceAfter}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("lookup dedupe key: %w", err)
			}
		}

		balance, err := latestBalance(tx, owner)
		if err != nil {
			return err
		}
		entry := models.LedgerEntry{
			OwnerID:      owner,
			Type:         models.EntryEarn,
			Amount:       amount,
			ReasonCode:   reason,
			Description:  description,
			BalanceAfter: balance + amount,
			DedupeKey:    key,
			CreatedAt:    l.now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		result = GrantResult{Entry: &entry, Balance: entry.BalanceAfter}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Spend debits amount from owner. Rejects with ErrInsufficientBalance when
// the balance does not cover the amount; the balance is never driven
// negative. Spends carry no dedupe key.
func (l *Ledger) Spend(owner string, amount int64, reason, description string) (*SpendResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if !spendReasons[reason] {
		return nil, fmt.Errorf("%w: %q is not a spend reason", ErrUnknownReason, reason)
	}

	var result SpendResult
	err := l.db.Transaction(func(tx *gorm.DB) error {
		balance, err := latestBalance(tx, owner)
		if err != nil {
			return err
		}
		if amount > balance {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amount)
		}
		entry := models.LedgerEntry{
			OwnerID:      owner,
			Type:         models.EntrySpend,
			Amount:       amount,
			ReasonCode:   reason,
			Description:  description,
			BalanceAfter: balance - amount,
			CreatedAt:    l.now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		result = SpendResult{Entry: &entry, Balance: entry.BalanceAfter}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: spend %s/%s: %w", owner, reason, err)
	}
	return &result, nil
}

// Balance returns the owner's current balance: the latest entry's
// balance-after, zero with no entries.
func (l *Ledger) Balance(owner string) (int64, error) {
	balance, err := latestBalance(l.db, owner)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", owner, err)
	}
	return balance, nil
}

// List returns one page of the owner's entries, newest first, plus the total
// entry count. Page is 1-based; pageSize defaults to 20 and caps at 100.
func (l *Ledger) List(owner string, page, pageSize int) ([]models.LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var total int64
	if err := l.db.Model(&models.LedgerEntry{}).Where("owner_id = ?", owner).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ledger: count %s: %w", owner, err)
	}

	var entries []models.LedgerEntry
	err := l.db.Where("owner_id = ?", owner).
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: list %s: %w", owner, err)
	}
	return entries, total, nil
}

func (l *Ledger) entryByKey(key string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := l.db.Where("dedupe_key = ?", key).First(&entry).Error; err != nil {
		return nil, fmt.Errorf("ledger: entry by key: %w", err)
	}
	return &entry, nil
}

// latestBalance reads the newest entry's balance-after for the owner within
// the given handle (connection or transaction). The read takes a row lock
// (SELECT ... FOR UPDATE) so concurrent writers in a transaction serialize
// on InnoDB instead of both passing the balance check against the same
// repeatable-read snapshot. sqlite locks the whole database on write and its
// driver drops the clause.
func latestBalance(db *gorm.DB, owner string) (int64, error) {
	var entry models.LedgerEntry
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", owner).Order("id DESC").First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("latest balance: %w", err)
	}
	return entry.BalanceAfter, nil
}
