// Package referral credits referrers with bonus days and counts who they brought in.
// The referrer of an account lives in its panel note and nowhere else.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Asort97/averraBot/clients/marzban"
	"github.com/Asort97/averraBot/services/note"
)

// Accounts is the part of the panel the ledger needs.
type Accounts interface {
	GetUser(ctx context.Context, telegramID int64) (*marzban.User, error)
	ExtendDays(ctx context.Context, telegramID int64, days int) (*marzban.User, error)
	ListReferrals(ctx context.Context, referrerID int64) ([]marzban.User, error)
	SetNote(ctx context.Context, telegramID int64, text string) bool
}

var ErrSelfReferral = errors.New("referral: account cannot refer itself")

// BonusDays is 30% of the purchase, rounded down, never less than a day.
func BonusDays(purchasedDays int) int {
	return max(1, purchasedDays*3/10)
}

// Bonus describes one accrual.
type Bonus struct {
	ReferrerID int64
	Days       int
	Referrer   *marzban.User
}

type Ledger struct {
	accounts Accounts
	logger   *slog.Logger
}

func NewLedger(accounts Accounts, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{accounts: accounts, logger: logger.With("component", "referral")}
}

// Accrue extends the referrer named in payerNote by BonusDays(purchasedDays).
// It reports false when the note names no referrer or names the payer.
func (l *Ledger) Accrue(ctx context.Context, payerID int64, payerNote string, purchasedDays int) (Bonus, bool, error) {
	referrerID, ok := note.ReferrerID(payerNote)
	if !ok || referrerID == payerID {
		return Bonus{}, false, nil
	}

	days := BonusDays(purchasedDays)
	u, err := l.accounts.ExtendDays(ctx, referrerID, days)
	if err != nil {
		return Bonus{}, false, fmt.Errorf("referral bonus for %d: %w", referrerID, err)
	}

	l.logger.InfoContext(ctx, "referral bonus credited",
		"referrer_id", referrerID, "payer_id", payerID, "days", days)
	return Bonus{ReferrerID: referrerID, Days: days, Referrer: u}, true, nil
}

// Count is the number of accounts whose note names referrerID.
func (l *Ledger) Count(ctx context.Context, referrerID int64) (int, error) {
	referred, err := l.accounts.ListReferrals(ctx, referrerID)
	if err != nil {
		return 0, err
	}
	return len(referred), nil
}

// List returns the accounts referred by referrerID.
func (l *Ledger) List(ctx context.Context, referrerID int64) ([]marzban.User, error) {
	return l.accounts.ListReferrals(ctx, referrerID)
}

// Repair rewrites the referrer of an existing account. Admin use only: normal
// attribution is written once when the account is created.
func (l *Ledger) Repair(ctx context.Context, telegramID, referrerID int64) error {
	if telegramID == referrerID {
		return ErrSelfReferral
	}
	u, err := l.accounts.GetUser(ctx, telegramID)
	if err != nil {
		return err
	}
	if !l.accounts.SetNote(ctx, telegramID, note.WithReferrer(u.Note, referrerID)) {
		return fmt.Errorf("referral: note update for %d failed", telegramID)
	}
	l.logger.InfoContext(ctx, "referrer repaired", "telegram_id", telegramID, "referrer_id", referrerID)
	return nil
}

// PendingStore persists attributions across restarts.
type PendingStore interface {
	Put(ctx context.Context, telegramID, referrerID int64) error
	Get(ctx context.Context, telegramID int64) (int64, error)
	Delete(ctx context.Context, telegramID int64) error
}

// Pending holds referrers captured from deep links until the referred user's
// account is created. Entries are written through to store; process memory
// covers a store that is nil or failing.
type Pending struct {
	store  PendingStore
	logger *slog.Logger

	mu   sync.Mutex
	byID map[int64]int64
}

func NewPending(store PendingStore, logger *slog.Logger) *Pending {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pending{store: store, logger: logger.With("component", "referral"), byID: make(map[int64]int64)}
}

// Set remembers referrerID for telegramID. Self referrals and invalid ids are ignored.
func (p *Pending) Set(ctx context.Context, telegramID, referrerID int64) bool {
	if referrerID <= 0 || referrerID == telegramID {
		return false
	}
	p.mu.Lock()
	p.byID[telegramID] = referrerID
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.Put(ctx, telegramID, referrerID); err != nil {
			p.logger.ErrorContext(ctx, "persist pending referral failed",
				"telegram_id", telegramID, "referrer_id", referrerID, "error", err)
		}
	}
	return true
}

// Get returns the remembered referrer, 0 if none.
func (p *Pending) Get(ctx context.Context, telegramID int64) int64 {
	p.mu.Lock()
	referrerID, ok := p.byID[telegramID]
	p.mu.Unlock()
	if ok || p.store == nil {
		return referrerID
	}

	referrerID, err := p.store.Get(ctx, telegramID)
	if err != nil {
		p.logger.WarnContext(ctx, "load pending referral failed", "telegram_id", telegramID, "error", err)
		return 0
	}
	return referrerID
}

func (p *Pending) Forget(ctx context.Context, telegramID int64) {
	p.mu.Lock()
	delete(p.byID, telegramID)
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.Delete(ctx, telegramID); err != nil {
			p.logger.WarnContext(ctx, "drop pending referral failed", "telegram_id", telegramID, "error", err)
		}
	}
}
