// Package reminder warns users whose subscription ends within a day. Each
// account is reminded at most once per calendar day; the day is remembered in
// the account's panel note.
package reminder

import (
	"context"
	"log/slog"
	"time"

	"github.com/Asort97/averraBot/clients/marzban"
	"github.com/Asort97/averraBot/services/note"
)

const window = 24 * time.Hour

type Accounts interface {
	ListUsers(ctx context.Context) ([]marzban.User, error)
	SetNote(ctx context.Context, telegramID int64, text string) bool
}

// Notifier delivers the reminder to the user.
type Notifier interface {
	Remind(ctx context.Context, telegramID int64, expire time.Time) error
}

type Scheduler struct {
	accounts Accounts
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(accounts Accounts, notifier Notifier, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		accounts: accounts,
		notifier: notifier,
		logger:   logger.With("component", "reminder"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Due reports whether u should get a reminder at now.
func Due(u marzban.User, now time.Time) bool {
	if u.Status != marzban.StatusActive || u.Expire.IsZero() {
		return false
	}
	if !u.Expire.After(now) || u.Expire.After(now.Add(window)) {
		return false
	}
	return !note.NotifiedOn(u.Note, now)
}

// Run sends one pass of reminders and returns how many were delivered. Only a
// failed listing is an error; per-account failures are logged and skipped.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	users, err := s.accounts.ListUsers(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list users for reminders failed", "error", err)
		return 0, err
	}

	now := s.now()
	sent := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if !Due(u, now) {
			continue
		}

		if err := s.notifier.Remind(ctx, u.TelegramID, u.Expire); err != nil {
			s.logger.WarnContext(ctx, "send reminder failed", "telegram_id", u.TelegramID, "error", err)
			continue
		}
		sent++

		if !s.accounts.SetNote(ctx, u.TelegramID, note.WithDayMarker(u.Note, now)) {
			s.logger.WarnContext(ctx, "stamp reminder day failed", "telegram_id", u.TelegramID)
		}
	}

	if sent > 0 {
		s.logger.InfoContext(ctx, "expiry reminders sent", "count", sent)
	}
	return sent, nil
}
