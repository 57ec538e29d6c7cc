// Package billing turns verified payment notifications and promo codes into
// subscription days on the panel.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	jsonstore "github.com/Asort97/averraBot/clients/jsonStore"
	"github.com/Asort97/averraBot/clients/marzban"
	yoomoney "github.com/Asort97/averraBot/clients/yooMoney"
	"github.com/Asort97/averraBot/config"
	"github.com/Asort97/averraBot/services/note"
	"github.com/Asort97/averraBot/services/referral"
)

var (
	ErrBadSignature = errors.New("billing: notification signature mismatch")
	ErrBadLabel     = errors.New("billing: malformed payment label")
	ErrUnknownPlan  = errors.New("billing: unknown plan")
	ErrNotAccepted  = errors.New("billing: payment not accepted by provider")
	ErrUnderpaid    = errors.New("billing: paid amount below plan price")
)

type Accounts interface {
	GetUser(ctx context.Context, telegramID int64) (*marzban.User, error)
	CreateUser(ctx context.Context, telegramID int64, days int, userNote string) (*marzban.User, error)
	ExtendDays(ctx context.Context, telegramID int64, days int) (*marzban.User, error)
}

type Verifier interface {
	Verify(n yoomoney.Notification) bool
}

type Ledger interface {
	Reserve(ctx context.Context, key string, p jsonstore.Payment) (bool, error)
	Release(ctx context.Context, key string) error
	Complete(ctx context.Context, key string) error
}

type Referrals interface {
	Accrue(ctx context.Context, payerID int64, payerNote string, purchasedDays int) (referral.Bonus, bool, error)
}

// Attribution hands out referrers remembered from deep links.
type Attribution interface {
	Get(ctx context.Context, telegramID int64) int64
	Forget(ctx context.Context, telegramID int64)
}

type Promos interface {
	Consume(ctx context.Context, code string) (string, error)
	Restore(ctx context.Context, code, planKey string) error
}

// Notifier tells users about credited days. Delivery is best effort.
type Notifier interface {
	PaymentCredited(ctx context.Context, telegramID int64, plan config.Plan, u *marzban.User) error
	ReferralBonus(ctx context.Context, bonus referral.Bonus) error
}

// Handles resolves the display handle stored in a new account's note.
type Handles interface {
	Handle(ctx context.Context, telegramID int64) string
}

type Processor struct {
	accounts  Accounts
	verifier  Verifier
	ledger    Ledger
	referrals Referrals
	pending   Attribution
	promos    Promos
	notifier  Notifier
	handles   Handles
	plans     config.Catalog
	logger    *slog.Logger
}

type Deps struct {
	Accounts  Accounts
	Verifier  Verifier
	Ledger    Ledger
	Referrals Referrals
	Pending   Attribution
	Promos    Promos
	Notifier  Notifier
	Handles   Handles
	Plans     config.Catalog
	Logger    *slog.Logger
}

func New(d Deps) *Processor {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		accounts:  d.Accounts,
		verifier:  d.Verifier,
		ledger:    d.Ledger,
		referrals: d.Referrals,
		pending:   d.Pending,
		promos:    d.Promos,
		notifier:  d.Notifier,
		handles:   d.Handles,
		plans:     d.Plans,
		logger:    logger.With("component", "billing"),
	}
}

// Result is the outcome of a processed notification.
type Result struct {
	TelegramID int64
	Plan       config.Plan
	User       *marzban.User
	Created    bool
	// Duplicate is set for a notification that was already processed; nothing was credited.
	Duplicate bool
	Bonus     *referral.Bonus
}

// Process handles one YooMoney notification. A nil error means the provider
// can be told OK, including for duplicates of a completed payment. A delivery
// racing an unfinished one gets jsonstore.ErrPaymentInProgress so the
// provider retries.
func (p *Processor) Process(ctx context.Context, n yoomoney.Notification) (Result, error) {
	if !p.verifier.Verify(n) {
		p.logger.WarnContext(ctx, "rejected notification", "reason", "signature", "operation_id", n.OperationID)
		return Result{}, ErrBadSignature
	}

	label, ok := yoomoney.ParseLabel(n.Label)
	if !ok {
		p.logger.WarnContext(ctx, "rejected notification", "reason", "label", "label", n.Label)
		return Result{}, ErrBadLabel
	}

	plan, ok := p.plans.Lookup(label.PlanKey)
	if !ok {
		p.logger.WarnContext(ctx, "rejected notification", "reason", "plan", "plan", label.PlanKey)
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPlan, label.PlanKey)
	}

	// The label comes from the payer's form, so the sum has to back it.
	if paid, ok := paidAmount(n); ok && paid+0.005 < plan.Price {
		p.logger.WarnContext(ctx, "rejected notification", "reason", "amount",
			"operation_id", n.OperationID, "paid", paid, "price", plan.Price)
		return Result{}, fmt.Errorf("%w: %.2f < %.2f", ErrUnderpaid, paid, plan.Price)
	}

	if !n.Accepted() {
		p.logger.WarnContext(ctx, "rejected notification", "reason", "not accepted",
			"operation_id", n.OperationID, "codepro", n.Codepro, "unaccepted", n.Unaccepted)
		return Result{}, ErrNotAccepted
	}

	res := Result{TelegramID: label.TelegramID, Plan: plan}

	key := n.OperationID
	if key == "" {
		key = n.Label
	}
	reserved, err := p.ledger.Reserve(ctx, key, jsonstore.Payment{
		Label:      n.Label,
		TelegramID: label.TelegramID,
		PlanKey:    plan.Key,
	})
	if errors.Is(err, jsonstore.ErrPaymentInProgress) {
		p.logger.InfoContext(ctx, "notification for payment in progress", "key", key, "telegram_id", label.TelegramID)
		return Result{}, err
	}
	if err != nil {
		return Result{}, fmt.Errorf("reserve payment %s: %w", key, err)
	}
	if !reserved {
		p.logger.InfoContext(ctx, "duplicate notification acknowledged", "key", key, "telegram_id", label.TelegramID)
		res.Duplicate = true
		return res, nil
	}

	u, created, err := p.Credit(ctx, label.TelegramID, plan.Days)
	if err != nil {
		if relErr := p.ledger.Release(ctx, key); relErr != nil {
			p.logger.ErrorContext(ctx, "release payment reservation failed", "key", key, "error", relErr)
		}
		return Result{}, err
	}
	res.User, res.Created = u, created

	if err := p.ledger.Complete(ctx, key); err != nil {
		p.logger.ErrorContext(ctx, "complete payment failed", "key", key, "error", err)
	}

	p.logger.InfoContext(ctx, "payment credited",
		"telegram_id", label.TelegramID, "plan", plan.Key, "created", created, "expire", u.Expire)

	if p.notifier != nil {
		if err := p.notifier.PaymentCredited(ctx, label.TelegramID, plan, u); err != nil {
			p.logger.WarnContext(ctx, "payment notice failed", "telegram_id", label.TelegramID, "error", err)
		}
	}

	res.Bonus = p.accrue(ctx, label.TelegramID, u.Note, plan.Days)
	return res, nil
}

// Credit adds days to the account, creating it first if the panel does not know
// it yet. It reports whether the account was created.
func (p *Processor) Credit(ctx context.Context, telegramID int64, days int) (*marzban.User, bool, error) {
	_, err := p.accounts.GetUser(ctx, telegramID)
	switch {
	case err == nil:
		u, err := p.accounts.ExtendDays(ctx, telegramID, days)
		if err != nil {
			return nil, false, fmt.Errorf("extend %d: %w", telegramID, err)
		}
		return u, false, nil
	case errors.Is(err, marzban.ErrUserNotFound):
	default:
		return nil, false, fmt.Errorf("look up %d: %w", telegramID, err)
	}

	var referrerID int64
	if p.pending != nil {
		referrerID = p.pending.Get(ctx, telegramID)
	}
	var handle string
	if p.handles != nil {
		handle = p.handles.Handle(ctx, telegramID)
	}

	u, err := p.accounts.CreateUser(ctx, telegramID, days, note.Build(referrerID, handle))
	if err != nil {
		return nil, false, fmt.Errorf("create %d: %w", telegramID, err)
	}
	if p.pending != nil {
		p.pending.Forget(ctx, telegramID)
	}
	return u, true, nil
}

// RedeemPromo spends code and credits its plan. The code is put back when the
// panel could not be credited. Promo days earn no referral bonus.
func (p *Processor) RedeemPromo(ctx context.Context, telegramID int64, code string) (config.Plan, *marzban.User, error) {
	planKey, err := p.promos.Consume(ctx, code)
	if err != nil {
		return config.Plan{}, nil, err
	}

	plan, ok := p.plans.Lookup(planKey)
	if !ok {
		p.logger.WarnContext(ctx, "promo for retired plan", "plan", planKey)
		return config.Plan{}, nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planKey)
	}

	u, _, err := p.Credit(ctx, telegramID, plan.Days)
	if err != nil {
		if restoreErr := p.promos.Restore(ctx, code, planKey); restoreErr != nil {
			p.logger.ErrorContext(ctx, "restore promo failed", "plan", planKey, "error", restoreErr)
		}
		return config.Plan{}, nil, err
	}

	p.logger.InfoContext(ctx, "promo redeemed", "telegram_id", telegramID, "plan", planKey)
	return plan, u, nil
}

// paidAmount is what the payer was charged: withdraw_amount when present,
// amount (net of provider fee) otherwise.
func paidAmount(n yoomoney.Notification) (float64, bool) {
	raw := n.WithdrawAmount
	if raw == "" {
		raw = n.Amount
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *Processor) accrue(ctx context.Context, payerID int64, payerNote string, days int) *referral.Bonus {
	if p.referrals == nil {
		return nil
	}
	bonus, ok, err := p.referrals.Accrue(ctx, payerID, payerNote, days)
	if err != nil {
		p.logger.ErrorContext(ctx, "referral bonus failed", "payer_id", payerID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	if p.notifier != nil {
		if err := p.notifier.ReferralBonus(ctx, bonus); err != nil {
			p.logger.WarnContext(ctx, "referral notice failed", "referrer_id", bonus.ReferrerID, "error", err)
		}
	}
	return &bonus
}
