package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/Asort97/averraBot/clients/marzban"
	"github.com/Asort97/averraBot/config"
	"github.com/Asort97/averraBot/services/billing"
	"github.com/Asort97/averraBot/services/referral"
)

// notifier delivers the messages the bot sends on its own: payment receipts,
// referral bonuses, expiry reminders and admin notices.
type notifier struct {
	msg        messenger
	admins     []int64
	supportURL string
	logger     *slog.Logger
}

func newNotifier(msg messenger, admins []int64, supportURL string, logger *slog.Logger) *notifier {
	return &notifier{msg: msg, admins: admins, supportURL: supportURL, logger: logger.With("component", "notifier")}
}

func (n *notifier) PaymentCredited(_ context.Context, telegramID int64, plan config.Plan, u *marzban.User) error {
	_, err := n.msg.SendText(telegramID, paymentCreditedText(plan, u), mainMenuKeyboard(true, n.supportURL))
	return err
}

func (n *notifier) ReferralBonus(_ context.Context, bonus referral.Bonus) error {
	_, err := n.msg.SendText(bonus.ReferrerID, referralBonusText(bonus), nil)
	return err
}

func (n *notifier) Remind(_ context.Context, telegramID int64, expire time.Time) error {
	_, err := n.msg.SendText(telegramID, reminderText(expire), renewKeyboard())
	return err
}

// PaymentProcessed tells every admin about a credited payment.
func (n *notifier) PaymentProcessed(ctx context.Context, res billing.Result) {
	n.toAdmins(ctx, adminPaymentText(res))
}

func (n *notifier) toAdmins(ctx context.Context, text string) {
	for _, id := range n.admins {
		if _, err := n.msg.SendText(id, text, nil); err != nil {
			n.logger.WarnContext(ctx, "admin notice failed", "admin_id", id, "error", err)
		}
	}
}
