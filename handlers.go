package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsonstore "github.com/Asort97/averraBot/clients/jsonStore"
	"github.com/Asort97/averraBot/clients/marzban"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const referralArgPrefix = "ref_"

func (b *bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	if referrerID, ok := parseReferralArg(msg.CommandArguments()); ok {
		if b.pending.Set(ctx, userID, referrerID) {
			b.logger.InfoContext(ctx, "referral link used", "telegram_id", userID, "referrer_id", referrerID)
		}
	}

	b.resetSession(msg.Chat.ID)
	b.showMainMenu(ctx, msg.Chat.ID, userID)
}

// parseReferralArg reads the deep-link payload of /start ref_<id>.
func parseReferralArg(arg string) (int64, bool) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(arg), referralArgPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (b *bot) referralLink(telegramID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%d", b.username, referralArgPrefix, telegramID)
}

func (b *bot) showMainMenu(ctx context.Context, chatID, userID int64) {
	active := b.panel.LookupUser(ctx, userID).ActiveAt(b.now())
	_ = b.updateSessionText(chatID, composeMenuText(), mainMenuKeyboard(active, b.cfg.SupportURL))
}

func (b *bot) showSubscription(ctx context.Context, chatID, userID int64) {
	u, err := b.panel.GetUser(ctx, userID)
	switch {
	case errors.Is(err, marzban.ErrUserNotFound):
		_ = b.updateSessionText(chatID, "ℹ️ У вас пока нет подписки.\n\n"+plansText, plansKeyboard(b.cfg.Plans))
		return
	case err != nil:
		b.logger.ErrorContext(ctx, "load subscription failed", "telegram_id", userID, "error", err)
		_ = b.updateSessionText(chatID, genericErrText, singleBackKeyboard(cbMenu))
		return
	}

	now := b.now()
	active := u.ActiveAt(now)
	_ = b.updateSessionText(chatID, subscriptionText(u, now), subscriptionKeyboard(active, b.cfg.InstructionURL))
}

func (b *bot) showPlans(chatID int64) {
	_ = b.updateSessionText(chatID, plansText, plansKeyboard(b.cfg.Plans))
}

// showPayment renders the pay button for planKey. It reports false for an unknown plan.
func (b *bot) showPayment(ctx context.Context, chatID, userID int64, planKey string) bool {
	plan, ok := b.cfg.Plans.Lookup(planKey)
	if !ok {
		return false
	}
	payURL, label := b.payments.PaymentURL(plan.Price, userID, plan.Key)
	b.logger.InfoContext(ctx, "payment link issued", "telegram_id", userID, "plan", plan.Key, "label", label.String())
	_ = b.updateSessionText(chatID, paymentText(plan), paymentKeyboard(payURL))
	return true
}

func (b *bot) showReferral(ctx context.Context, chatID, userID int64) {
	invited, err := b.referrals.Count(ctx, userID)
	if err != nil {
		b.logger.ErrorContext(ctx, "count referrals failed", "telegram_id", userID, "error", err)
		_ = b.updateSessionText(chatID, genericErrText, singleBackKeyboard(cbMenu))
		return
	}
	_ = b.updateSessionText(chatID, referralText(b.referralLink(userID), invited), singleBackKeyboard(cbMenu))
}

func (b *bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	b.resetSession(chatID)

	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		_ = b.updateSessionText(chatID, promoUsageText, singleBackKeyboard(cbMenu))
		return
	}
	if !b.canProceedKey(userID, "promo", 3*time.Second) {
		b.reply(chatID, "⏳ Подождите пару секунд и попробуйте снова.")
		return
	}

	plan, u, err := b.redeemer.RedeemPromo(ctx, userID, code)
	switch {
	case errors.Is(err, jsonstore.ErrCodeNotFound):
		_ = b.updateSessionText(chatID, promoBadText, singleBackKeyboard(cbMenu))
	case err != nil:
		b.logger.ErrorContext(ctx, "redeem promo failed", "telegram_id", userID, "error", err)
		_ = b.updateSessionText(chatID, genericErrText, singleBackKeyboard(cbMenu))
	default:
		_ = b.updateSessionText(chatID, promoRedeemedText(plan, u), mainMenuKeyboard(true, b.cfg.SupportURL))
	}
}
