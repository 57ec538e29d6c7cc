package main

import (
	"fmt"
	"io"
	"log/slog"

	jsonstore "github.com/Asort97/averraBot/clients/jsonStore"
	"github.com/Asort97/averraBot/clients/marzban"
	"github.com/Asort97/averraBot/clients/telegram"
	yoomoney "github.com/Asort97/averraBot/clients/yooMoney"
	"github.com/Asort97/averraBot/config"
	"github.com/Asort97/averraBot/services/billing"
	"github.com/Asort97/averraBot/services/referral"
	"github.com/Asort97/averraBot/services/reminder"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// app holds the long-lived clients and stores every command works with.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	panel       *marzban.Client
	yoomoney    *yoomoney.Client
	promos      *jsonstore.PromoStore
	ledger      *jsonstore.PaymentLedger
	referrals   *referral.Ledger
	pending     *referral.Pending
	maintenance *maintenance
}

func wireApp(cfg *config.Config, logger *slog.Logger) *app {
	accounts := marzban.New(cfg.MarzbanBaseURL, cfg.MarzbanUsername, cfg.MarzbanPassword, marzban.WithLogger(logger))
	return &app{
		cfg:         cfg,
		logger:      logger,
		panel:       accounts,
		yoomoney:    yoomoney.New(cfg.YooMoneyWalletID, cfg.YooMoneySecret, cfg.PayeeName, cfg.YooMoneySuccessURL),
		promos:      jsonstore.NewPromoStore(cfg.PromoCodesFile),
		ledger:      jsonstore.NewPaymentLedger(cfg.PaymentsLedgerFile),
		referrals:   referral.NewLedger(accounts, logger),
		pending:     referral.NewPending(jsonstore.NewAttributionStore(cfg.PendingReferralFile), logger),
		maintenance: newMaintenance(cfg.MaintenanceFlagFile),
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// connectTelegram connects to the Bot API and wraps it for outgoing messages.
func (a *app) connectTelegram() (*tgbotapi.BotAPI, *telegram.Client, error) {
	api, err := tgbotapi.NewBotAPI(a.cfg.BotToken)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to telegram: %w", err)
	}
	a.logger.Info("authorized on telegram", "bot", api.Self.UserName)
	return api, telegram.New(api, a.logger), nil
}

func (a *app) processor(tg *telegram.Client, n *notifier) *billing.Processor {
	return billing.New(billing.Deps{
		Accounts:  a.panel,
		Verifier:  a.yoomoney,
		Ledger:    a.ledger,
		Referrals: a.referrals,
		Pending:   a.pending,
		Promos:    a.promos,
		Notifier:  n,
		Handles:   tg,
		Plans:     a.cfg.Plans,
		Logger:    a.logger,
	})
}

func (a *app) reminders(n *notifier) *reminder.Scheduler {
	return reminder.New(a.panel, n, a.logger)
}

func (a *app) buildBot(tg *telegram.Client, processor *billing.Processor, botUsername string) *bot {
	return newBot(botDeps{
		Messenger:   tg,
		Panel:       a.panel,
		Promos:      a.promos,
		Redeemer:    processor,
		Payments:    a.yoomoney,
		History:     a.ledger,
		Referrals:   a.referrals,
		Pending:     a.pending,
		Maintenance: a.maintenance,
		Config:      a.cfg,
		BotUsername: botUsername,
		Logger:      a.logger,
	})
}
