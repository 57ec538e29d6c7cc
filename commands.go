package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	colorfulprint "github.com/Asort97/averraBot/clients/colorfulPrint"
	"github.com/Asort97/averraBot/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var panelKeys = []string{"MARZBAN_BASE_URL", "MARZBAN_USERNAME", "MARZBAN_PASSWORD"}

type cli struct {
	envFile string
	app     *app
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	serveCmd := newServeCmd(c)

	rootCmd := &cobra.Command{
		Use:           "averrabot",
		Short:         "Averra VPN bot: Telegram front end, YooMoney webhook and Marzban provisioning",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), c.envFile)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())
			c.app = wireApp(cfg, logger)
			return nil
		},
		RunE: serveCmd.RunE,
	}
	rootCmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	rootCmd.AddCommand(
		serveCmd,
		newRemindCmd(c),
		newPromoCmd(c),
		newReferralsCmd(c),
		newPaymentsCmd(c),
		newMaintenanceCmd(c),
	)
	return rootCmd
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the payment webhook and the reminder schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c.app)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	required := append([]string{"BOT_TOKEN", "YOOMONEY_WALLET_ID", "YOOMONEY_NOTIFICATION_SECRET"}, panelKeys...)
	if err := a.cfg.Require(required...); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, tg, err := a.connectTelegram()
	if err != nil {
		return err
	}
	notify := newNotifier(tg, a.cfg.AdminIDs, a.cfg.SupportURL, a.logger)
	processor := a.processor(tg, notify)

	srv := newHTTPServer(a.cfg.Addr(), newRouter(processor, notify, a.logger))
	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("webhook server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	sched := newScheduler(a.logger)
	if err := sched.Start(ctx, a.cfg.ReminderSchedule, a.reminders(notify)); err != nil {
		_ = srv.Close()
		return fmt.Errorf("schedule reminders: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query", "channel_post"}
	updates := api.GetUpdatesChan(u)

	b := a.buildBot(tg, processor, api.Self.UserName)
	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		b.Run(ctx, updates)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case runErr = <-srvErr:
		a.logger.Error("webhook server failed", "error", runErr)
	}
	stop()
	api.StopReceivingUpdates()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("webhook server shutdown failed", "error", err)
	}
	<-sched.Stop().Done()
	<-botDone

	a.logger.Info("stopped")
	return runErr
}

func newRemindCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Send expiry reminders once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := c.app
			if err := a.cfg.Require(append([]string{"BOT_TOKEN"}, panelKeys...)...); err != nil {
				return err
			}
			_, tg, err := a.connectTelegram()
			if err != nil {
				return err
			}
			sent, err := a.reminders(newNotifier(tg, a.cfg.AdminIDs, a.cfg.SupportURL, a.logger)).Run(cmd.Context())
			if err != nil {
				return colorfulprint.PrintError(cmd.OutOrStdout(), "send reminders", err)
			}
			colorfulprint.PrintState(cmd.OutOrStdout(), "sent %d reminders", sent)
			return nil
		},
	}
}

func newPromoCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promo",
		Short: "Manage one-time promo codes",
	}
	cmd.AddCommand(newPromoCreateCmd(c), newPromoListCmd(c))
	return cmd
}

func newPromoCreateCmd(c *cli) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "create <plan>",
		Short: "Create promo codes for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			out := cmd.OutOrStdout()
			plan, ok := a.cfg.Plans.Lookup(args[0])
			if !ok {
				return colorfulprint.PrintError(out, fmt.Sprintf("unknown plan %q (known: %v)", args[0], a.cfg.Plans.Keys()), nil)
			}
			if count < 1 {
				return colorfulprint.PrintError(out, "--count must be at least 1", nil)
			}
			for i := 0; i < count; i++ {
				code, err := a.promos.Create(cmd.Context(), plan.Key)
				if err != nil {
					return colorfulprint.PrintError(out, "create promo code", err)
				}
				colorfulprint.PrintField(out, plan.Key, code)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of codes to create")
	return cmd
}

func newPromoListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unused promo codes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			promos, err := c.app.promos.List(cmd.Context())
			if err != nil {
				return colorfulprint.PrintError(out, "list promo codes", err)
			}
			if len(promos) == 0 {
				colorfulprint.PrintWarning(out, "no promo codes")
				return nil
			}
			for _, p := range promos {
				colorfulprint.PrintField(out, p.Code, p.PlanKey)
			}
			return nil
		},
	}
}

func newReferralsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "referrals <telegram-id>",
		Short: "Show the accounts a user referred",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			out := cmd.OutOrStdout()
			id, ok := parseTelegramID(args[0])
			if !ok {
				return colorfulprint.PrintError(out, fmt.Sprintf("invalid telegram id %q", args[0]), nil)
			}
			if err := a.cfg.Require(panelKeys...); err != nil {
				return err
			}
			users, err := a.referrals.List(cmd.Context(), id)
			if err != nil {
				return colorfulprint.PrintError(out, "list referrals", err)
			}
			colorfulprint.PrintState(out, "%d referred by %d", len(users), id)
			for _, u := range users {
				colorfulprint.PrintField(out, u.Username, fmt.Sprintf("%s until %s", u.Status, formatDate(u.Expire)))
			}
			return nil
		},
	}
}

func newPaymentsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "payments",
		Short: "List processed payment notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			payments, err := c.app.ledger.List(cmd.Context())
			if err != nil {
				return colorfulprint.PrintError(out, "list payments", err)
			}
			if len(payments) == 0 {
				colorfulprint.PrintWarning(out, "no payments")
				return nil
			}
			for _, p := range payments {
				colorfulprint.PrintField(out, p.Key,
					fmt.Sprintf("%s %d %s %s", p.Status, p.TelegramID, p.PlanKey, p.At.Format(time.RFC3339)))
			}
			return nil
		},
	}
}

func newMaintenanceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:       "maintenance [on|off]",
		Short:     "Show or switch maintenance mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			m := c.app.maintenance
			if len(args) == 1 {
				switch args[0] {
				case "on", "off":
					if err := m.Set(args[0] == "on"); err != nil {
						return colorfulprint.PrintError(out, "switch maintenance", err)
					}
				default:
					return colorfulprint.PrintError(out, fmt.Sprintf("expected on or off, got %q", args[0]), nil)
				}
			}
			if m.Enabled() {
				colorfulprint.PrintWarning(out, "maintenance is on")
			} else {
				colorfulprint.PrintState(out, "maintenance is off")
			}
			return nil
		},
	}
}
