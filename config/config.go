// Package config loads bot settings from the environment, an optional .env file
// and an optional YAML/JSON config file that can override the plan catalog.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Plan is a purchasable subscription.
type Plan struct {
	Key   string  `mapstructure:"key"`
	Name  string  `mapstructure:"name"`
	Days  int     `mapstructure:"days"`
	Price float64 `mapstructure:"price"`
}

// Catalog is the ordered list of plans shown to users.
type Catalog []Plan

func (c Catalog) Lookup(key string) (Plan, bool) {
	for _, p := range c {
		if p.Key == key {
			return p, true
		}
	}
	return Plan{}, false
}

func (c Catalog) Keys() []string {
	keys := make([]string, len(c))
	for i, p := range c {
		keys[i] = p.Key
	}
	return keys
}

// DefaultPlans is used when the config file does not define plans.
var DefaultPlans = Catalog{
	{Key: "1_month", Name: "1 месяц", Days: 30, Price: 200},
	{Key: "3_months", Name: "3 месяца", Days: 90, Price: 500},
	{Key: "6_months", Name: "6 месяцев", Days: 180, Price: 800},
}

type Config struct {
	BotToken string `mapstructure:"BOT_TOKEN"`

	MarzbanBaseURL  string `mapstructure:"MARZBAN_BASE_URL"`
	MarzbanUsername string `mapstructure:"MARZBAN_USERNAME"`
	MarzbanPassword string `mapstructure:"MARZBAN_PASSWORD"`

	YooMoneyWalletID   string `mapstructure:"YOOMONEY_WALLET_ID"`
	YooMoneySecret     string `mapstructure:"YOOMONEY_NOTIFICATION_SECRET"`
	YooMoneySuccessURL string `mapstructure:"YOOMONEY_SUCCESS_URL"`
	PayeeName          string `mapstructure:"PAYEE_NAME"`

	WebhookHost string `mapstructure:"WEBHOOK_HOST"`
	WebhookPort int    `mapstructure:"WEBHOOK_PORT"`

	RawAdminIDs string  `mapstructure:"ADMIN_IDS"`
	AdminIDs    []int64 `mapstructure:"-"`

	PromoCodesFile      string `mapstructure:"PROMO_CODES_FILE"`
	PaymentsLedgerFile  string `mapstructure:"PAYMENTS_LEDGER_FILE"`
	PendingReferralFile string `mapstructure:"PENDING_REFERRALS_FILE"`
	MaintenanceFlagFile string `mapstructure:"MAINTENANCE_FLAG_FILE"`

	ReminderSchedule string `mapstructure:"REMINDER_SCHEDULE"`

	// NewsChannelID is the channel whose posts are relayed to every subscriber; 0 disables relaying.
	NewsChannelID int64 `mapstructure:"NEWS_CHANNEL_ID"`

	SupportURL     string `mapstructure:"SUPPORT_URL"`
	InstructionURL string `mapstructure:"INSTRUCTION_URL"`

	LogLevel string `mapstructure:"LOG_LEVEL"`

	Plans Catalog `mapstructure:"-"`
}

var envKeys = []string{
	"BOT_TOKEN",
	"MARZBAN_BASE_URL", "MARZBAN_USERNAME", "MARZBAN_PASSWORD",
	"YOOMONEY_WALLET_ID", "YOOMONEY_NOTIFICATION_SECRET", "YOOMONEY_SUCCESS_URL", "PAYEE_NAME",
	"WEBHOOK_HOST", "WEBHOOK_PORT",
	"ADMIN_IDS",
	"PROMO_CODES_FILE", "PAYMENTS_LEDGER_FILE", "PENDING_REFERRALS_FILE", "MAINTENANCE_FLAG_FILE",
	"REMINDER_SCHEDULE",
	"NEWS_CHANNEL_ID",
	"SUPPORT_URL", "INSTRUCTION_URL",
	"LOG_LEVEL",
	"CONFIG_FILE",
}

// Load reads the configuration into a fresh struct. envFiles default to ".env";
// missing env files are fine, values already in the environment win.
func Load(v *viper.Viper, envFiles ...string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v.SetDefault("WEBHOOK_HOST", "0.0.0.0")
	v.SetDefault("WEBHOOK_PORT", 8080)
	v.SetDefault("PAYEE_NAME", "Averra VPN")
	v.SetDefault("PROMO_CODES_FILE", "data/promo_codes.json")
	v.SetDefault("PAYMENTS_LEDGER_FILE", "data/payments.json")
	v.SetDefault("PENDING_REFERRALS_FILE", "data/pending_referrals.json")
	v.SetDefault("MAINTENANCE_FLAG_FILE", "data/maintenance.flag")
	v.SetDefault("REMINDER_SCHEDULE", "0 */6 * * *") // every 6 hours
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.MarzbanBaseURL = strings.TrimRight(cfg.MarzbanBaseURL, "/")

	ids, err := parseAdminIDs(cfg.RawAdminIDs)
	if err != nil {
		return nil, err
	}
	cfg.AdminIDs = ids

	cfg.Plans = DefaultPlans
	if v.IsSet("plans") {
		var plans Catalog
		if err := v.UnmarshalKey("plans", &plans); err != nil {
			return nil, fmt.Errorf("decode plans: %w", err)
		}
		if err := validatePlans(plans); err != nil {
			return nil, err
		}
		cfg.Plans = plans
	}

	return &cfg, nil
}

// Require fails when any of the named settings is empty.
func (c *Config) Require(keys ...string) error {
	values := map[string]string{
		"BOT_TOKEN":                    c.BotToken,
		"MARZBAN_BASE_URL":             c.MarzbanBaseURL,
		"MARZBAN_USERNAME":             c.MarzbanUsername,
		"MARZBAN_PASSWORD":             c.MarzbanPassword,
		"YOOMONEY_WALLET_ID":           c.YooMoneyWalletID,
		"YOOMONEY_NOTIFICATION_SECRET": c.YooMoneySecret,
	}

	var missing []string
	for _, key := range keys {
		value, known := values[key]
		if !known {
			return fmt.Errorf("config: %s cannot be required", key)
		}
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// Addr is the webhook listen address.
func (c *Config) Addr() string {
	return c.WebhookHost + ":" + strconv.Itoa(c.WebhookPort)
}

// SlogLevel maps LOG_LEVEL onto slog; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseAdminIDs(raw string) ([]int64, error) {
	var ids []int64
	seen := map[int64]bool{}
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("config: invalid ADMIN_IDS entry %q", part)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func validatePlans(plans Catalog) error {
	if len(plans) == 0 {
		return errors.New("config: plans list is empty")
	}
	seen := map[string]bool{}
	for _, p := range plans {
		switch {
		case p.Key == "":
			return errors.New("config: plan without key")
		case seen[p.Key]:
			return fmt.Errorf("config: duplicate plan %q", p.Key)
		case p.Days <= 0:
			return fmt.Errorf("config: plan %q has non-positive days", p.Key)
		case p.Price <= 0:
			return fmt.Errorf("config: plan %q has non-positive price", p.Key)
		}
		seen[p.Key] = true
	}
	return nil
}
