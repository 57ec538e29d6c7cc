package marzban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Asort97/averraBot/services/note"
)

// UsernamePrefix marks panel users that belong to the bot: tg_<telegram id>.
const UsernamePrefix = "tg_"

const vlessFlow = "xtls-rprx-vision"

var errUnmanaged = errors.New("marzban: user is not managed by the bot")

type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusDisabled Status = "disabled"
	StatusLimited  Status = "limited"
	StatusOnHold   Status = "on_hold"
	StatusUnknown  Status = "unknown"
)

func parseStatus(s string) Status {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusExpired, StatusDisabled, StatusLimited, StatusOnHold:
		return st
	default:
		return StatusUnknown
	}
}

// User is a normalized panel account.
type User struct {
	TelegramID      int64
	Username        string
	Status          Status
	Expire          time.Time // zero: never expires
	UsedTraffic     int64
	DataLimit       int64 // 0: unlimited
	SubscriptionURL string
	Note            string
}

// ActiveAt reports whether the subscription can be used at now.
func (u *User) ActiveAt(now time.Time) bool {
	if u == nil || u.Status != StatusActive {
		return false
	}
	return u.Expire.IsZero() || u.Expire.After(now)
}

// Username returns the panel name of a Telegram user.
func Username(telegramID int64) string {
	return UsernamePrefix + strconv.FormatInt(telegramID, 10)
}

// ParseUsername returns the Telegram id behind a panel name. Names without the
// prefix or with a non-numeric suffix are not ours.
func ParseUsername(name string) (int64, bool) {
	suffix, ok := strings.CutPrefix(name, UsernamePrefix)
	if !ok || suffix == "" {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type userResponse struct {
	Username        string  `json:"username"`
	Status          string  `json:"status"`
	Expire          *int64  `json:"expire"`
	DataLimit       *int64  `json:"data_limit"`
	UsedTraffic     int64   `json:"used_traffic"`
	SubscriptionURL string  `json:"subscription_url"`
	Note            *string `json:"note"`
}

func (r userResponse) toUser() (User, error) {
	id, ok := ParseUsername(r.Username)
	if !ok {
		return User{}, fmt.Errorf("%w: %q", errUnmanaged, r.Username)
	}
	u := User{
		TelegramID:      id,
		Username:        r.Username,
		Status:          parseStatus(r.Status),
		UsedTraffic:     r.UsedTraffic,
		SubscriptionURL: r.SubscriptionURL,
	}
	if r.Expire != nil && *r.Expire > 0 {
		u.Expire = time.Unix(*r.Expire, 0)
	}
	if r.DataLimit != nil {
		u.DataLimit = *r.DataLimit
	}
	if r.Note != nil {
		u.Note = *r.Note
	}
	return u, nil
}

type proxySettings struct {
	Flow string `json:"flow,omitempty"`
}

type userCreateRequest struct {
	Username               string                   `json:"username"`
	Proxies                map[string]proxySettings `json:"proxies"`
	Expire                 int64                    `json:"expire"`
	DataLimit              int64                    `json:"data_limit"`
	DataLimitResetStrategy string                   `json:"data_limit_reset_strategy"`
	Status                 string                   `json:"status"`
	Note                   string                   `json:"note,omitempty"`
}

type userModifyRequest struct {
	Expire *int64  `json:"expire,omitempty"`
	Status string  `json:"status,omitempty"`
	Note   *string `json:"note,omitempty"`
}

type usersPage struct {
	Users []json.RawMessage `json:"users"`
	Total int               `json:"total"`
}

func userPath(telegramID int64) string {
	return "/api/user/" + url.PathEscape(Username(telegramID))
}

// GetUser fetches one account. A missing account is ErrUserNotFound; every
// other failure is returned as is so callers can tell the two apart.
func (c *Client) GetUser(ctx context.Context, telegramID int64) (*User, error) {
	var r userResponse
	if err := c.do(ctx, http.MethodGet, userPath(telegramID), nil, &r); err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u, err := r.toUser()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// LookupUser is GetUser for display paths: it returns nil both when the
// account is missing and when the panel could not be asked.
func (c *Client) LookupUser(ctx context.Context, telegramID int64) *User {
	u, err := c.GetUser(ctx, telegramID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			c.logger.WarnContext(ctx, "lookup failed", "telegram_id", telegramID, "error", err)
		}
		return nil
	}
	return u
}

// CreateUser provisions an unlimited VLESS account that expires after days.
func (c *Client) CreateUser(ctx context.Context, telegramID int64, days int, userNote string) (*User, error) {
	if days <= 0 {
		return nil, fmt.Errorf("marzban: create %d: non-positive duration %d", telegramID, days)
	}

	req := userCreateRequest{
		Username:               Username(telegramID),
		Proxies:                map[string]proxySettings{"vless": {Flow: vlessFlow}},
		Expire:                 c.now().Add(daysToDuration(days)).Unix(),
		DataLimit:              0,
		DataLimitResetStrategy: "no_reset",
		Status:                 string(StatusActive),
		Note:                   userNote,
	}

	var r userResponse
	if err := c.do(ctx, http.MethodPost, "/api/user", req, &r); err != nil {
		c.logger.ErrorContext(ctx, "create user failed", "telegram_id", telegramID, "error", err)
		return nil, err
	}
	u, err := r.toUser()
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "user created", "telegram_id", telegramID, "expire", u.Expire)
	return &u, nil
}

// ExtendDays adds days to the account. A subscription that is still running is
// extended from its current expiry; an expired one restarts from now. The
// account is reactivated either way.
func (c *Client) ExtendDays(ctx context.Context, telegramID int64, days int) (*User, error) {
	if days <= 0 {
		return nil, fmt.Errorf("marzban: extend %d: non-positive duration %d", telegramID, days)
	}

	current, err := c.GetUser(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	base := now
	if !current.Expire.IsZero() && current.Expire.After(now) {
		base = current.Expire
	}
	expire := base.Add(daysToDuration(days)).Unix()

	var r userResponse
	req := userModifyRequest{Expire: &expire, Status: string(StatusActive)}
	if err := c.do(ctx, http.MethodPut, userPath(telegramID), req, &r); err != nil {
		c.logger.ErrorContext(ctx, "extend failed", "telegram_id", telegramID, "days", days, "error", err)
		return nil, err
	}
	u, err := r.toUser()
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "subscription extended", "telegram_id", telegramID, "days", days, "expire", u.Expire)
	return &u, nil
}

// SetNote overwrites the note. An empty text clears it. Failures are logged
// and reported as false.
func (c *Client) SetNote(ctx context.Context, telegramID int64, text string) bool {
	req := userModifyRequest{Note: &text}
	if err := c.do(ctx, http.MethodPut, userPath(telegramID), req, nil); err != nil {
		c.logger.ErrorContext(ctx, "set note failed", "telegram_id", telegramID, "error", err)
		return false
	}
	return true
}

// Revoke invalidates the subscription link and moves the expiry into the past.
// Only the expiry write decides the result.
func (c *Client) Revoke(ctx context.Context, telegramID int64) bool {
	if err := c.do(ctx, http.MethodPost, userPath(telegramID)+"/revoke_sub", nil, nil); err != nil {
		c.logger.WarnContext(ctx, "revoke subscription link failed", "telegram_id", telegramID, "error", err)
	}

	expire := c.now().Add(-time.Minute).Unix()
	if err := c.do(ctx, http.MethodPut, userPath(telegramID), userModifyRequest{Expire: &expire}, nil); err != nil {
		c.logger.ErrorContext(ctx, "expire user failed", "telegram_id", telegramID, "error", err)
		return false
	}
	c.logger.InfoContext(ctx, "user expired", "telegram_id", telegramID)
	return true
}

// ListUsers walks every page of the panel and returns the bot's accounts.
// Entries that fail to decode or do not follow the tg_<id> naming are skipped.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var result []User
	for offset := 0; ; offset += c.pageSize {
		path := fmt.Sprintf("/api/users?offset=%d&limit=%d", offset, c.pageSize)

		var page usersPage
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		for _, raw := range page.Users {
			var r userResponse
			if err := json.Unmarshal(raw, &r); err != nil {
				c.logger.DebugContext(ctx, "skip malformed user entry", "error", err)
				continue
			}
			u, err := r.toUser()
			if err != nil {
				continue
			}
			result = append(result, u)
		}

		if len(page.Users) < c.pageSize {
			return result, nil
		}
	}
}

// ListReferrals returns the accounts whose note names referrerID as referrer.
func (c *Client) ListReferrals(ctx context.Context, referrerID int64) ([]User, error) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var referred []User
	for _, u := range users {
		if id, ok := note.ReferrerID(u.Note); ok && id == referrerID {
			referred = append(referred, u)
		}
	}
	return referred, nil
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
