// Package telegram wraps the Bot API calls the bot makes outside the update
// loop: direct messages, handle lookups and paced broadcasts.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// API is the subset of *tgbotapi.BotAPI the client uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

type Client struct {
	api    API
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(api API, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, logger: logger.With("component", "telegram"), sleep: sleepContext}
}

// SendText sends an HTML message and returns its id. markup may be nil.
func (c *Client) SendText(chatID int64, text string, markup any) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditText replaces the text and keyboard of a message the bot sent earlier.
func (c *Client) EditText(chatID int64, messageID int, text string, markup tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, markup)
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = true
	_, err := c.api.Send(edit)
	return err
}

func (c *Client) AnswerCallback(callbackID, text string) {
	if _, err := c.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		c.logger.Debug("answer callback failed", "error", err)
	}
}

// Handle returns the user's current @handle, or "" when they have none or
// Telegram could not be asked.
func (c *Client) Handle(ctx context.Context, telegramID int64) string {
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: telegramID}})
	if err != nil {
		c.logger.DebugContext(ctx, "get chat failed", "telegram_id", telegramID, "error", err)
		return ""
	}
	if chat.UserName == "" {
		return ""
	}
	return "@" + strings.TrimPrefix(chat.UserName, "@")
}

type BroadcastResult struct {
	Sent    int
	Failed  int
	Blocked int
}

// Broadcast sends text to every chat, waiting pace between messages to stay
// under Telegram's flood limits. It stops early when ctx is done.
func (c *Client) Broadcast(ctx context.Context, chatIDs []int64, text string, pace time.Duration) BroadcastResult {
	return c.fanOut(ctx, chatIDs, pace, func(id int64) error {
		_, err := c.SendText(id, text, nil)
		return err
	})
}

// BroadcastCopy copies an existing message, e.g. a channel post, to every chat.
func (c *Client) BroadcastCopy(ctx context.Context, chatIDs []int64, fromChatID int64, messageID int, pace time.Duration) BroadcastResult {
	return c.fanOut(ctx, chatIDs, pace, func(id int64) error {
		_, err := c.api.Request(tgbotapi.NewCopyMessage(id, fromChatID, messageID))
		return err
	})
}

func (c *Client) fanOut(ctx context.Context, chatIDs []int64, pace time.Duration, send func(id int64) error) BroadcastResult {
	var res BroadcastResult
	for i, id := range chatIDs {
		if i > 0 && pace > 0 {
			if err := c.sleep(ctx, pace); err != nil {
				break
			}
		}
		if err := send(id); err != nil {
			res.Failed++
			if IsBlocked(err) {
				res.Blocked++
			}
			c.logger.DebugContext(ctx, "broadcast send failed", "telegram_id", id, "error", err)
			continue
		}
		res.Sent++
	}
	c.logger.InfoContext(ctx, "broadcast finished", "sent", res.Sent, "failed", res.Failed, "blocked", res.Blocked)
	return res
}

// IsBlocked reports whether err means the user blocked the bot or deleted their account.
func IsBlocked(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
