package main

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	instruct "github.com/Asort97/averraBot/clients/instruction"
	jsonstore "github.com/Asort97/averraBot/clients/jsonStore"
	"github.com/Asort97/averraBot/clients/marzban"
	"github.com/Asort97/averraBot/clients/telegram"
	yoomoney "github.com/Asort97/averraBot/clients/yooMoney"
	"github.com/Asort97/averraBot/config"
	"github.com/Asort97/averraBot/services/note"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// messenger is the outgoing side of Telegram; *telegram.Client implements it.
type messenger interface {
	SendText(chatID int64, text string, markup any) (int, error)
	EditText(chatID int64, messageID int, text string, markup tgbotapi.InlineKeyboardMarkup) error
	AnswerCallback(callbackID, text string)
	Handle(ctx context.Context, telegramID int64) string
	Broadcast(ctx context.Context, chatIDs []int64, text string, pace time.Duration) telegram.BroadcastResult
	BroadcastCopy(ctx context.Context, chatIDs []int64, fromChatID int64, messageID int, pace time.Duration) telegram.BroadcastResult
}

type panel interface {
	GetUser(ctx context.Context, telegramID int64) (*marzban.User, error)
	LookupUser(ctx context.Context, telegramID int64) *marzban.User
	ExtendDays(ctx context.Context, telegramID int64, days int) (*marzban.User, error)
	SetNote(ctx context.Context, telegramID int64, text string) bool
	Revoke(ctx context.Context, telegramID int64) bool
	ListUsers(ctx context.Context) ([]marzban.User, error)
}

type promoIssuer interface {
	Create(ctx context.Context, planKey string) (string, error)
}

type promoRedeemer interface {
	RedeemPromo(ctx context.Context, telegramID int64, code string) (config.Plan, *marzban.User, error)
}

type paymentLinks interface {
	PaymentURL(amount float64, telegramID int64, planKey string) (string, yoomoney.Label)
}

type paymentHistory interface {
	List(ctx context.Context) ([]jsonstore.Payment, error)
}

type referralBook interface {
	Count(ctx context.Context, referrerID int64) (int, error)
	List(ctx context.Context, referrerID int64) ([]marzban.User, error)
	Repair(ctx context.Context, telegramID, referrerID int64) error
}

type attribution interface {
	Set(ctx context.Context, telegramID, referrerID int64) bool
}

type switchFlag interface {
	Enabled() bool
	Set(on bool) error
}

type botDeps struct {
	Messenger   messenger
	Panel       panel
	Promos      promoIssuer
	Redeemer    promoRedeemer
	Payments    paymentLinks
	History     paymentHistory
	Referrals   referralBook
	Pending     attribution
	Maintenance switchFlag
	Config      *config.Config
	BotUsername string
	Logger      *slog.Logger
}

// userSession tracks the menu message that is edited in place.
type userSession struct {
	MessageID int
}

type bot struct {
	msg         messenger
	panel       panel
	promos      promoIssuer
	redeemer    promoRedeemer
	payments    paymentLinks
	history     paymentHistory
	referrals   referralBook
	pending     attribution
	maintenance switchFlag
	cfg         *config.Config
	username    string
	logger      *slog.Logger

	now           func() time.Time
	broadcastPace time.Duration

	mu         sync.Mutex
	sessions   map[int64]*userSession
	lastAction map[int64]map[string]time.Time
	handles    map[int64]string

	wg sync.WaitGroup
}

func newBot(d botDeps) *bot {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &bot{
		msg:           d.Messenger,
		panel:         d.Panel,
		promos:        d.Promos,
		redeemer:      d.Redeemer,
		payments:      d.Payments,
		history:       d.History,
		referrals:     d.Referrals,
		pending:       d.Pending,
		maintenance:   d.Maintenance,
		cfg:           d.Config,
		username:      d.BotUsername,
		logger:        logger.With("component", "bot"),
		now:           time.Now,
		broadcastPace: 30 * time.Millisecond,
		sessions:      make(map[int64]*userSession),
		lastAction:    make(map[int64]map[string]time.Time),
		handles:       make(map[int64]string),
	}
}

// Run consumes updates until ctx is done or the channel closes, then waits for
// background broadcasts to stop.
func (b *bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "update handler panic", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.ChannelPost != nil:
		b.relayChannelPost(ctx, update.ChannelPost)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	admin := b.cfg.IsAdmin(userID)

	if !admin && b.maintenance.Enabled() {
		b.reply(chatID, maintenanceText)
		return
	}
	b.syncHandle(ctx, msg.From)

	if msg.IsCommand() {
		if admin && b.handleAdminCommand(ctx, msg) {
			return
		}
		switch msg.Command() {
		case "start":
			b.handleStart(ctx, msg)
		case "promo":
			b.handlePromo(ctx, msg)
		case "status":
			b.resetSession(chatID)
			b.showSubscription(ctx, chatID, userID)
		case "referral":
			b.resetSession(chatID)
			b.showReferral(ctx, chatID, userID)
		default:
			// ignore
		}
		return
	}

	if !admin && strings.TrimSpace(msg.Text) != "" {
		b.forwardToAdmins(ctx, msg)
	}
}

func (b *bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID
	userID := cq.From.ID
	b.bindSession(chatID, cq.Message.MessageID)

	if !b.cfg.IsAdmin(userID) && b.maintenance.Enabled() {
		_ = b.updateSessionText(chatID, maintenanceText, singleBackKeyboard(cbMenu))
		b.msg.AnswerCallback(cq.ID, "")
		return
	}
	if !b.canProceedKey(userID, "cb:"+cq.Data, 700*time.Millisecond) {
		b.msg.AnswerCallback(cq.ID, "")
		return
	}
	b.syncHandle(ctx, cq.From)

	ackText := ""
	switch data := cq.Data; {
	case data == cbMenu:
		b.showMainMenu(ctx, chatID, userID)
	case data == cbSubscription:
		b.showSubscription(ctx, chatID, userID)
	case data == cbPlans:
		b.showPlans(chatID)
	case data == cbReferral:
		b.showReferral(ctx, chatID, userID)
	case data == cbPromo:
		_ = b.updateSessionText(chatID, promoUsageText, singleBackKeyboard(cbMenu))
	case data == cbGuide:
		_ = b.updateSessionText(chatID, guideMenuText, instruct.MenuKeyboard(cbSubscription))
	case strings.HasPrefix(data, instruct.CallbackPrefix):
		if platform, step, ok := instruct.ParseCallback(data); ok {
			text, kb := instruct.Page(platform, step, cbGuide)
			_ = b.updateSessionText(chatID, text, kb)
		}
	case strings.HasPrefix(data, cbPlanPrefix):
		if !b.showPayment(ctx, chatID, userID, strings.TrimPrefix(data, cbPlanPrefix)) {
			ackText = "❌ Неизвестный тариф"
		}
	default:
		// ignore
	}

	b.msg.AnswerCallback(cq.ID, ackText)
}

func (b *bot) canProceedKey(userID int64, key string, interval time.Duration) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastAction[userID] == nil {
		b.lastAction[userID] = make(map[string]time.Time)
	}
	if t, ok := b.lastAction[userID][key]; ok && now.Sub(t) < interval {
		return false
	}
	b.lastAction[userID][key] = now
	return true
}

func (b *bot) session(chatID int64) *userSession {
	if s, ok := b.sessions[chatID]; ok {
		return s
	}
	s := &userSession{}
	b.sessions[chatID] = s
	return s
}

func (b *bot) bindSession(chatID int64, messageID int) {
	b.mu.Lock()
	b.session(chatID).MessageID = messageID
	b.mu.Unlock()
}

// resetSession makes the next menu a fresh message at the bottom of the chat.
func (b *bot) resetSession(chatID int64) {
	b.bindSession(chatID, 0)
}

// updateSessionText edits the session message, falling back to a new message
// when there is none or it can no longer be edited.
func (b *bot) updateSessionText(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	b.mu.Lock()
	messageID := b.session(chatID).MessageID
	b.mu.Unlock()

	if messageID != 0 {
		err := b.msg.EditText(chatID, messageID, text, keyboard)
		if err == nil || strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		b.logger.Debug("edit session message failed", "chat_id", chatID, "error", err)
	}

	sent, err := b.msg.SendText(chatID, text, keyboard)
	if err != nil {
		b.logger.Warn("send session message failed", "chat_id", chatID, "error", err)
		return err
	}
	b.bindSession(chatID, sent)
	return nil
}

func (b *bot) reply(chatID int64, text string) {
	if _, err := b.msg.SendText(chatID, text, nil); err != nil {
		b.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

// syncHandle stores the user's current @handle in their panel note when it
// changed since the last time this process saw them. The handle is cached only
// once the panel holds it, so a failed write is retried on the next update.
func (b *bot) syncHandle(ctx context.Context, from *tgbotapi.User) {
	if from == nil {
		return
	}
	handle := ""
	if from.UserName != "" {
		handle = "@" + from.UserName
	}

	b.mu.Lock()
	prev, seen := b.handles[from.ID]
	b.mu.Unlock()
	if seen && prev == handle {
		return
	}

	u := b.panel.LookupUser(ctx, from.ID)
	if u == nil {
		return
	}
	if note.Handle(u.Note) != handle {
		if !b.panel.SetNote(ctx, from.ID, note.WithUsername(u.Note, handle)) {
			return
		}
		b.logger.InfoContext(ctx, "username synced", "telegram_id", from.ID, "handle", handle)
	}

	b.mu.Lock()
	b.handles[from.ID] = handle
	b.mu.Unlock()
}

// relayChannelPost copies a post from the news channel to every subscriber.
func (b *bot) relayChannelPost(ctx context.Context, post *tgbotapi.Message) {
	if b.cfg.NewsChannelID == 0 || post.Chat == nil || post.Chat.ID != b.cfg.NewsChannelID {
		return
	}
	b.background(func() {
		ids, err := b.recipients(ctx)
		if err != nil {
			b.logger.ErrorContext(ctx, "list recipients for news failed", "error", err)
			return
		}
		res := b.msg.BroadcastCopy(ctx, ids, post.Chat.ID, post.MessageID, b.broadcastPace)
		b.logger.InfoContext(ctx, "news post relayed",
			"post_id", post.MessageID, "recipients", len(ids), "sent", res.Sent, "failed", res.Failed)
	})
}

func (b *bot) recipients(ctx context.Context) ([]int64, error) {
	users, err := b.panel.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(users))
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		if u.TelegramID <= 0 || seen[u.TelegramID] {
			continue
		}
		seen[u.TelegramID] = true
		ids = append(ids, u.TelegramID)
	}
	return ids, nil
}

// forwardToAdmins relays a free-text user message to the admins as a support request.
func (b *bot) forwardToAdmins(ctx context.Context, msg *tgbotapi.Message) {
	var userLink string
	if msg.From.UserName != "" {
		userLink = fmt.Sprintf("<a href=\"https://t.me/%s\">@%s</a>", html.EscapeString(msg.From.UserName), html.EscapeString(msg.From.UserName))
	} else {
		userLink = fmt.Sprintf("<a href=\"tg://user?id=%d\">Профиль пользователя</a>", msg.From.ID)
	}
	text := fmt.Sprintf("%s (<code>%d</code>):\n%s", userLink, msg.From.ID, html.EscapeString(msg.Text))
	for _, id := range b.cfg.AdminIDs {
		if _, err := b.msg.SendText(id, text, nil); err != nil {
			b.logger.WarnContext(ctx, "forward to admin failed", "admin_id", id, "error", err)
		}
	}
}

func (b *bot) background(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}
