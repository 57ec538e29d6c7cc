package main

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	jsonstore "github.com/Asort97/averraBot/clients/jsonStore"
	"github.com/Asort97/averraBot/clients/marzban"
	"github.com/Asort97/averraBot/services/note"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxAdminExtendDays = 3650

const adminHelpText = `🛠 <b>Команды администратора</b>

/user &lt;id&gt; - карточка пользователя
/extend &lt;id&gt; &lt;дни&gt; - продлить подписку
/expire &lt;id&gt; - отключить подписку
/newpromo &lt;тариф&gt; - создать промокод
/referrals &lt;id&gt; - приглашённые пользователем
/setref &lt;id&gt; &lt;реферер&gt; - исправить реферера
/stats - статистика
/syncnames - обновить юзернеймы в панели
/maintenance on|off - режим обслуживания
/broadcast &lt;текст&gt; - рассылка всем пользователям`

// handleAdminCommand runs an admin command. It reports false for commands
// it does not know so they fall through to the user handlers.
func (b *bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message) bool {
	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "admin":
		b.reply(chatID, adminHelpText)
	case "user":
		b.adminUser(ctx, chatID, args)
	case "extend":
		b.adminExtend(ctx, chatID, args)
	case "expire":
		b.adminExpire(ctx, chatID, args)
	case "newpromo":
		b.adminNewPromo(ctx, chatID, args)
	case "referrals":
		b.adminReferrals(ctx, chatID, args)
	case "setref":
		b.adminSetRef(ctx, chatID, args)
	case "stats":
		b.adminStats(ctx, chatID)
	case "syncnames":
		b.adminSyncNames(ctx, chatID)
	case "maintenance":
		b.adminMaintenance(chatID, args)
	case "broadcast":
		b.adminBroadcast(ctx, chatID, strings.TrimSpace(msg.CommandArguments()))
	default:
		return false
	}
	return true
}

func parseTelegramID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (b *bot) adminUser(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Использование: /user &lt;id&gt;")
		return
	}
	id, ok := parseTelegramID(args[0])
	if !ok {
		b.reply(chatID, "❌ Неверный id")
		return
	}
	u, err := b.panel.GetUser(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("❌ %s", html.EscapeString(err.Error())))
		return
	}

	text := subscriptionText(u, b.now())
	if ref, ok := note.ReferrerID(u.Note); ok {
		text += fmt.Sprintf("\n\n👥 Реферер: <code>%d</code>", ref)
	}
	if h := note.Handle(u.Note); h != "" {
		text += fmt.Sprintf("\n🏷 %s", html.EscapeString(h))
	}
	b.reply(chatID, text)
}

func (b *bot) adminExtend(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.reply(chatID, "Использование: /extend &lt;id&gt; &lt;дни&gt;")
		return
	}
	id, ok := parseTelegramID(args[0])
	days, err := strconv.Atoi(args[1])
	if !ok || err != nil || days <= 0 || days > maxAdminExtendDays {
		b.reply(chatID, fmt.Sprintf("❌ Нужен id и число дней от 1 до %d", maxAdminExtendDays))
		return
	}

	u, err := b.panel.ExtendDays(ctx, id, days)
	if err != nil {
		b.logger.ErrorContext(ctx, "admin extend failed", "telegram_id", id, "days", days, "error", err)
		b.reply(chatID, fmt.Sprintf("❌ %s", html.EscapeString(err.Error())))
		return
	}
	b.logger.InfoContext(ctx, "admin extended user", "telegram_id", id, "days", days)
	b.reply(chatID, fmt.Sprintf("✅ <code>%d</code> продлён на %d дн. до <b>%s</b>", id, days, formatDate(u.Expire)))
}

func (b *bot) adminExpire(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Использование: /expire &lt;id&gt;")
		return
	}
	id, ok := parseTelegramID(args[0])
	if !ok {
		b.reply(chatID, "❌ Неверный id")
		return
	}
	if !b.panel.Revoke(ctx, id) {
		b.reply(chatID, fmt.Sprintf("❌ Не удалось отключить <code>%d</code>", id))
		return
	}
	b.reply(chatID, fmt.Sprintf("✅ Подписка <code>%d</code> отключена", id))
}

func (b *bot) adminNewPromo(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Использование: /newpromo &lt;тариф&gt;\nТарифы: "+strings.Join(b.cfg.Plans.Keys(), ", "))
		return
	}
	plan, ok := b.cfg.Plans.Lookup(args[0])
	if !ok {
		b.reply(chatID, "❌ Неизвестный тариф. Тарифы: "+strings.Join(b.cfg.Plans.Keys(), ", "))
		return
	}
	code, err := b.promos.Create(ctx, plan.Key)
	if err != nil {
		b.logger.ErrorContext(ctx, "create promo failed", "plan", plan.Key, "error", err)
		b.reply(chatID, genericErrText)
		return
	}
	b.reply(chatID, fmt.Sprintf("🎟 Промокод на <b>%s</b>:\n<code>%s</code>", html.EscapeString(plan.Name), code))
}

func (b *bot) adminReferrals(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Использование: /referrals &lt;id&gt;")
		return
	}
	id, ok := parseTelegramID(args[0])
	if !ok {
		b.reply(chatID, "❌ Неверный id")
		return
	}
	users, err := b.referrals.List(ctx, id)
	if err != nil {
		b.reply(chatID, genericErrText)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "👥 Приглашённые <code>%d</code>: <b>%d</b>", id, len(users))
	now := b.now()
	for _, u := range users {
		fmt.Fprintf(&sb, "\n• <code>%d</code> %s, до %s", u.TelegramID, statusLabel(&u, now), formatDate(u.Expire))
	}
	b.reply(chatID, sb.String())
}

func (b *bot) adminSetRef(ctx context.Context, chatID int64, args []string) {
	if len(args) != 2 {
		b.reply(chatID, "Использование: /setref &lt;id&gt; &lt;реферер&gt;")
		return
	}
	id, ok1 := parseTelegramID(args[0])
	ref, ok2 := parseTelegramID(args[1])
	if !ok1 || !ok2 {
		b.reply(chatID, "❌ Неверный id")
		return
	}
	if err := b.referrals.Repair(ctx, id, ref); err != nil {
		b.reply(chatID, fmt.Sprintf("❌ %s", html.EscapeString(err.Error())))
		return
	}
	b.reply(chatID, fmt.Sprintf("✅ Реферер <code>%d</code> записан для <code>%d</code>", ref, id))
}

func (b *bot) adminStats(ctx context.Context, chatID int64) {
	users, err := b.panel.ListUsers(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "stats list users failed", "error", err)
		b.reply(chatID, genericErrText)
		return
	}

	now := b.now()
	var active, expiring int
	for _, u := range users {
		if !u.ActiveAt(now) {
			continue
		}
		active++
		if !u.Expire.IsZero() && u.Expire.Sub(now) <= 24*time.Hour {
			expiring++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 <b>Статистика</b>\n\n👤 Пользователей: <b>%d</b>\n✅ Активных: <b>%d</b>\n⏰ Истекают за сутки: <b>%d</b>",
		len(users), active, expiring)

	if b.history != nil {
		payments, err := b.history.List(ctx)
		if err != nil {
			b.logger.WarnContext(ctx, "stats list payments failed", "error", err)
		} else {
			var completed, lastDay int
			for _, p := range payments {
				if p.Status != jsonstore.PaymentCompleted {
					continue
				}
				completed++
				if now.Sub(p.At) <= 24*time.Hour {
					lastDay++
				}
			}
			fmt.Fprintf(&sb, "\n💰 Оплат: <b>%d</b> (за сутки: <b>%d</b>)", completed, lastDay)
		}
	}

	mode := "выключен"
	if b.maintenance.Enabled() {
		mode = "включён"
	}
	fmt.Fprintf(&sb, "\n🛠 Режим обслуживания: %s", mode)
	b.reply(chatID, sb.String())
}

// adminSyncNames refreshes the stored handle of every account from Telegram.
func (b *bot) adminSyncNames(ctx context.Context, chatID int64) {
	b.reply(chatID, "⏳ Синхронизация юзернеймов запущена")
	b.background(func() {
		users, err := b.panel.ListUsers(ctx)
		if err != nil {
			b.logger.ErrorContext(ctx, "syncnames list users failed", "error", err)
			b.reply(chatID, genericErrText)
			return
		}
		updated := syncHandles(ctx, users, b.msg, b.panel)
		b.logger.InfoContext(ctx, "usernames synced", "checked", len(users), "updated", updated)
		b.reply(chatID, fmt.Sprintf("✅ Проверено: %d, обновлено: %d", len(users), updated))
	})
}

// syncHandles writes each user's current handle into their note. Users whose
// handle cannot be resolved keep the stored one.
func syncHandles(ctx context.Context, users []marzban.User, handles messenger, accounts panel) int {
	updated := 0
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		h := handles.Handle(ctx, u.TelegramID)
		if h == "" || h == note.Handle(u.Note) {
			continue
		}
		if accounts.SetNote(ctx, u.TelegramID, note.WithUsername(u.Note, h)) {
			updated++
		}
	}
	return updated
}

func (b *bot) adminMaintenance(chatID int64, args []string) {
	if len(args) == 0 {
		mode := "выключен"
		if b.maintenance.Enabled() {
			mode = "включён"
		}
		b.reply(chatID, "🛠 Режим обслуживания "+mode+". Использование: /maintenance on|off")
		return
	}

	var on bool
	switch strings.ToLower(args[0]) {
	case "on", "1", "вкл":
		on = true
	case "off", "0", "выкл":
	default:
		b.reply(chatID, "Использование: /maintenance on|off")
		return
	}
	if err := b.maintenance.Set(on); err != nil {
		b.logger.Error("maintenance toggle failed", "error", err)
		b.reply(chatID, genericErrText)
		return
	}
	b.logger.Info("maintenance toggled", "enabled", on)
	if on {
		b.reply(chatID, "🛠 Режим обслуживания включён")
	} else {
		b.reply(chatID, "✅ Режим обслуживания выключен")
	}
}

func (b *bot) adminBroadcast(ctx context.Context, chatID int64, text string) {
	if text == "" {
		b.reply(chatID, "Использование: /broadcast &lt;текст&gt;")
		return
	}
	b.reply(chatID, "⏳ Рассылка запущена")
	b.background(func() {
		ids, err := b.recipients(ctx)
		if err != nil {
			b.logger.ErrorContext(ctx, "broadcast list users failed", "error", err)
			b.reply(chatID, genericErrText)
			return
		}
		res := b.msg.Broadcast(ctx, ids, text, b.broadcastPace)
		b.reply(chatID, fmt.Sprintf("📣 Рассылка завершена: отправлено %d, ошибок %d (заблокировали бота: %d)",
			res.Sent, res.Failed, res.Blocked))
	})
}
