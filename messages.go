package main

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/Asort97/averraBot/clients/marzban"
	"github.com/Asort97/averraBot/config"
	"github.com/Asort97/averraBot/services/billing"
	"github.com/Asort97/averraBot/services/referral"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cbMenu         = "nav_menu"
	cbSubscription = "nav_status"
	cbPlans        = "nav_plans"
	cbReferral     = "nav_referral"
	cbPromo        = "nav_promo"
	cbGuide        = "nav_instructions"
	cbPlanPrefix   = "plan_"
)

const startText = `
🌐 <b>Averra VPN</b>
━━━━━━━━━━━━

<i>Надёжный и быстрый VPN для безопасного интернета.</i>

🧩 <b>Преимущества</b>
• ⚡ Высокая скорость
• 📱 Неограниченные устройства
• 🖥️ Все платформы
• 🛟 Техподдержка 24/7
`

const plansText = `📦 <b>Выберите тарифный план</b>
━━━━━━━━━━━━

✅ Высокая скорость
✅ Неограниченные устройства
✅ Поддержка 24/7`

const (
	maintenanceText = "🛠 Бот на техническом обслуживании. Попробуйте немного позже."
	promoUsageText  = "🎟 Отправьте промокод командой:\n<code>/promo ВАШ_КОД</code>"
	promoBadText    = "❌ Промокод не найден или уже использован."
	guideMenuText   = "📖 <b>Инструкция по подключению</b>\n\nВыберите ваше устройство:"
	genericErrText  = "❌ Что-то пошло не так. Попробуйте позже или напишите в поддержку."
)

func composeMenuText() string {
	return strings.TrimSpace(startText) + "\n\n<b>Выберите действие ниже:</b>"
}

func mainMenuKeyboard(active bool, supportURL string) tgbotapi.InlineKeyboardMarkup {
	cta := "💳 Купить подписку"
	if active {
		cta = "🔄 Продлить подписку"
	}
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Моя подписка", cbSubscription),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(cta, cbPlans),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🎁 Пригласить друга", cbReferral),
			tgbotapi.NewInlineKeyboardButtonData("🎟 Промокод", cbPromo),
		),
	}
	if supportURL != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("💬 Поддержка", supportURL),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func singleBackKeyboard(target string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", target),
		),
	)
}

func renewKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Продлить подписку", cbPlans),
		),
	)
}

func plansKeyboard(plans config.Catalog) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range plans {
		label := fmt.Sprintf("%s - %s ₽", p.Name, formatPrice(p.Price))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbPlanPrefix+p.Key),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", cbMenu),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func paymentText(plan config.Plan) string {
	return fmt.Sprintf(`💳 <b>Оплата подписки</b>
━━━━━━━━━━━━

📦 Тариф: <b>%s</b>
💰 Стоимость: <b>%s ₽</b>
📅 Срок: <b>%d дней</b>

Оплата проверяется автоматически. Нажмите кнопку ниже для оплаты:`,
		html.EscapeString(plan.Name), formatPrice(plan.Price), plan.Days)
}

func paymentKeyboard(payURL string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить", payURL),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад к тарифам", cbPlans),
		),
	)
}

func subscriptionText(u *marzban.User, now time.Time) string {
	var b strings.Builder
	b.WriteString("📊 <b>Информация о подписке</b>\n━━━━━━━━━━━━\n\n")
	fmt.Fprintf(&b, "👤 Пользователь: <b>%s</b>\n", html.EscapeString(u.Username))
	fmt.Fprintf(&b, "📶 Статус: <b>%s</b>\n", statusLabel(u, now))
	fmt.Fprintf(&b, "⏳ Истекает: <b>%s</b>\n", formatDate(u.Expire))
	fmt.Fprintf(&b, "📈 Использовано: <b>%s ГБ</b> / <b>%s</b>", bytesToGB(u.UsedTraffic), trafficLimit(u.DataLimit))

	if u.ActiveAt(now) && u.SubscriptionURL != "" {
		b.WriteString("\n\n🔗 <b>Ссылка для подключения</b>\n")
		fmt.Fprintf(&b, "<code>%s</code>", html.EscapeString(u.SubscriptionURL))
		b.WriteString("\n\n⚠️ Перед подключением откройте «Инструкция» и следуйте шагам.")
	} else {
		b.WriteString("\n\nПодписка неактивна. Продлите её, чтобы продолжить пользоваться VPN.")
	}
	return b.String()
}

func subscriptionKeyboard(active bool, instructionURL string) tgbotapi.InlineKeyboardMarkup {
	cta := "💳 Купить подписку"
	if active {
		cta = "🔄 Продлить подписку"
	}
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(cta, cbPlans)),
	}
	if active {
		guideRow := tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📖 Инструкция", cbGuide))
		if instructionURL != "" {
			guideRow = append(guideRow, tgbotapi.NewInlineKeyboardButtonURL("📚 Подробнее", instructionURL))
		}
		rows = append(rows, guideRow)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", cbMenu),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func referralText(link string, invited int) string {
	return fmt.Sprintf(`🎁 <b>Пригласите друга</b>
━━━━━━━━━━━━

Отправьте другу ссылку ниже. Когда он оплатит подписку, вы получите <b>30%%</b> от купленных им дней.

🔗 <code>%s</code>

👥 Приглашено: <b>%d</b>`, html.EscapeString(link), invited)
}

func paymentCreditedText(plan config.Plan, u *marzban.User) string {
	text := fmt.Sprintf("✅ Оплата получена! Тариф <b>%s</b> активирован.\n⏳ Подписка действует до <b>%s</b>.",
		html.EscapeString(plan.Name), formatDate(u.Expire))
	if u.SubscriptionURL != "" {
		text += fmt.Sprintf("\n\n🔗 <code>%s</code>", html.EscapeString(u.SubscriptionURL))
	}
	return text
}

func promoRedeemedText(plan config.Plan, u *marzban.User) string {
	return fmt.Sprintf("🎉 Промокод активирован: <b>%s</b>.\n⏳ Подписка действует до <b>%s</b>.",
		html.EscapeString(plan.Name), formatDate(u.Expire))
}

func referralBonusText(bonus referral.Bonus) string {
	text := fmt.Sprintf("🎁 Ваш друг оплатил подписку! Вам начислено <b>%d</b> дн.", bonus.Days)
	if bonus.Referrer != nil {
		text += fmt.Sprintf("\n⏳ Подписка действует до <b>%s</b>.", formatDate(bonus.Referrer.Expire))
	}
	return text
}

func reminderText(expire time.Time) string {
	return fmt.Sprintf("⏰ Ваша подписка истекает <b>%s</b>. Продлите её, чтобы не потерять доступ.",
		expire.Format("02.01.2006 15:04"))
}

func adminPaymentText(res billing.Result) string {
	kind := "продление"
	if res.Created {
		kind = "новый пользователь"
	}
	return fmt.Sprintf("💰 Оплата: <code>%d</code>, %s, %s ₽ (%s)",
		res.TelegramID, html.EscapeString(res.Plan.Name), formatPrice(res.Plan.Price), kind)
}

func statusLabel(u *marzban.User, now time.Time) string {
	if u.ActiveAt(now) {
		return "активна"
	}
	switch u.Status {
	case marzban.StatusDisabled:
		return "отключена"
	case marzban.StatusLimited:
		return "исчерпан трафик"
	case marzban.StatusOnHold:
		return "ожидает активации"
	default:
		return "истекла"
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "бессрочно"
	}
	return t.Format("02.01.2006")
}

func formatPrice(p float64) string {
	if p == float64(int64(p)) {
		return fmt.Sprintf("%d", int64(p))
	}
	return fmt.Sprintf("%.2f", p)
}

func bytesToGB(n int64) string {
	return fmt.Sprintf("%.2f", float64(n)/(1<<30))
}

func trafficLimit(limit int64) string {
	if limit <= 0 {
		return "∞"
	}
	return bytesToGB(limit) + " ГБ"
}
