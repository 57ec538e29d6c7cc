package instruct

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type InstructType int

const (
	Windows InstructType = iota
	Android
	IOS
)

// CallbackPrefix starts the callback data of every guide button.
const CallbackPrefix = "guide_"

type step struct {
	caption string
	// download link shown on the first step
	link string
}

type guide struct {
	slug  string
	title string
	steps []step
}

var guides = map[InstructType]guide{
	Windows: {
		slug:  "win",
		title: "💻 Windows",
		steps: []step{
			{caption: `Скачайте <a href="https://github.com/hiddify/hiddify-app/releases">Hiddify</a> для Windows и установите его`, link: "https://github.com/hiddify/hiddify-app/releases/latest"},
			{caption: "Скопируйте ссылку подписки из раздела «Моя подписка»"},
			{caption: "В Hiddify нажмите «+» → «Добавить из буфера обмена»"},
			{caption: "Нажмите большую кнопку подключения. Готово!"},
		},
	},
	Android: {
		slug:  "android",
		title: "📱 Android",
		steps: []step{
			{caption: `Установите <a href="https://play.google.com/store/apps/details?id=com.v2ray.ang">v2rayNG</a> из Google Play`, link: "https://play.google.com/store/apps/details?id=com.v2ray.ang"},
			{caption: "Скопируйте ссылку подписки из раздела «Моя подписка»"},
			{caption: "В v2rayNG откройте меню → «Группы подписок» → «+», вставьте ссылку и сохраните"},
			{caption: "Обновите подписку, выберите сервер и нажмите ▶️"},
		},
	},
	IOS: {
		slug:  "ios",
		title: "🍎 iOS",
		steps: []step{
			{caption: `Установите <a href="https://apps.apple.com/app/streisand/id6450534064">Streisand</a> из App Store`, link: "https://apps.apple.com/app/streisand/id6450534064"},
			{caption: "Скопируйте ссылку подписки из раздела «Моя подписка»"},
			{caption: "В Streisand нажмите «+» → «Добавить из буфера»"},
			{caption: "Выберите сервер и включите переключатель подключения"},
		},
	},
}

var order = []InstructType{Windows, Android, IOS}

// MenuKeyboard lists the platforms; back is the callback of the exit button.
func MenuKeyboard(back string) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, t := range order {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(guides[t].title, callback(t, 0)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", back)),
	)
}

// Page renders step of the guide for t. Out of range steps are clamped.
func Page(t InstructType, stepIdx int, exit string) (string, tgbotapi.InlineKeyboardMarkup) {
	g, ok := guides[t]
	if !ok {
		g = guides[Windows]
		t = Windows
	}
	if stepIdx < 0 {
		stepIdx = 0
	}
	if stepIdx >= len(g.steps) {
		stepIdx = len(g.steps) - 1
	}
	s := g.steps[stepIdx]

	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	if stepIdx > 0 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", callback(t, stepIdx-1)))
	}
	row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Шаг %d/%d", stepIdx+1, len(g.steps)), callback(t, stepIdx)))
	if stepIdx < len(g.steps)-1 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("Вперёд ➡️", callback(t, stepIdx+1)))
	}
	rows = append(rows, row)

	if s.link != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Скачать ↗️", s.link),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("❌ Выйти", exit),
	))

	text := fmt.Sprintf("<b>%s</b>\n\n%s", g.title, s.caption)
	return text, tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// ParseCallback reads guide_<platform>_<step>.
func ParseCallback(data string) (InstructType, int, bool) {
	rest, ok := strings.CutPrefix(data, CallbackPrefix)
	if !ok {
		return 0, 0, false
	}
	slug, rawStep, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, 0, false
	}
	n, err := strconv.Atoi(rawStep)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	for t, g := range guides {
		if g.slug == slug {
			return t, n, true
		}
	}
	return 0, 0, false
}

func callback(t InstructType, stepIdx int) string {
	return fmt.Sprintf("%s%s_%d", CallbackPrefix, guides[t].slug, stepIdx)
}
