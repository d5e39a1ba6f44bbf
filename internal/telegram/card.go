package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"flibusta_bot/internal/models"
)

// Telegram обрезает подпись к фото на 1024 символах.
const maxCaptionRunes = 1024

var knownFormatTokens = []string{"fb2", "epub", "mobi", "pdf", "djvu"}

func bookCaption(book models.Book) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📖 %s\n🗣 %s", book.Title, book.Author)
	if book.Series != "" {
		fmt.Fprintf(&sb, "\n📚 %s", book.Series)
	}
	if book.Year != "" {
		fmt.Fprintf(&sb, "\n📅 %s", book.Year)
	}
	if book.Size != "" {
		fmt.Fprintf(&sb, "\n🪶 %s", book.Size)
	}
	fmt.Fprintf(&sb, "\n🌐 %s", book.Link)
	if len(book.Formats) == 0 {
		sb.WriteString("\n\nФайлы для скачивания не найдены.")
	}
	return truncateRunes(sb.String(), maxCaptionRunes)
}

// formatButtonText: "(fb2)" -> "FB2", "(скачать epub)" -> "EPUB".
func formatButtonText(label string) string {
	lower := strings.ToLower(label)
	for _, f := range knownFormatTokens {
		if strings.Contains(lower, f) {
			return strings.ToUpper(f)
		}
	}
	label = strings.Trim(strings.TrimSpace(label), "()")
	if label == "" {
		return "FILE"
	}
	return truncateRunes(label, 20)
}

// cardKeyboard — форматы по две кнопки в ряд (в порядке сайта) и кнопка избранного.
func cardKeyboard(book models.Book, favorite bool) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton

	var row []tgbotapi.InlineKeyboardButton
	for i, f := range book.Formats {
		data := callback{kind: cbDownload, id: book.ID, n: i}.String()
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(formatButtonText(f.Label), data))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	favText := "⭐ В избранное"
	if favorite {
		favText = "✖️ Убрать из избранного"
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(favText, callback{kind: cbFav, id: book.ID}.String()),
	))

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
