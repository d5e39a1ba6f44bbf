package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"flibusta_bot/internal/db"
	"flibusta_bot/internal/models"
)

const startText = "Введите название книги (без автора) ИЛИ добавьте фамилию автора на новой строке. \n" +
	"\n" +
	"Пример:\n" +
	"\n" +
	"1984\n" +
	"Оруэлл"

const helpText = "📚 Поиск книг на Флибусте\n\n" +
	"• Название книги — поиск по названию и по автору\n" +
	"• Название и фамилия автора на второй строке — точный поиск\n" +
	"• Номер книги — открыть карточку по ID\n\n" +
	"/fav — избранное\n" +
	"/note <id> <текст> — заметка к книге из избранного\n" +
	"/history — последние запросы\n" +
	"/stats — статистика\n" +
	"/settings — размер страницы"

// pageSizes — варианты для /settings.
var pageSizes = []int{5, 10, 20}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	log := b.userLogger(msg.From, msg.Command())

	switch msg.Command() {
	case "start":
		log.Info("start")
		b.sendMessage(chatID, startText)
	case "help":
		b.sendMessage(chatID, helpText)
	case "fav":
		page, _ := strconv.Atoi(strings.TrimSpace(msg.CommandArguments()))
		if page > 0 {
			page--
		}
		b.sendFavoritesPage(chatID, msg.From.ID, page)
	case "history":
		b.sendHistory(chatID, msg.From.ID)
	case "stats":
		b.sendStats(chatID, msg.From.ID)
	case "settings":
		b.sendSettings(chatID, msg.From.ID)
	case "note":
		b.saveNote(chatID, msg.From.ID, msg.CommandArguments(), log)
	default:
		b.sendMessage(chatID, "Нажмите /start чтобы начать")
	}
}

func (b *Bot) favoritesPage(userID int64, page int) (string, tgbotapi.InlineKeyboardMarkup, error) {
	size := b.userPageSize(userID)

	ctx, cancel := storeCtx()
	defer cancel()

	items, total, err := b.store.ListFavorites(ctx, userID, page*size, size)
	if err != nil {
		return "", tgbotapi.InlineKeyboardMarkup{}, err
	}
	pages := totalPages(total, size)
	if total > 0 && len(items) == 0 {
		// Страница за пределами списка, показываем последнюю.
		page = clampPage(page, pages)
		items, total, err = b.store.ListFavorites(ctx, userID, page*size, size)
		if err != nil {
			return "", tgbotapi.InlineKeyboardMarkup{}, err
		}
	}
	if total == 0 {
		return "⭐ Избранное пусто. Добавьте книгу кнопкой на карточке.", tgbotapi.InlineKeyboardMarkup{}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "⭐ Избранное: %d\nСтраница %d/%d\n", total, page+1, pages)
	for _, f := range items {
		if f.Notes != "" {
			fmt.Fprintf(&sb, "\n%s: 📝 %s", f.BookID, f.Notes)
		}
	}
	return sb.String(), bookListKeyboard(favoriteBooks(items), page, pages, cbFavPage), nil
}

func favoriteBooks(items []db.Favorite) []models.Book {
	books := make([]models.Book, 0, len(items))
	for _, f := range items {
		books = append(books, models.Book{ID: f.BookID, Title: f.Title, Author: f.Author})
	}
	return books
}

func (b *Bot) sendFavoritesPage(chatID, userID int64, page int) {
	text, markup, err := b.favoritesPage(userID, page)
	if err != nil {
		b.logger.Error("ListFavorites failed", zap.Int64("user_id", userID), zap.Error(err))
		b.sendMessage(chatID, msgServerError)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if len(markup.InlineKeyboard) > 0 {
		msg.ReplyMarkup = markup
	}
	b.send(msg)
}

func (b *Bot) editFavoritesPage(chatID int64, messageID int, userID int64, page int) {
	text, markup, err := b.favoritesPage(userID, page)
	if err != nil {
		b.logger.Error("ListFavorites failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if len(markup.InlineKeyboard) > 0 {
		edit.ReplyMarkup = &markup
	}
	b.send(edit)
}

func (b *Bot) sendHistory(chatID, userID int64) {
	ctx, cancel := storeCtx()
	defer cancel()

	items, err := b.store.RecentSearches(ctx, userID, recentLimit)
	if err != nil {
		b.logger.Error("RecentSearches failed", zap.Int64("user_id", userID), zap.Error(err))
		b.sendMessage(chatID, msgServerError)
		return
	}
	if len(items) == 0 {
		b.sendMessage(chatID, "История поиска пуста.")
		return
	}
	b.sendMessage(chatID, "🕘 Последние запросы:\n\n"+formatHistory(items))
}

func formatHistory(items []db.SearchEntry) string {
	var sb strings.Builder
	for i, item := range items {
		query := strings.ReplaceAll(item.Query, "\n", " / ")
		fmt.Fprintf(&sb, "%d. %s (%d) %s\n", i+1, query, item.Results, item.CreatedAt)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) sendStats(chatID, userID int64) {
	ctx, cancel := storeCtx()
	defer cancel()

	st, err := b.store.UserStats(ctx, userID)
	if err != nil {
		b.logger.Error("UserStats failed", zap.Int64("user_id", userID), zap.Error(err))
		b.sendMessage(chatID, msgServerError)
		return
	}
	b.sendMessage(chatID, formatStats(st))
}

func formatStats(st db.UserStats) string {
	var sb strings.Builder
	sb.WriteString("📊 Статистика\n\n")
	fmt.Fprintf(&sb, "🔍 Поисков: %d\n", st.Searches)
	fmt.Fprintf(&sb, "📥 Скачиваний: %d\n", st.Downloads)
	fmt.Fprintf(&sb, "⭐ В избранном: %d\n", st.Favorites)
	if st.MemberSince != "" {
		fmt.Fprintf(&sb, "📅 С нами с: %s\n", st.MemberSince)
	}
	if len(st.TopAuthors) > 0 {
		sb.WriteString("\nЛюбимые авторы:\n")
		for i, a := range st.TopAuthors {
			fmt.Fprintf(&sb, "%d. %s (%d)\n", i+1, a.Author, a.Count)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) sendSettings(chatID, userID int64) {
	size := b.userPageSize(userID)
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("⚙️ Книг на странице: %d", size))
	msg.ReplyMarkup = settingsKeyboard(size)
	b.send(msg)
}

func settingsKeyboard(current int) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, n := range pageSizes {
		text := strconv.Itoa(n)
		if n == current {
			text = "✅ " + text
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(text, callback{kind: cbPageSize, n: n}.String()))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

func validPageSize(n int) bool {
	for _, s := range pageSizes {
		if s == n {
			return true
		}
	}
	return false
}

func (b *Bot) setPageSize(cb *tgbotapi.CallbackQuery, size int) {
	if !validPageSize(size) {
		b.answer(cb.ID, "Недопустимое значение")
		return
	}

	ctx, cancel := storeCtx()
	err := b.store.SetPreferences(ctx, cb.From.ID, db.Preferences{PageSize: size})
	cancel()
	if err != nil {
		b.answer(cb.ID, "Ошибка сохранения")
		b.logger.Error("SetPreferences failed", zap.Int64("user_id", cb.From.ID), zap.Error(err))
		return
	}

	b.answer(cb.ID, "Сохранено")
	chatID := cb.Message.Chat.ID
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, cb.Message.MessageID,
		fmt.Sprintf("⚙️ Книг на странице: %d", size), settingsKeyboard(size))
	b.send(edit)
}

func (b *Bot) saveNote(chatID, userID int64, args string, log *zap.Logger) {
	id, text, _ := strings.Cut(strings.TrimSpace(args), " ")
	text = strings.TrimSpace(text)
	if !isDigits(id) {
		b.sendMessage(chatID, "Использование: /note <id книги> <текст заметки>")
		return
	}

	ctx, cancel := storeCtx()
	defer cancel()

	ok, err := b.store.UpdateFavoriteNotes(ctx, userID, id, text)
	if err != nil {
		log.Error("UpdateFavoriteNotes failed", zap.Error(err))
		b.sendMessage(chatID, msgServerError)
		return
	}
	if !ok {
		b.sendMessage(chatID, "Этой книги нет в избранном.")
		return
	}
	if text == "" {
		b.sendMessage(chatID, "📝 Заметка удалена.")
		return
	}
	b.sendMessage(chatID, "📝 Заметка сохранена.")
}
