package telegram

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"flibusta_bot/internal/cache"
	"flibusta_bot/internal/models"
)

const (
	maxButtonRunes = 60

	// Сессия живет час с последнего обращения, потом кнопки отвечают msgStale.
	sessionTTL  = time.Hour
	maxSessions = 1000
)

type searchSession struct {
	query    string
	books    []models.Book
	page     int
	pageSize int
}

// sessions хранит последние результаты поиска по чатам.
type sessions struct {
	mu    sync.Mutex
	cache *cache.Cache[*searchSession]
}

func newSessions(opts ...cache.Option) *sessions {
	return &sessions{cache: cache.New[*searchSession](sessionTTL, maxSessions, opts...)}
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (s *sessions) store(chatID int64, query string, books []models.Book, pageSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(chatKey(chatID), &searchSession{query: query, books: books, pageSize: pageSize})
}

// page returns a copy of the requested page and updates the current position.
func (s *sessions) page(chatID int64, page int) (books []models.Book, cur, pages, total int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, found := s.cache.Get(chatKey(chatID))
	if !found || len(session.books) == 0 {
		return nil, 0, 0, 0, false
	}
	s.cache.Set(chatKey(chatID), session)

	total = len(session.books)
	pages = totalPages(total, session.pageSize)
	cur = clampPage(page, pages)
	session.page = cur

	start, end := pageBounds(cur, session.pageSize, total)
	books = append([]models.Book(nil), session.books[start:end]...)
	return books, cur, pages, total, true
}

func (s *sessions) find(chatID int64, bookID string) (models.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.cache.Get(chatKey(chatID))
	if !ok {
		return models.Book{}, false
	}
	for _, book := range session.books {
		if book.ID == bookID {
			return book, true
		}
	}
	return models.Book{}, false
}

func clampPage(page, totalPages int) int {
	if totalPages <= 0 {
		return 0
	}
	if page < 0 {
		return 0
	}
	if page >= totalPages {
		return totalPages - 1
	}
	return page
}

func totalPages(total, pageSize int) int {
	if total == 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

func pageBounds(page, pageSize, total int) (int, int) {
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// bookListKeyboard — по кнопке на книгу и строка навигации, если страниц больше одной.
func bookListKeyboard(books []models.Book, page, pages int, pageKind string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton

	for _, book := range books {
		text := truncateRunes(fmt.Sprintf("%s - %s", book.Title, book.Author), maxButtonRunes)
		data := callback{kind: cbBook, id: book.ID}.String()
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(text, data)))
	}

	if pages > 1 {
		var navRow []tgbotapi.InlineKeyboardButton
		if page > 0 {
			navRow = append(navRow, tgbotapi.NewInlineKeyboardButtonData("⬅️", callback{kind: pageKind, n: page - 1}.String()))
		}
		navRow = append(navRow, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("• %d/%d •", page+1, pages),
			callback{kind: cbNoop}.String(),
		))
		if page < pages-1 {
			navRow = append(navRow, tgbotapi.NewInlineKeyboardButtonData("➡️", callback{kind: pageKind, n: page + 1}.String()))
		}
		rows = append(rows, navRow)
	}

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
