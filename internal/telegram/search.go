package telegram

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"flibusta_bot/internal/models"
	"flibusta_bot/internal/service"
)

// Library — операции каталога, которые нужны боту. *service.FlibustaClient подходит.
type Library interface {
	SearchByTitle(query string) ([]models.Book, error)
	SearchByAuthor(query string) ([][]models.Book, error)
	SearchExact(title, author string) ([]models.Book, error)
	GetBookByID(id string) (models.Book, error)
	Download(book models.Book, label string) ([]byte, string, error)
	DownloadBytes(targetURL string) ([]byte, error)
}

// Команды для истории поиска и логов.
const (
	commandFind  = "find"
	commandExact = "exact"
)

type searchRequest struct {
	command string
	title   string
	author  string
	// suspiciousAuthor: на второй строке больше одного слова, вероятно не фамилия.
	suspiciousAuthor bool
}

func (r searchRequest) query() string {
	if r.command == commandExact {
		return r.title + "\n" + r.author
	}
	return r.title
}

// parseSearchText: две строки — "название" и "фамилия автора", иначе общий поиск.
func parseSearchText(text string) (searchRequest, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return searchRequest{}, false
	}

	if title, author, ok := strings.Cut(text, "\n"); ok {
		title = strings.TrimSpace(title)
		author = strings.Join(strings.Fields(author), " ")
		if title == "" && author == "" {
			return searchRequest{}, false
		}
		return searchRequest{
			command:          commandExact,
			title:            title,
			author:           author,
			suspiciousAuthor: len(strings.Fields(author)) > 1,
		}, true
	}

	return searchRequest{command: commandFind, title: text}, true
}

// runSearch выполняет запрос и склеивает результаты. Ошибка возвращается,
// только если ничего не нашлось и хотя бы один запрос упал.
func runSearch(lib Library, req searchRequest, logger *zap.Logger) ([]models.Book, error) {
	if req.command == commandExact {
		books, err := lib.SearchExact(req.title, req.author)
		if err != nil {
			return nil, err
		}
		return books, nil
	}

	var (
		found   []models.Book
		lastErr error
	)
	collect := func(kind string, books []models.Book, err error) {
		switch {
		case err == nil:
			found = append(found, books...)
		case errors.Is(err, service.ErrNoResults), errors.Is(err, service.ErrNotFound):
		default:
			logger.Warn("search failed", zap.String("kind", kind), zap.String("query", req.title), zap.Error(err))
			lastErr = err
		}
	}

	books, err := lib.SearchByTitle(req.title)
	collect("title", books, err)

	groups, err := lib.SearchByAuthor(req.title)
	collect("author", models.Flatten(groups), err)

	if service.IsBookID(req.title) {
		book, err := lib.GetBookByID(req.title)
		if err == nil {
			collect("id", []models.Book{book}, nil)
		} else {
			collect("id", nil, err)
		}
	}

	found = models.Dedup(found)
	if len(found) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, service.ErrNoResults
	}
	return found, nil
}
