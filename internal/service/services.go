package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"flibusta_bot/internal/cache"
	"flibusta_bot/internal/metrics"
	"flibusta_bot/internal/models"
	"flibusta_bot/internal/network"
	"flibusta_bot/internal/parser"
)

// Ошибки, которые видит слой бота. Сравнивать через errors.Is.
var (
	ErrFetch        = network.ErrFetch
	ErrNoResults    = errors.New("no results")
	ErrNotFound     = parser.ErrNotFound
	ErrNotAvailable = errors.New("format not available")
	// ErrTooLarge приходит вместе с ErrFetch, если файл больше MaxDownloadBytes.
	ErrTooLarge = network.ErrTooLarge
)

// DefaultDownloadTimeout всегда больше network.DefaultFetchTimeout.
const DefaultDownloadTimeout = 5 * time.Minute

// PageFetcher — то, что сервису нужно от сети. *network.Fetcher подходит.
type PageFetcher interface {
	Fetch(targetURL string) (*goquery.Document, error)
	Get(targetURL string, timeout time.Duration, limit int64) ([]byte, http.Header, error)
}

// BookCache is the persistent detail cache, implemented by db.Store.
type BookCache interface {
	LookupBook(ctx context.Context, id string) (models.Book, bool, error)
	StoreBook(ctx context.Context, book models.Book) error
}

type Options struct {
	Site    string
	Fetcher PageFetcher
	// Books may be nil: details are then cached in memory only.
	Books BookCache

	SearchTTL  time.Duration
	SearchSize int
	DetailTTL  time.Duration
	DetailSize int

	DownloadTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

// FlibustaClient собирает поиск, карточки и скачивание поверх парсера и кэшей.
type FlibustaClient struct {
	site            string
	fetcher         PageFetcher
	books           BookCache
	downloadTimeout time.Duration

	lists   *cache.Cache[[]models.Book]
	groups  *cache.Cache[[][]models.Book]
	details *cache.Cache[models.Book]

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewFlibustaClient(opts Options) *FlibustaClient {
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = 120 * time.Second
	}
	if opts.SearchSize <= 0 {
		opts.SearchSize = 256
	}
	if opts.DetailTTL <= 0 {
		opts.DetailTTL = 300 * time.Second
	}
	if opts.DetailSize <= 0 {
		opts.DetailSize = 128
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var cacheOpts []cache.Option
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(opts.Clock))
	}

	return &FlibustaClient{
		site:            strings.TrimRight(opts.Site, "/"),
		fetcher:         opts.Fetcher,
		books:           opts.Books,
		downloadTimeout: opts.DownloadTimeout,
		lists:           cache.New[[]models.Book](opts.SearchTTL, opts.SearchSize, cacheOpts...),
		groups:          cache.New[[][]models.Book](opts.SearchTTL, opts.SearchSize, cacheOpts...),
		details:         cache.New[models.Book](opts.DetailTTL, opts.DetailSize, cacheOpts...),
		metrics:         opts.Metrics,
		logger:          opts.Logger,
	}
}

// Site returns the catalog origin without a trailing slash.
func (s *FlibustaClient) Site() string {
	return s.site
}

// SearchByTitle ищет книги по названию.
func (s *FlibustaClient) SearchByTitle(query string) ([]models.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}
	target := fmt.Sprintf("%s/booksearch?ask=%s&chb=on", s.site, url.QueryEscape(query))

	return s.cachedList(cache.Key(cache.KindTitle, query), target, func(doc *goquery.Document) []models.Book {
		return parser.ParseTitleSearch(doc, s.site)
	})
}

// SearchExact — точный поиск по паре "название + автор".
func (s *FlibustaClient) SearchExact(title, author string) ([]models.Book, error) {
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)
	if title == "" && author == "" {
		return nil, ErrNoResults
	}
	target := fmt.Sprintf("%s/makebooklist?ab=ab1&t=%s&ln=%s&sort=sd2",
		s.site, url.QueryEscape(title), url.QueryEscape(author))

	return s.cachedList(cache.Key(cache.KindExact, title, author), target, func(doc *goquery.Document) []models.Book {
		return parser.ParseExactSearch(doc, s.site, author)
	})
}

func (s *FlibustaClient) cachedList(key, target string, extract func(*goquery.Document) []models.Book) ([]models.Book, error) {
	kind := strings.SplitN(key, "\x00", 2)[0]

	if books, ok := s.lists.Get(key); ok {
		s.metrics.CacheLookup(kind, true)
		if len(books) == 0 {
			return nil, ErrNoResults
		}
		return books, nil
	}
	s.metrics.CacheLookup(kind, false)

	doc, err := s.fetcher.Fetch(target)
	if err != nil {
		s.metrics.Scrape(kind, "fetch_error")
		return nil, err
	}

	books := models.Dedup(extract(doc))
	s.lists.Set(key, books)

	if len(books) == 0 {
		s.metrics.Scrape(kind, "empty")
		return nil, ErrNoResults
	}
	s.metrics.Scrape(kind, "ok")
	return books, nil
}

// SearchByAuthor находит страницы авторов и собирает книги с каждой.
// Результат сгруппирован по авторам в порядке выдачи сайта.
// Ошибка на странице одного автора не мешает остальным; такой неполный
// результат возвращается, но в кэш не попадает.
func (s *FlibustaClient) SearchByAuthor(query string) ([][]models.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}
	key := cache.Key(cache.KindAuthor, query)

	if groups, ok := s.groups.Get(key); ok {
		s.metrics.CacheLookup(cache.KindAuthor, true)
		if len(groups) == 0 {
			return nil, ErrNoResults
		}
		return groups, nil
	}
	s.metrics.CacheLookup(cache.KindAuthor, false)

	target := fmt.Sprintf("%s/booksearch?ask=%s&cha=on", s.site, url.QueryEscape(query))
	doc, err := s.fetcher.Fetch(target)
	if err != nil {
		s.metrics.Scrape(cache.KindAuthor, "fetch_error")
		return nil, err
	}

	authorURLs := parser.ParseAuthorSearch(doc, s.site)

	groups := [][]models.Book{}
	var failed int
	var lastErr error
	for _, authorURL := range authorURLs {
		page, err := s.fetcher.Fetch(authorURL)
		if err != nil {
			failed++
			lastErr = err
			s.logger.Warn("author page skipped", zap.String("url", authorURL), zap.Error(err))
			continue
		}
		name, books := parser.ParseAuthorPage(page, s.site)
		if len(books) == 0 {
			s.logger.Debug("author without books", zap.String("url", authorURL), zap.String("author", name))
			continue
		}
		groups = append(groups, books)
	}

	if failed > 0 {
		if len(groups) == 0 {
			s.metrics.Scrape(cache.KindAuthor, "fetch_error")
			return nil, lastErr
		}
		s.metrics.Scrape(cache.KindAuthor, "partial")
		return groups, nil
	}

	s.groups.Set(key, groups)
	if len(groups) == 0 {
		s.metrics.Scrape(cache.KindAuthor, "empty")
		return nil, ErrNoResults
	}
	s.metrics.Scrape(cache.KindAuthor, "ok")
	return groups, nil
}

// GetBookByID returns the full card of a book: memory cache, then the
// persistent cache, then the detail page.
func (s *FlibustaClient) GetBookByID(id string) (models.Book, error) {
	id = strings.TrimSpace(id)
	if !IsBookID(id) {
		return models.Book{}, ErrNotFound
	}
	key := cache.Key(cache.KindBook, id)

	if book, ok := s.details.Get(key); ok {
		s.metrics.CacheLookup(cache.KindBook, true)
		return book, nil
	}
	s.metrics.CacheLookup(cache.KindBook, false)

	if s.books != nil {
		book, ok, err := s.books.LookupBook(context.Background(), id)
		switch {
		case err != nil:
			s.logger.Warn("persistent book cache lookup failed", zap.String("book_id", id), zap.Error(err))
		case ok:
			s.metrics.CacheLookup("persistent", true)
			s.details.Set(key, book)
			return book, nil
		default:
			s.metrics.CacheLookup("persistent", false)
		}
	}

	doc, err := s.fetcher.Fetch(models.BookLink(s.site, id))
	if err != nil {
		s.metrics.Scrape(cache.KindBook, "fetch_error")
		return models.Book{}, err
	}

	book, err := parser.ParseBookDetails(doc, s.site, id)
	if err != nil {
		s.metrics.Scrape(cache.KindBook, "not_found")
		return models.Book{}, err
	}
	s.metrics.Scrape(cache.KindBook, "ok")

	s.details.Set(key, book)
	if s.books != nil {
		if err := s.books.StoreBook(context.Background(), book); err != nil {
			s.logger.Warn("persistent book cache store failed", zap.String("book_id", id), zap.Error(err))
		}
	}
	return book, nil
}

// Download скачивает книгу в формате label и подбирает имя файла.
func (s *FlibustaClient) Download(book models.Book, label string) ([]byte, string, error) {
	target, ok := book.FormatURL(label)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrNotAvailable, label)
	}

	data, header, err := s.fetcher.Get(target, s.downloadTimeout, MaxDownloadBytes)
	if err != nil {
		s.metrics.Download("error")
		return nil, "", err
	}
	if len(data) == 0 {
		s.metrics.Download("error")
		return nil, "", fmt.Errorf("%w: пустой файл %s", ErrFetch, target)
	}
	s.metrics.Download("ok")

	return data, ResolveFilename(header.Get("Content-Disposition"), book, label), nil
}

// DownloadBytes downloads an arbitrary URL (cover images) with the download timeout.
func (s *FlibustaClient) DownloadBytes(targetURL string) ([]byte, error) {
	data, _, err := s.fetcher.Get(targetURL, s.downloadTimeout, MaxDownloadBytes)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// IsBookID reports whether s looks like a numeric book ID.
func IsBookID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
