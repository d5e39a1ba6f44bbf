package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"flibusta_bot/internal/models"
)

// timeLayout совпадает с форматом CURRENT_TIMESTAMP в SQLite. Время хранится
// текстом в UTC, поэтому сравнение строк в WHERE совпадает с сравнением времени.
const timeLayout = "2006-01-02 15:04:05"

// DefaultShelf — полка, на которую попадает книга при добавлении в избранное.
const DefaultShelf = "Избранное"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock подменяет текущее время (для тестов очистки).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type SearchEntry struct {
	Command   string `json:"command"`
	Query     string `json:"query"`
	Results   int    `json:"results"`
	CreatedAt string `json:"created_at"`
}

type Favorite struct {
	BookID  string `json:"book_id"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	Tags    string `json:"tags"`
	Notes   string `json:"notes,omitempty"`
	AddedAt string `json:"added_at"`
}

type DownloadEntry struct {
	BookID    string `json:"book_id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Format    string `json:"format"`
	CreatedAt string `json:"created_at"`
}

type AuthorCount struct {
	Author string `json:"author"`
	Count  int    `json:"count"`
}

type UserStats struct {
	Searches    int           `json:"searches"`
	Downloads   int           `json:"downloads"`
	Favorites   int           `json:"favorites"`
	MemberSince string        `json:"member_since"`
	TopAuthors  []AuthorCount `json:"top_authors"`
}

// Preferences хранятся в users.preferences как JSON.
type Preferences struct {
	PageSize int `json:"page_size,omitempty"`
}

type CleanupResult struct {
	Searches int64
	Books    int64
}

func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("путь к SQLite пустой")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию БД: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия БД: %w", err)
	}
	// PRAGMA foreign_keys действует на соединение, поэтому соединение одно.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping используется health-эндпоинтом.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(db *sql.DB) error {
	pragma := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, stmt := range pragma {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ошибка PRAGMA: %w", err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	telegram_id INTEGER PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	full_name TEXT NOT NULL DEFAULT '',
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	last_seen TEXT DEFAULT CURRENT_TIMESTAMP,
	search_count INTEGER NOT NULL DEFAULT 0,
	download_count INTEGER NOT NULL DEFAULT 0,
	preferences TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS search_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	command TEXT NOT NULL,
	query TEXT NOT NULL,
	results_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(telegram_id)
);

CREATE INDEX IF NOT EXISTS idx_search_history_user ON search_history(user_id, created_at);

CREATE TABLE IF NOT EXISTS favorites (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	book_id TEXT NOT NULL,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	added_at TEXT NOT NULL,
	UNIQUE(user_id, book_id),
	FOREIGN KEY(user_id) REFERENCES users(telegram_id)
);

CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	book_id TEXT NOT NULL,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	format TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(telegram_id)
);

CREATE INDEX IF NOT EXISTS idx_downloads_user ON downloads(user_id);

CREATE TABLE IF NOT EXISTS books_cache (
	book_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0
);
`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ошибка миграции: %w", err)
	}
	return nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// EnsureUser создает пользователя или обновляет имя и last_seen.
func (s *Store) EnsureUser(ctx context.Context, telegramID int64, username, fullName string) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (telegram_id, username, full_name, created_at, last_seen)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(telegram_id) DO UPDATE SET
	username = excluded.username,
	full_name = excluded.full_name,
	last_seen = excluded.last_seen
`, telegramID, username, fullName, now, now)
	if err != nil {
		return fmt.Errorf("ошибка сохранения пользователя: %w", err)
	}
	return nil
}

func touchUser(ctx context.Context, tx *sql.Tx, telegramID int64, now string) error {
	_, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO users (telegram_id, created_at, last_seen) VALUES (?, ?, ?)
`, telegramID, now, now)
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// AddSearch пишет запрос в историю и увеличивает счетчик поисков.
func (s *Store) AddSearch(ctx context.Context, userID int64, command, query string, results int) error {
	now := s.stamp()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchUser(ctx, tx, userID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO search_history (user_id, command, query, results_count, created_at)
VALUES (?, ?, ?, ?, ?)
`, userID, command, query, results, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE users SET search_count = search_count + 1, last_seen = ? WHERE telegram_id = ?
`, now, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ошибка записи истории поиска: %w", err)
	}
	return nil
}

func (s *Store) RecentSearches(ctx context.Context, userID int64, limit int) ([]SearchEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT command, query, results_count, created_at
FROM search_history
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения истории: %w", err)
	}
	defer rows.Close()

	var items []SearchEntry
	for rows.Next() {
		var e SearchEntry
		if err := rows.Scan(&e.Command, &e.Query, &e.Results, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка скана истории: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка rows: %w", err)
	}
	return items, nil
}

// AddFavorite добавляет книгу на полку; повторное добавление ничего не меняет.
func (s *Store) AddFavorite(ctx context.Context, userID int64, book models.Book) error {
	now := s.stamp()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchUser(ctx, tx, userID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO favorites (user_id, book_id, title, author, tags, added_at)
VALUES (?, ?, ?, ?, ?, ?)
`, userID, book.ID, book.Title, book.Author, DefaultShelf, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("ошибка добавления в избранное: %w", err)
	}
	return nil
}

func (s *Store) RemoveFavorite(ctx context.Context, userID int64, bookID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE user_id = ? AND book_id = ?`, userID, bookID)
	if err != nil {
		return fmt.Errorf("ошибка удаления из избранного: %w", err)
	}
	return nil
}

func (s *Store) IsFavorite(ctx context.Context, userID int64, bookID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM favorites WHERE user_id = ? AND book_id = ?
`, userID, bookID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки избранного: %w", err)
	}
	return n > 0, nil
}

// ToggleFavorite добавляет или убирает книгу и возвращает новое состояние.
func (s *Store) ToggleFavorite(ctx context.Context, userID int64, book models.Book) (bool, error) {
	fav, err := s.IsFavorite(ctx, userID, book.ID)
	if err != nil {
		return false, err
	}
	if fav {
		return false, s.RemoveFavorite(ctx, userID, book.ID)
	}
	return true, s.AddFavorite(ctx, userID, book)
}

// ListFavorites returns one page of the shelf, newest first, and the total size.
func (s *Store) ListFavorites(ctx context.Context, userID int64, offset, limit int) ([]Favorite, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчета избранного: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT book_id, title, author, tags, notes, added_at
FROM favorites
WHERE user_id = ?
ORDER BY added_at DESC, id DESC
LIMIT ? OFFSET ?
`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка чтения избранного: %w", err)
	}
	defer rows.Close()

	var items []Favorite
	for rows.Next() {
		var f Favorite
		if err := rows.Scan(&f.BookID, &f.Title, &f.Author, &f.Tags, &f.Notes, &f.AddedAt); err != nil {
			return nil, 0, fmt.Errorf("ошибка скана избранного: %w", err)
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка rows: %w", err)
	}
	return items, total, nil
}

// UpdateFavoriteNotes returns false when the book is not on the user's shelf.
func (s *Store) UpdateFavoriteNotes(ctx context.Context, userID int64, bookID, notes string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE favorites SET notes = ? WHERE user_id = ? AND book_id = ?
`, notes, userID, bookID)
	if err != nil {
		return false, fmt.Errorf("ошибка сохранения заметки: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ошибка сохранения заметки: %w", err)
	}
	return n > 0, nil
}

// AddDownload пишет скачивание в журнал и увеличивает счетчик.
func (s *Store) AddDownload(ctx context.Context, userID int64, book models.Book, format string) error {
	now := s.stamp()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchUser(ctx, tx, userID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO downloads (user_id, book_id, title, author, format, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, userID, book.ID, book.Title, book.Author, format, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE users SET download_count = download_count + 1, last_seen = ? WHERE telegram_id = ?
`, now, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ошибка записи скачивания: %w", err)
	}
	return nil
}

func (s *Store) RecentDownloads(ctx context.Context, userID int64, limit int) ([]DownloadEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT book_id, title, author, format, created_at
FROM downloads
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения скачиваний: %w", err)
	}
	defer rows.Close()

	var items []DownloadEntry
	for rows.Next() {
		var d DownloadEntry
		if err := rows.Scan(&d.BookID, &d.Title, &d.Author, &d.Format, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка скана скачиваний: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка rows: %w", err)
	}
	return items, nil
}

func (s *Store) UserStats(ctx context.Context, userID int64) (UserStats, error) {
	var st UserStats
	err := s.db.QueryRowContext(ctx, `
SELECT u.search_count, u.download_count, u.created_at,
	(SELECT COUNT(*) FROM favorites f WHERE f.user_id = u.telegram_id)
FROM users u
WHERE u.telegram_id = ?
`, userID).Scan(&st.Searches, &st.Downloads, &st.MemberSince, &st.Favorites)
	if errors.Is(err, sql.ErrNoRows) {
		return UserStats{}, nil
	}
	if err != nil {
		return UserStats{}, fmt.Errorf("ошибка чтения статистики: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT author, COUNT(*) AS n
FROM downloads
WHERE user_id = ?
GROUP BY author
ORDER BY n DESC, author
LIMIT 5
`, userID)
	if err != nil {
		return UserStats{}, fmt.Errorf("ошибка чтения статистики: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ac AuthorCount
		if err := rows.Scan(&ac.Author, &ac.Count); err != nil {
			return UserStats{}, fmt.Errorf("ошибка скана статистики: %w", err)
		}
		st.TopAuthors = append(st.TopAuthors, ac)
	}
	if err := rows.Err(); err != nil {
		return UserStats{}, fmt.Errorf("ошибка rows: %w", err)
	}
	return st, nil
}

// Preferences возвращает настройки пользователя; неизвестный пользователь получает пустые.
func (s *Store) Preferences(ctx context.Context, userID int64) (Preferences, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT preferences FROM users WHERE telegram_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("ошибка чтения настроек: %w", err)
	}

	var p Preferences
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return Preferences{}, fmt.Errorf("ошибка разбора настроек: %w", err)
		}
	}
	return p, nil
}

func (s *Store) SetPreferences(ctx context.Context, userID int64, p Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("ошибка сериализации настроек: %w", err)
	}
	now := s.stamp()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchUser(ctx, tx, userID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET preferences = ? WHERE telegram_id = ?`, string(raw), userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения настроек: %w", err)
	}
	return nil
}

// LookupBook читает карточку из кэша и увеличивает access_count.
func (s *Store) LookupBook(ctx context.Context, id string) (models.Book, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM books_cache WHERE book_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Book{}, false, nil
	}
	if err != nil {
		return models.Book{}, false, fmt.Errorf("ошибка чтения кэша книг: %w", err)
	}

	var book models.Book
	if err := json.Unmarshal([]byte(raw), &book); err != nil {
		return models.Book{}, false, fmt.Errorf("ошибка разбора кэша книги %s: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx, `
UPDATE books_cache SET access_count = access_count + 1 WHERE book_id = ?
`, id); err != nil {
		return models.Book{}, false, fmt.Errorf("ошибка обновления кэша книг: %w", err)
	}
	return book, true, nil
}

// StoreBook сохраняет карточку; счетчик обращений при перезаписи сохраняется.
func (s *Store) StoreBook(ctx context.Context, book models.Book) error {
	if book.ID == "" {
		return fmt.Errorf("пустой ID книги")
	}
	raw, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("ошибка сериализации книги: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO books_cache (book_id, data, cached_at)
VALUES (?, ?, ?)
ON CONFLICT(book_id) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at
`, book.ID, string(raw), s.stamp())
	if err != nil {
		return fmt.Errorf("ошибка записи кэша книг: %w", err)
	}
	return nil
}

// Cleanup удаляет историю поиска старше days дней и редко читаемые
// (access_count < 2) карточки того же возраста.
func (s *Store) Cleanup(ctx context.Context, days int) (CleanupResult, error) {
	if days <= 0 {
		return CleanupResult{}, fmt.Errorf("некорректный срок хранения: %d", days)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	var res CleanupResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM search_history WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		if res.Searches, err = r.RowsAffected(); err != nil {
			return err
		}

		r, err = tx.ExecContext(ctx, `DELETE FROM books_cache WHERE cached_at < ? AND access_count < 2`, cutoff)
		if err != nil {
			return err
		}
		res.Books, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("ошибка очистки: %w", err)
	}
	return res, nil
}
