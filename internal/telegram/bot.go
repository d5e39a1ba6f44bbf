package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"flibusta_bot/internal/db"
	"flibusta_bot/internal/models"
	"flibusta_bot/internal/service"
)

// botAPI — часть tgbotapi.BotAPI, которой пользуется бот.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Store — операции с БД, которые нужны боту. *db.Store подходит.
type Store interface {
	EnsureUser(ctx context.Context, telegramID int64, username, fullName string) error
	AddSearch(ctx context.Context, userID int64, command, query string, results int) error
	RecentSearches(ctx context.Context, userID int64, limit int) ([]db.SearchEntry, error)
	ToggleFavorite(ctx context.Context, userID int64, book models.Book) (bool, error)
	IsFavorite(ctx context.Context, userID int64, bookID string) (bool, error)
	ListFavorites(ctx context.Context, userID int64, offset, limit int) ([]db.Favorite, int, error)
	UpdateFavoriteNotes(ctx context.Context, userID int64, bookID, notes string) (bool, error)
	AddDownload(ctx context.Context, userID int64, book models.Book, format string) error
	UserStats(ctx context.Context, userID int64) (db.UserStats, error)
	Preferences(ctx context.Context, userID int64) (db.Preferences, error)
	SetPreferences(ctx context.Context, userID int64, p db.Preferences) error
}

// Covers — дисковый кэш обложек. *storage.Covers подходит.
type Covers interface {
	Load(bookID string) ([]byte, bool, error)
	Save(bookID string, data []byte) (string, error)
}

type Options struct {
	Library Library
	Store   Store
	// Covers may be nil: covers are then downloaded on every card.
	Covers     Covers
	MiniAppURL string
	PageSize   int
	// SearchesPerMinute per user; zero disables the limit.
	SearchesPerMinute int
	// Workers bounds concurrently handled updates.
	Workers int
	Logger  *zap.Logger
}

type Bot struct {
	api        botAPI
	lib        Library
	store      Store
	covers     Covers
	miniAppURL string
	pageSize   int
	workers    int
	limiter    *userLimiter
	sessions   *sessions
	logger     *zap.Logger
}

const (
	defaultPageSize = 10
	storeTimeout    = 5 * time.Second
	recentLimit     = 10

	msgServerError = "Произошла ошибка на сервере. Попробуйте ещё раз."
	msgNothing     = "К сожалению, ничего не найдено =("
	msgStale       = "⚠️ Результаты поиска устарели. Напиши запрос ещё раз."
)

func NewBot(token string, opts Options) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("ошибка авторизации бота: %w", err)
	}
	api.Debug = false

	b := newBot(api, opts)
	b.logger.Info("bot authorized", zap.String("username", api.Self.UserName))
	return b, nil
}

func newBot(api botAPI, opts Options) *Bot {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bot{
		api:        api,
		lib:        opts.Library,
		store:      opts.Store,
		covers:     opts.Covers,
		miniAppURL: opts.MiniAppURL,
		pageSize:   opts.PageSize,
		workers:    opts.Workers,
		limiter:    newUserLimiter(opts.SearchesPerMinute),
		sessions:   newSessions(),
		logger:     opts.Logger,
	}
}

// Start — главный цикл. Возвращается после отмены ctx, дождавшись
// обработчиков, которые уже запущены.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	sem := make(chan struct{}, b.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			// Все воркеры заняты: ждем слот, но не дольше, чем живет ctx.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				b.api.StopReceivingUpdates()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				b.handleUpdate(update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panic", zap.Any("panic", r), zap.Int("update_id", update.UpdateID))
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	}
}

func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func fullName(u *tgbotapi.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (b *Bot) userLogger(u *tgbotapi.User, command string) *zap.Logger {
	return b.logger.With(
		zap.String("command", command),
		zap.Int64("user_id", u.ID),
		zap.String("user_name", u.UserName),
		zap.String("user_full_name", fullName(u)),
	)
}

func (b *Bot) ensureUser(u *tgbotapi.User) {
	ctx, cancel := storeCtx()
	defer cancel()
	if err := b.store.EnsureUser(ctx, u.ID, u.UserName, fullName(u)); err != nil {
		b.logger.Warn("EnsureUser failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}
}

func (b *Bot) userPageSize(userID int64) int {
	ctx, cancel := storeCtx()
	defer cancel()
	prefs, err := b.store.Preferences(ctx, userID)
	if err != nil {
		b.logger.Warn("Preferences failed", zap.Int64("user_id", userID), zap.Error(err))
		return b.pageSize
	}
	if prefs.PageSize > 0 {
		return prefs.PageSize
	}
	return b.pageSize
}

// handleMessage — команды и текст (поиск).
func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	b.ensureUser(msg.From)

	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}
	b.handleSearch(msg)
}

func (b *Bot) handleSearch(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	req, ok := parseSearchText(msg.Text)
	if !ok {
		return
	}
	log := b.userLogger(msg.From, req.command)

	if !b.limiter.allow(msg.From.ID) {
		b.sendMessage(chatID, "⏳ Слишком много запросов. Подождите минуту.")
		log.Info("search rate limited")
		return
	}

	log.Info("find the book", zap.String("book_name", req.title), zap.String("author", req.author))

	wait := b.sendMessage(chatID, "Подождите, идёт поиск...")
	books, err := runSearch(b.lib, req, log)
	b.deleteMessage(chatID, wait)

	ctx, cancel := storeCtx()
	if serr := b.store.AddSearch(ctx, msg.From.ID, req.command, req.query(), len(books)); serr != nil {
		log.Warn("AddSearch failed", zap.Error(serr))
	}
	cancel()

	if err != nil {
		if errors.Is(err, service.ErrNoResults) {
			b.sendMessage(chatID, msgNothing)
			if req.suspiciousAuthor {
				b.sendMessage(chatID, "Вероятно, вместо фамилии автора на второй строке было указано что-то ещё.")
			}
			return
		}
		log.Error("search error", zap.Error(err))
		b.sendMessage(chatID, msgServerError)
		return
	}

	b.sessions.store(chatID, req.query(), books, b.userPageSize(msg.From.ID))
	b.sendResultsPage(chatID, 0)
}

func (b *Bot) resultsPage(chatID int64, page int) (string, tgbotapi.InlineKeyboardMarkup, bool) {
	books, cur, pages, total, ok := b.sessions.page(chatID, page)
	if !ok {
		return "", tgbotapi.InlineKeyboardMarkup{}, false
	}
	text := fmt.Sprintf("📚 Найдено книг: %d\nСтраница %d/%d\nВыберите книгу:", total, cur+1, pages)
	return text, bookListKeyboard(books, cur, pages, cbPage), true
}

func (b *Bot) sendResultsPage(chatID int64, page int) {
	text, markup, ok := b.resultsPage(chatID, page)
	if !ok {
		b.sendMessage(chatID, msgStale)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	b.send(msg)
}

func (b *Bot) editResultsPage(chatID int64, messageID int, page int) {
	text, markup, ok := b.resultsPage(chatID, page)
	if !ok {
		b.sendMessage(chatID, msgStale)
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ReplyMarkup = &markup
	b.send(edit)
}

// handleCallback — нажатия на inline-кнопки.
func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	c, ok := parseCallback(cb.Data)
	if !ok {
		b.answer(cb.ID, "Кнопка устарела")
		b.logger.Warn("invalid callback data", zap.String("data", cb.Data))
		return
	}

	switch c.kind {
	case cbNoop:
		b.answer(cb.ID, "")
	case cbPage:
		b.answer(cb.ID, "Листаю…")
		b.editResultsPage(chatID, cb.Message.MessageID, c.n)
	case cbBook:
		b.answer(cb.ID, "Открываю…")
		b.sendBookCard(chatID, cb.From, c.id)
	case cbDownload:
		b.answer(cb.ID, "Начинаю скачивание... ⏳")
		b.downloadAndSend(chatID, cb.From, c.id, c.n)
	case cbFav:
		b.toggleFavorite(cb, c.id)
	case cbFavPage:
		b.answer(cb.ID, "Листаю…")
		b.editFavoritesPage(chatID, cb.Message.MessageID, cb.From.ID, c.n)
	case cbPageSize:
		b.setPageSize(cb, c.n)
	}
}

// loadBook берет карточку у сервиса; если автор не распознан, а в результатах
// поиска он был, используется автор из поиска.
func (b *Bot) loadBook(chatID int64, bookID string) (models.Book, error) {
	book, err := b.lib.GetBookByID(bookID)
	if err != nil {
		return models.Book{}, err
	}
	if book.Author == models.UnknownAuthor {
		if found, ok := b.sessions.find(chatID, bookID); ok && found.Author != models.UnknownAuthor {
			book.Author = found.Author
		}
	}
	return book, nil
}

func (b *Bot) bookError(chatID int64, err error, log *zap.Logger) {
	if errors.Is(err, service.ErrNotFound) {
		b.sendMessage(chatID, "😔 Книга не найдена.")
		return
	}
	log.Error("book lookup error", zap.Error(err))
	b.sendMessage(chatID, msgServerError)
}

func (b *Bot) sendBookCard(chatID int64, user *tgbotapi.User, bookID string) {
	log := b.userLogger(user, "find_book_by_id")
	log.Info("find the book", zap.String("search_string", bookID))

	wait := b.sendMessage(chatID, "Подождите, идёт загрузка...")
	defer b.deleteMessage(chatID, wait)

	book, err := b.loadBook(chatID, bookID)
	if err != nil {
		b.bookError(chatID, err, log)
		return
	}

	ctx, cancel := storeCtx()
	fav, err := b.store.IsFavorite(ctx, user.ID, book.ID)
	cancel()
	if err != nil {
		log.Warn("IsFavorite failed", zap.Error(err))
	}

	caption := bookCaption(book)
	markup := cardKeyboard(book, fav)

	// Telegram не умеет забирать .onion, поэтому обложка загружается байтами.
	if cover := b.coverBytes(book, log); len(cover) > 0 {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "cover.jpg", Bytes: cover})
		photo.Caption = caption
		photo.ReplyMarkup = markup
		_, err := b.api.Send(photo)
		if err == nil {
			return
		}
		log.Warn("send photo failed", zap.Error(err))
	}

	msg := tgbotapi.NewMessage(chatID, "[обложки нет]\n\n"+caption)
	msg.ReplyMarkup = markup
	b.send(msg)
}

func (b *Bot) coverBytes(book models.Book, log *zap.Logger) []byte {
	if book.Cover == "" {
		return nil
	}
	if b.covers != nil {
		data, ok, err := b.covers.Load(book.ID)
		if err != nil {
			log.Warn("cover cache read failed", zap.Error(err))
		}
		if ok {
			return data
		}
	}

	data, err := b.lib.DownloadBytes(book.Cover)
	if err != nil {
		log.Warn("cover download error", zap.String("cover", book.Cover), zap.Error(err))
		return nil
	}
	if b.covers != nil && len(data) > 0 {
		if _, err := b.covers.Save(book.ID, data); err != nil {
			log.Warn("cover cache write failed", zap.Error(err))
		}
	}
	return data
}

func (b *Bot) toggleFavorite(cb *tgbotapi.CallbackQuery, bookID string) {
	chatID := cb.Message.Chat.ID
	log := b.userLogger(cb.From, "favorite")

	book, err := b.loadBook(chatID, bookID)
	if err != nil {
		b.answer(cb.ID, "Не удалось открыть книгу")
		log.Warn("favorite lookup failed", zap.String("book_id", bookID), zap.Error(err))
		return
	}

	ctx, cancel := storeCtx()
	fav, err := b.store.ToggleFavorite(ctx, cb.From.ID, book)
	cancel()
	if err != nil {
		b.answer(cb.ID, "Ошибка сохранения")
		log.Error("ToggleFavorite failed", zap.Error(err))
		return
	}

	if fav {
		b.answer(cb.ID, "⭐ Добавлено в избранное")
	} else {
		b.answer(cb.ID, "Убрано из избранного")
	}
	log.Info("favorite toggled", zap.String("book_id", bookID), zap.Bool("favorite", fav))

	b.send(tgbotapi.NewEditMessageReplyMarkup(chatID, cb.Message.MessageID, cardKeyboard(book, fav)))
}

func (b *Bot) downloadAndSend(chatID int64, user *tgbotapi.User, bookID string, formatIdx int) {
	log := b.userLogger(user, "get_book_by_format")

	wait := b.sendMessage(chatID, "⏳ Скачиваю файл... Подождите...")
	defer b.deleteMessage(chatID, wait)

	book, err := b.loadBook(chatID, bookID)
	if err != nil {
		b.bookError(chatID, err, log)
		return
	}

	label := ""
	if formatIdx < len(book.Formats) {
		label = book.Formats[formatIdx].Label
	}
	log = log.With(zap.String("book_id", bookID), zap.String("format", label))
	log.Info("get book by format")

	data, filename, err := b.lib.Download(book, label)
	switch {
	case errors.Is(err, service.ErrNotAvailable):
		b.sendMessage(chatID, "⚠️ Этот формат больше недоступен. Откройте книгу заново.")
		return
	case errors.Is(err, service.ErrTooLarge):
		b.sendMessage(chatID, "❌ Файл слишком большой. Максимальный размер: 50 MB.")
		return
	case err != nil:
		log.Error("download error", zap.Error(err))
		b.sendMessage(chatID, "❌ Не удалось скачать файл. Возможно, ссылка устарела или Tor тупит.")
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = "📖 Ваша книга. Приятного чтения!"
	if b.miniAppURL != "" {
		doc.ReplyMarkup = miniAppMarkup(b.miniAppURL)
	}

	if _, err := b.api.Send(doc); err != nil {
		log.Error("send file error", zap.Error(err))
		b.sendMessage(chatID, "❌ Ошибка при отправке файла в Telegram.")
		return
	}

	ctx, cancel := storeCtx()
	defer cancel()
	if err := b.store.AddDownload(ctx, user.ID, book, label); err != nil {
		log.Warn("AddDownload failed", zap.Error(err))
	}
}

// tgbotapi v5.5 не знает про web_app, поэтому разметка описана вручную.
type webAppInfo struct {
	URL string `json:"url"`
}

type webAppButton struct {
	Text   string      `json:"text"`
	WebApp *webAppInfo `json:"web_app,omitempty"`
}

type webAppMarkup struct {
	InlineKeyboard [][]webAppButton `json:"inline_keyboard"`
}

func miniAppMarkup(url string) webAppMarkup {
	return webAppMarkup{
		InlineKeyboard: [][]webAppButton{
			{{Text: "📚 Моя полка", WebApp: &webAppInfo{URL: url}}},
		},
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Warn("telegram send failed", zap.Error(err))
	}
}

// sendMessage — хелпер для отправки текста. Возвращает ID сообщения (0 при ошибке).
func (b *Bot) sendMessage(chatID int64, text string) int {
	m, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		b.logger.Warn("telegram send failed", zap.Error(err))
		return 0
	}
	return m.MessageID
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("delete message failed", zap.Error(err))
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Debug("answer callback failed", zap.Error(err))
	}
}
