package telegram

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"flibusta_bot/internal/db"
	"flibusta_bot/internal/models"
	"flibusta_bot/internal/service"
	"flibusta_bot/internal/storage"
)

// fakeAPI записывает все, что бот отправил в Telegram.
type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		case tgbotapi.PhotoConfig:
			out = append(out, m.Caption)
		case tgbotapi.DocumentConfig:
			out = append(out, m.Caption)
		}
	}
	return out
}

func (f *fakeAPI) last() tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAPI) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
	f.requests = nil
}

const (
	testChat = int64(100)
	testUser = int64(7)
)

type testBot struct {
	*Bot
	api   *fakeAPI
	lib   *fakeLibrary
	store *db.Store
}

func newTestBot(t *testing.T, lib *fakeLibrary, mutate ...func(*Options)) *testBot {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	covers, err := storage.NewCovers(filepath.Join(t.TempDir(), "covers"))
	require.NoError(t, err)

	opts := Options{
		Library:    lib,
		Store:      store,
		Covers:     covers,
		MiniAppURL: "https://shelf.test/app",
		PageSize:   10,
		Logger:     zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}

	api := &fakeAPI{updates: make(chan tgbotapi.Update, 4)}
	return &testBot{Bot: newBot(api, opts), api: api, lib: lib, store: store}
}

func from() *tgbotapi.User {
	return &tgbotapi.User{ID: testUser, UserName: "reader", FirstName: "Иван", LastName: "Петров"}
}

func textUpdate(text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      from(),
		Chat:      &tgbotapi.Chat{ID: testChat},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func callbackUpdate(data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    from(),
		Message: &tgbotapi.Message{MessageID: 50, Chat: &tgbotapi.Chat{ID: testChat}},
		Data:    data,
	}}
}

func detailBook() models.Book {
	book := models.Book{ID: "5", Title: "Книга", Author: "Автор", Link: "http://flibusta.test/b/5"}
	book.SetFormat("(fb2)", "http://flibusta.test/b/5/fb2")
	book.SetFormat("(epub)", "http://flibusta.test/b/5/epub")
	return book
}

func TestStartCommand(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{})

	tb.handleUpdate(textUpdate("/start"))

	assert.Equal(t, []string{startText}, tb.api.texts())
}

func TestUnknownCommand(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{})

	tb.handleUpdate(textUpdate("/what"))

	assert.Equal(t, []string{"Нажмите /start чтобы начать"}, tb.api.texts())
}

func TestSearchShowsResultsAndRecordsHistory(t *testing.T) {
	lib := &fakeLibrary{byTitle: makeBooks(2)}
	tb := newTestBot(t, lib)

	tb.handleUpdate(textUpdate("Мастер"))

	texts := tb.api.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Подождите, идёт поиск...", texts[0])
	assert.True(t, strings.HasPrefix(texts[1], "📚 Найдено книг: 2\nСтраница 1/1"), texts[1])

	results := tb.api.last().(tgbotapi.MessageConfig)
	kb := results.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	assert.Len(t, kb.InlineKeyboard, 2)

	// Сообщение "идёт поиск" удалено.
	require.NotEmpty(t, tb.api.requests)
	del, ok := tb.api.requests[0].(tgbotapi.DeleteMessageConfig)
	require.True(t, ok)
	assert.Equal(t, 1, del.MessageID)

	history, err := tb.store.RecentSearches(context.Background(), testUser, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, commandFind, history[0].Command)
	assert.Equal(t, 2, history[0].Results)
}

func TestSearchNothingFoundWithAuthorHint(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{})

	tb.handleUpdate(textUpdate("1984\nДжордж Оруэлл"))

	texts := tb.api.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, msgNothing, texts[1])
	assert.Contains(t, texts[2], "на второй строке")
	assert.Equal(t, 1, tb.lib.callCount("exact:1984|Джордж Оруэлл"))
}

func TestSearchServerError(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{titleErr: service.ErrFetch, authorErr: service.ErrFetch})

	tb.handleUpdate(textUpdate("что-то"))

	assert.Equal(t, msgServerError, tb.api.texts()[1])
}

func TestSearchRateLimited(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{byTitle: makeBooks(1)}, func(o *Options) { o.SearchesPerMinute = 1 })

	tb.handleUpdate(textUpdate("раз"))
	tb.api.reset()
	tb.handleUpdate(textUpdate("два"))

	assert.Equal(t, []string{"⏳ Слишком много запросов. Подождите минуту."}, tb.api.texts())
	assert.Zero(t, tb.lib.callCount("title:два"))
}

func TestPageCallbackEditsResults(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{byTitle: makeBooks(23)})
	tb.handleUpdate(textUpdate("много"))
	tb.api.reset()

	tb.handleUpdate(callbackUpdate("page:2"))

	edit, ok := tb.api.last().(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, 50, edit.MessageID)
	assert.True(t, strings.HasPrefix(edit.Text, "📚 Найдено книг: 23\nСтраница 3/3"), edit.Text)
	assert.Len(t, edit.ReplyMarkup.InlineKeyboard, 4)
}

func TestPageCallbackWithoutSession(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{})

	tb.handleUpdate(callbackUpdate("page:1"))

	assert.Equal(t, []string{msgStale}, tb.api.texts())
}

func TestBookCardWithoutCover(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{books: map[string]models.Book{"5": detailBook()}})

	tb.handleUpdate(callbackUpdate("book:5"))

	card, ok := tb.api.last().(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(card.Text, "[обложки нет]\n\n📖 Книга"), card.Text)
	kb := card.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	assert.Equal(t, "dl:5:0", *kb.InlineKeyboard[0][0].CallbackData)
}

func TestBookCardCoverIsCached(t *testing.T) {
	book := detailBook()
	book.Cover = "http://flibusta.test/i/5.jpg"
	lib := &fakeLibrary{books: map[string]models.Book{"5": book}, cover: []byte("\xff\xd8jpeg")}
	tb := newTestBot(t, lib)

	tb.handleUpdate(callbackUpdate("book:5"))
	tb.handleUpdate(callbackUpdate("5"))

	photo, ok := tb.api.last().(tgbotapi.PhotoConfig)
	require.True(t, ok)
	assert.Contains(t, photo.Caption, "📖 Книга")
	assert.Equal(t, 1, lib.callCount("bytes:"))
}

func TestBookCardUsesSearchAuthor(t *testing.T) {
	book := detailBook()
	book.Author = models.UnknownAuthor
	tb := newTestBot(t, &fakeLibrary{books: map[string]models.Book{"5": book}})
	tb.sessions.store(testChat, "q", []models.Book{{ID: "5", Title: "Книга", Author: "Булгаков"}}, 10)

	tb.handleUpdate(callbackUpdate("book:5"))

	card := tb.api.last().(tgbotapi.MessageConfig)
	assert.Contains(t, card.Text, "🗣 Булгаков")
}

func TestBookCardNotFound(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{})

	tb.handleUpdate(callbackUpdate("book:404"))

	assert.Contains(t, tb.api.texts(), "😔 Книга не найдена.")
}

func TestDownloadSendsDocument(t *testing.T) {
	lib := &fakeLibrary{
		books: map[string]models.Book{"5": detailBook()},
		files: map[string][]byte{"(fb2)": []byte("PK\x03\x04")},
	}
	tb := newTestBot(t, lib)

	tb.handleUpdate(callbackUpdate("dl:5:0"))

	var doc tgbotapi.DocumentConfig
	for _, c := range tb.api.sent {
		if d, ok := c.(tgbotapi.DocumentConfig); ok {
			doc = d
		}
	}
	file, ok := doc.File.(tgbotapi.FileBytes)
	require.True(t, ok)
	assert.Equal(t, "Книга.fb2", file.Name)
	assert.Equal(t, []byte("PK\x03\x04"), file.Bytes)

	markup, ok := doc.ReplyMarkup.(webAppMarkup)
	require.True(t, ok)
	assert.Equal(t, "https://shelf.test/app", markup.InlineKeyboard[0][0].WebApp.URL)

	st, err := tb.store.UserStats(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Downloads)
}

func TestDownloadErrors(t *testing.T) {
	lib := &fakeLibrary{books: map[string]models.Book{"5": detailBook()}}
	tb := newTestBot(t, lib)

	tb.handleUpdate(callbackUpdate("dl:5:9"))
	assert.Contains(t, tb.api.texts(), "⚠️ Этот формат больше недоступен. Откройте книгу заново.")

	lib.downloadEr = service.ErrTooLarge
	tb.handleUpdate(callbackUpdate("dl:5:0"))
	assert.Contains(t, tb.api.texts(), "❌ Файл слишком большой. Максимальный размер: 50 MB.")

	st, err := tb.store.UserStats(context.Background(), testUser)
	require.NoError(t, err)
	assert.Zero(t, st.Downloads)
}

func TestFavoriteToggle(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{books: map[string]models.Book{"5": detailBook()}})
	ctx := context.Background()

	tb.handleUpdate(callbackUpdate("fav:5"))
	fav, err := tb.store.IsFavorite(ctx, testUser, "5")
	require.NoError(t, err)
	assert.True(t, fav)

	edit, ok := tb.api.last().(tgbotapi.EditMessageReplyMarkupConfig)
	require.True(t, ok)
	rows := edit.ReplyMarkup.InlineKeyboard
	assert.Equal(t, "✖️ Убрать из избранного", rows[len(rows)-1][0].Text)

	tb.handleUpdate(callbackUpdate("fav:5"))
	fav, err = tb.store.IsFavorite(ctx, testUser, "5")
	require.NoError(t, err)
	assert.False(t, fav)
}

func TestFavoritesAndNotes(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{books: map[string]models.Book{"5": detailBook()}})

	tb.handleUpdate(textUpdate("/fav"))
	assert.Contains(t, tb.api.texts()[0], "Избранное пусто")

	tb.handleUpdate(textUpdate("/note 5 перечитать"))
	assert.Contains(t, tb.api.texts(), "Этой книги нет в избранном.")

	tb.handleUpdate(callbackUpdate("fav:5"))
	tb.handleUpdate(textUpdate("/note 5 перечитать"))
	assert.Contains(t, tb.api.texts(), "📝 Заметка сохранена.")

	tb.api.reset()
	tb.handleUpdate(textUpdate("/fav"))
	msg := tb.api.last().(tgbotapi.MessageConfig)
	assert.Contains(t, msg.Text, "⭐ Избранное: 1")
	assert.Contains(t, msg.Text, "5: 📝 перечитать")

	tb.handleUpdate(textUpdate("/note abc"))
	assert.Contains(t, tb.api.texts(), "Использование: /note <id книги> <текст заметки>")
}

func TestSettingsChangePageSize(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{byTitle: makeBooks(23)})

	tb.handleUpdate(textUpdate("/settings"))
	assert.Equal(t, []string{"⚙️ Книг на странице: 10"}, tb.api.texts())

	tb.handleUpdate(callbackUpdate("psize:7"))
	tb.handleUpdate(callbackUpdate("psize:20"))

	prefs, err := tb.store.Preferences(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 20, prefs.PageSize)

	tb.api.reset()
	tb.handleUpdate(textUpdate("книги"))
	assert.True(t, strings.HasPrefix(tb.api.texts()[1], "📚 Найдено книг: 23\nСтраница 1/2"))
}

func TestHistoryAndStats(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{byTitle: makeBooks(1)})

	tb.handleUpdate(textUpdate("/history"))
	assert.Equal(t, []string{"История поиска пуста."}, tb.api.texts())

	tb.handleUpdate(textUpdate("первый"))
	tb.api.reset()

	tb.handleUpdate(textUpdate("/history"))
	assert.Contains(t, tb.api.texts()[0], "1. первый (1)")

	tb.handleUpdate(textUpdate("/stats"))
	assert.Contains(t, tb.api.texts()[1], "🔍 Поисков: 1")
}

type panicLibrary struct{ fakeLibrary }

func (p *panicLibrary) SearchByTitle(string) ([]models.Book, error) { panic("boom") }

func TestHandleUpdateRecoversFromPanic(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{})
	tb.Bot.lib = &panicLibrary{}

	assert.NotPanics(t, func() { tb.handleUpdate(textUpdate("упади")) })
}

func TestStartStopsOnCancel(t *testing.T) {
	tb := newTestBot(t, &fakeLibrary{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tb.Start(ctx)
		close(done)
	}()

	tb.api.updates <- textUpdate("/start")
	require.Eventually(t, func() bool { return len(tb.api.texts()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	tb.api.mu.Lock()
	assert.True(t, tb.api.stopped)
	tb.api.mu.Unlock()
}

func TestStartStopsWhileWorkersBusy(t *testing.T) {
	lib := &fakeLibrary{byTitle: makeBooks(1), block: make(chan struct{})}
	tb := newTestBot(t, lib, func(o *Options) { o.Workers = 1 })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tb.Start(ctx)
		close(done)
	}()

	tb.api.updates <- textUpdate("первый")
	require.Eventually(t, func() bool { return lib.callCount("title:первый") == 1 }, time.Second, 10*time.Millisecond)
	tb.api.updates <- textUpdate("второй")

	cancel()
	require.Eventually(t, func() bool {
		tb.api.mu.Lock()
		defer tb.api.mu.Unlock()
		return tb.api.stopped
	}, time.Second, 10*time.Millisecond)

	// Start ждет только уже запущенный обработчик.
	close(lib.block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Zero(t, lib.callCount("title:второй"))
}
