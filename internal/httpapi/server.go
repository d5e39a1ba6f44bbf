package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"flibusta_bot/internal/db"
)

// Store — то, что API берет из БД. *db.Store подходит.
type Store interface {
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, telegramID int64, username, fullName string) error
	ListFavorites(ctx context.Context, userID int64, offset, limit int) ([]db.Favorite, int, error)
	RemoveFavorite(ctx context.Context, userID int64, bookID string) error
	UpdateFavoriteNotes(ctx context.Context, userID int64, bookID, notes string) (bool, error)
	RecentSearches(ctx context.Context, userID int64, limit int) ([]db.SearchEntry, error)
	RecentDownloads(ctx context.Context, userID int64, limit int) ([]db.DownloadEntry, error)
	UserStats(ctx context.Context, userID int64) (db.UserStats, error)
}

// CoverSource отдает закэшированные обложки.
type CoverSource interface {
	Load(bookID string) ([]byte, bool, error)
}

type Options struct {
	Store     Store
	Covers    CoverSource
	Validator *InitDataValidator
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	store     Store
	covers    CoverSource
	validator *InitDataValidator
	metrics   http.Handler
	logger    *zap.Logger
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		store:     opts.Store,
		covers:    opts.Covers,
		validator: opts.Validator,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/favorites", s.handleFavorites)
	mux.HandleFunc("DELETE /api/favorites/{id}", s.handleRemoveFavorite)
	mux.HandleFunc("POST /api/favorites/{id}/notes", s.handleNotes)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/covers/{id}", s.handleCover)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ua", r.UserAgent()),
		)
	})
}

// NewHTTPServer оборачивает Handler в http.Server с таймаутами.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health: db ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "db unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request) {
	s.withUser(w, r, func(ctx context.Context, user TelegramUser) {
		offset, limit := pageParams(r)
		items, total, err := s.store.ListFavorites(ctx, user.ID, offset, limit)
		if err != nil {
			s.serverError(w, "ListFavorites", err)
			return
		}
		if items == nil {
			items = []db.Favorite{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
	})
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	s.withUser(w, r, func(ctx context.Context, user TelegramUser) {
		id, ok := bookIDParam(w, r)
		if !ok {
			return
		}
		if err := s.store.RemoveFavorite(ctx, user.ID, id); err != nil {
			s.serverError(w, "RemoveFavorite", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	s.withUser(w, r, func(ctx context.Context, user TelegramUser) {
		id, ok := bookIDParam(w, r)
		if !ok {
			return
		}
		var body struct {
			Notes string `json:"notes"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		found, err := s.store.UpdateFavoriteNotes(ctx, user.ID, id, strings.TrimSpace(body.Notes))
		if err != nil {
			s.serverError(w, "UpdateFavoriteNotes", err)
			return
		}
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "книги нет в избранном"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.withUser(w, r, func(ctx context.Context, user TelegramUser) {
		_, limit := pageParams(r)
		searches, err := s.store.RecentSearches(ctx, user.ID, limit)
		if err != nil {
			s.serverError(w, "RecentSearches", err)
			return
		}
		downloads, err := s.store.RecentDownloads(ctx, user.ID, limit)
		if err != nil {
			s.serverError(w, "RecentDownloads", err)
			return
		}
		if searches == nil {
			searches = []db.SearchEntry{}
		}
		if downloads == nil {
			downloads = []db.DownloadEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"searches": searches, "downloads": downloads})
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.withUser(w, r, func(ctx context.Context, user TelegramUser) {
		st, err := s.store.UserStats(ctx, user.ID)
		if err != nil {
			s.serverError(w, "UserStats", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
}

// handleCover отдает обложку без авторизации: картинка и так публичная на сайте.
func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	id, ok := bookIDParam(w, r)
	if !ok {
		return
	}
	if s.covers == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "обложка не найдена"})
		return
	}
	data, found, err := s.covers.Load(id)
	if err != nil {
		s.serverError(w, "cover load", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "обложка не найдена"})
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(data)
}

func (s *Server) withUser(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, user TelegramUser)) {
	initData := extractInitData(r)
	if initData == "" {
		s.logger.Info("auth: initData missing", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "initData required"})
		return
	}

	user, err := s.validator.Validate(initData)
	if err != nil {
		s.logger.Info("auth: initData invalid", zap.Int("len", len(initData)), zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid initData"})
		return
	}

	if err := s.store.EnsureUser(r.Context(), user.ID, user.Username, user.FullName()); err != nil {
		s.serverError(w, "EnsureUser", err)
		return
	}

	fn(r.Context(), user)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api error", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func bookIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" || strings.Trim(id, "0123456789") != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id книги некорректен"})
		return "", false
	}
	return id, true
}

func pageParams(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return offset, limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func extractInitData(r *http.Request) string {
	for _, h := range []string{"X-Telegram-InitData", "X-Telegram-Web-App-Data", "X-Telegram-WebApp-Data"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}

	if auth := r.Header.Get("Authorization"); len(auth) > 4 && strings.EqualFold(auth[:4], "tma ") {
		return strings.TrimSpace(auth[4:])
	}

	// Через URL удобно отлаживать в обычном браузере.
	q := r.URL.Query()
	if v := q.Get("initData"); v != "" {
		return v
	}
	return q.Get("tgWebAppData")
}
