package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"flibusta_bot/internal/db"
)

// Cleaner is implemented by db.Store.
type Cleaner interface {
	Cleanup(ctx context.Context, days int) (db.CleanupResult, error)
}

// CleanupScheduler периодически удаляет старую историю и редкие карточки книг.
type CleanupScheduler struct {
	store    Cleaner
	schedule string
	days     int
	logger   *zap.Logger

	cron      *cron.Cron
	entryID   cron.EntryID
	mu        sync.Mutex
	isRunning bool
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// ValidateSchedule checks a standard five-field cron expression.
func ValidateSchedule(schedule string) error {
	if _, err := newParser().Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

func NewCleanupScheduler(store Cleaner, schedule string, days int, logger *zap.Logger) *CleanupScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupScheduler{
		store:    store,
		schedule: schedule,
		days:     days,
		logger:   logger,
		cron:     cron.New(cron.WithParser(newParser())),
	}
}

// Start registers the job and starts the cron loop. It stops when ctx is done.
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}
	if err := ValidateSchedule(s.schedule); err != nil {
		return err
	}

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.isRunning = true
	s.logger.Info("cleanup scheduler started",
		zap.String("schedule", s.schedule),
		zap.Int("retention_days", s.days),
		zap.Time("next_run", s.cron.Entry(entryID).Next),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop waits for a running job to finish.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
	s.isRunning = false
	s.logger.Info("cleanup scheduler stopped")
}

func (s *CleanupScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// RunOnce выполняет очистку сразу.
func (s *CleanupScheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	res, err := s.store.Cleanup(ctx, s.days)
	if err != nil {
		s.logger.Error("cleanup failed", zap.Error(err))
		return
	}
	s.logger.Info("cleanup done",
		zap.Int64("searches_deleted", res.Searches),
		zap.Int64("books_deleted", res.Books),
	)
}
