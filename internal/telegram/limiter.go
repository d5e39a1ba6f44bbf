package telegram

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"flibusta_bot/internal/cache"
)

const (
	// За это время простоя лимитер восстанавливается полностью.
	limiterIdleTTL = 10 * time.Minute
	maxLimiters    = 10000
)

// userLimiter ограничивает число поисков на пользователя: каждый поиск
// стоит нескольких запросов к сайту.
type userLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache[*rate.Limiter]
	rate     rate.Limit
	burst    int
}

// newUserLimiter allows perMinute searches per user. Zero disables limiting.
func newUserLimiter(perMinute int, opts ...cache.Option) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	burst := perMinute / 4
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limiters: cache.New[*rate.Limiter](limiterIdleTTL, maxLimiters, opts...),
		rate:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *userLimiter) allow(userID int64) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := chatKey(userID)
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
	}
	// Set продлевает жизнь записи: вытесняются только простаивающие.
	l.limiters.Set(key, lim)
	return lim.Allow()
}
