package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config — все настройки приложения одной "пачкой".
type Config struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN" required:"true"`
	FlibustaURL   string `envconfig:"FLIBUSTA_URL" default:"http://flibusta.is"`
	// TorProxyAddr пустой — ходим напрямую.
	TorProxyAddr string `envconfig:"TOR_PROXY"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"data/app.db"`
	StorageDir   string `envconfig:"STORAGE_DIR" default:"storage/books"`
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	MiniAppURL   string `envconfig:"MINIAPP_URL"`

	UserAgent         string        `envconfig:"USER_AGENT"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	DownloadTimeout   time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"5m"`
	FetchAttempts     int           `envconfig:"FETCH_ATTEMPTS" default:"3"`
	RetryDelay        time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	RequestsPerSecond float64       `envconfig:"REQUESTS_PER_SECOND" default:"2"`

	SearchCacheTTL     time.Duration `envconfig:"SEARCH_CACHE_TTL" default:"120s"`
	SearchCacheSize    int           `envconfig:"SEARCH_CACHE_SIZE" default:"256"`
	CacheRetentionDays int           `envconfig:"CACHE_RETENTION_DAYS" default:"30"`
	CleanupSchedule    string        `envconfig:"CLEANUP_SCHEDULE" default:"0 4 * * *"`

	PageSize          int `envconfig:"PAGE_SIZE" default:"10"`
	SearchesPerMinute int `envconfig:"USER_SEARCHES_PER_MINUTE" default:"20"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE" default:"logs/search_log.log"`
}

// Load считывает .env (если есть) и переменные окружения.
func Load() (*Config, error) {
	// Файла может не быть (Docker передает env напрямую), это не ошибка.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ошибка чтения .env: %w", err)
	}
	return FromEnv()
}

// FromEnv заполняет Config только из окружения.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка конфигурации: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.FlibustaURL = strings.TrimRight(strings.TrimSpace(cfg.FlibustaURL), "/")
	cfg.SQLitePath = resolvePath(cfg.SQLitePath)
	cfg.StorageDir = resolvePath(cfg.StorageDir)
	cfg.LogFile = resolvePath(cfg.LogFile)
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.TelegramToken) == "" {
		return fmt.Errorf("переменная TELEGRAM_TOKEN не задана")
	}
	if !strings.HasPrefix(c.FlibustaURL, "http://") && !strings.HasPrefix(c.FlibustaURL, "https://") {
		return fmt.Errorf("FLIBUSTA_URL должен начинаться с http:// или https://: %q", c.FlibustaURL)
	}
	if c.FetchAttempts < 1 {
		return fmt.Errorf("FETCH_ATTEMPTS должен быть >= 1")
	}
	if c.DownloadTimeout <= c.FetchTimeout() {
		return fmt.Errorf("DOWNLOAD_TIMEOUT (%s) должен быть больше таймаута загрузки страницы (%s)", c.DownloadTimeout, c.FetchTimeout())
	}
	if c.PageSize < 1 {
		return fmt.Errorf("PAGE_SIZE должен быть >= 1")
	}
	if c.CacheRetentionDays < 1 {
		return fmt.Errorf("CACHE_RETENTION_DAYS должен быть >= 1")
	}
	return nil
}

// FetchTimeout — верхняя граница одного запроса страницы со всеми повторами.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchAttempts) * (c.ConnectTimeout + c.ReadTimeout + c.RetryDelay)
}

// resolvePath делает относительный путь абсолютным относительно бинарника.
func resolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if filepath.IsAbs(p) {
		return p
	}

	if exe, err := os.Executable(); err == nil {
		base := filepath.Dir(exe)
		return filepath.Clean(filepath.Join(base, p))
	}

	if cwd, err := os.Getwd(); err == nil {
		return filepath.Clean(filepath.Join(cwd, p))
	}

	return p
}
