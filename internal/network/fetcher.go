package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"flibusta_bot/internal/metrics"
)

// DefaultUserAgent mimics a desktop browser; the site serves bots a stripped page.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

const maxPageBytes = 5 * 1024 * 1024

// DefaultFetchTimeout bounds a page fetch when FetcherOptions.Timeout is unset.
const DefaultFetchTimeout = 2 * time.Minute

// ErrFetch marks any failure to obtain a parsed page: network errors, timeouts,
// non-2xx statuses after all attempts, or an unparseable body.
var ErrFetch = errors.New("fetch failed")

// ErrTooLarge is joined with ErrFetch when a body exceeds the caller's limit.
var ErrTooLarge = errors.New("response too large")

// FetcherOptions configures retries and politeness.
type FetcherOptions struct {
	UserAgent   string
	MaxAttempts int
	// RetryDelay is the base of the linear backoff: the n-th retry waits n*RetryDelay.
	RetryDelay time.Duration
	// Timeout bounds one whole Fetch call, retries included.
	Timeout time.Duration
	// RequestsPerSecond limits outgoing GETs. Zero disables the limiter.
	RequestsPerSecond float64
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Fetcher issues retried GET requests and parses the response into a document.
type Fetcher struct {
	client    *retryablehttp.Client
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewFetcher(httpClient *http.Client, opts FetcherOptions) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.RequestsPerSecond > 0 {
		httpClient = withLimiter(httpClient, rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1))
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = opts.MaxAttempts - 1
	rc.RetryWaitMin = opts.RetryDelay
	rc.RetryWaitMax = opts.RetryDelay
	// With min == max there is no jitter: the wait is exactly (n+1)*RetryDelay.
	rc.Backoff = retryablehttp.LinearJitterBackoff
	rc.CheckRetry = retryAnyFailure
	rc.Logger = leveledLogger{opts.Logger.Sugar()}
	m := opts.Metrics
	rc.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		if attempt == 0 {
			m.FetchAttempt("first")
		} else {
			m.FetchAttempt("retry")
		}
	}

	return &Fetcher{
		client:    rc,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// limitedTransport waits for the shared limiter before every round trip,
// retries included.
type limitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// withLimiter returns a copy of c whose transport goes through limiter.
// The caller's client is left untouched.
func withLimiter(c *http.Client, limiter *rate.Limiter) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	next := c.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	limited := *c
	limited.Transport = &limitedTransport{next: next, limiter: limiter}
	return &limited
}

// Fetch downloads targetURL and returns the parsed document. The caller never
// sees partial bodies: either the whole page parsed or an ErrFetch.
func (f *Fetcher) Fetch(targetURL string) (*goquery.Document, error) {
	body, header, err := f.Get(targetURL, f.timeout, maxPageBytes)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: пустой ответ от %s", ErrFetch, targetURL)
	}

	doc, err := parseHTML(body, header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка чтения HTML: %v", ErrFetch, err)
	}
	return doc, nil
}

// Get performs a retried GET and returns the raw body with the response
// headers. timeout bounds the whole call, retries included; limit caps the body.
func (f *Fetcher) Get(targetURL string, timeout time.Duration, limit int64) ([]byte, http.Header, error) {
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("fetch failed", zap.String("url", targetURL), zap.Error(err))
		f.metrics.FetchAttempt("gave_up")
		return nil, nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if limit <= 0 {
		limit = maxPageBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ошибка чтения ответа: %v", ErrFetch, err)
	}
	if int64(len(body)) > limit {
		return nil, nil, fmt.Errorf("%w: %w: больше %d байт", ErrFetch, ErrTooLarge, limit)
	}

	f.logger.Debug("response received",
		zap.String("url", targetURL),
		zap.Int("bytes", len(body)),
		zap.Duration("took", time.Since(start)),
	)
	return body, resp.Header, nil
}

func parseHTML(body []byte, contentType string) (*goquery.Document, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		r = bytes.NewReader(body)
	}
	return goquery.NewDocumentFromReader(r)
}

// retryAnyFailure retries on transport errors and on every non-2xx status.
func retryAnyFailure(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err != nil || ctx.Err() != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return true, nil
	}
	return false, nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
