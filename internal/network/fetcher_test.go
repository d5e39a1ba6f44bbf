package network

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyTransport fails the first n round trips with a network error.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(req)
}

func newTestFetcher(t *testing.T, client *http.Client) *Fetcher {
	t.Helper()
	return NewFetcher(client, FetcherOptions{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Timeout:     5 * time.Second,
		Logger:      zaptest.NewLogger(t),
	})
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1 class="title">Ок</h1></body></html>`)
	}))
	defer srv.Close()

	tr := &flakyTransport{failures: 2, next: http.DefaultTransport}
	f := newTestFetcher(t, &http.Client{Transport: tr})

	doc, err := f.Fetch(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Ок", doc.Find("h1.title").Text())
	assert.Equal(t, int32(3), tr.calls.Load())
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client())

	_, err := f.Fetch(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchRetriesClientErrorsToo(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body>ok</body></html>`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client())

	_, err := f.Fetch(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchBackoffIsLinear(t *testing.T) {
	const delay = 80 * time.Millisecond

	var mu sync.Mutex
	var seen []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, time.Now())
		mu.Unlock()
		http.Error(w, "busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), FetcherOptions{
		MaxAttempts: 4,
		RetryDelay:  delay,
		Timeout:     5 * time.Second,
		Logger:      zaptest.NewLogger(t),
	})

	_, err := f.Fetch(srv.URL)
	require.ErrorIs(t, err, ErrFetch)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	for i := 1; i < len(seen); i++ {
		gap := seen[i].Sub(seen[i-1])
		want := time.Duration(i) * delay
		assert.GreaterOrEqual(t, gap, want, "gap before attempt %d", i+1)
		assert.Less(t, gap, want+delay/2, "gap before attempt %d", i+1)
	}
}

func TestFetchLimiterGatesRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := srv.Client()
	transport := client.Transport
	f := NewFetcher(client, FetcherOptions{
		MaxAttempts:       3,
		RetryDelay:        time.Millisecond,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 10,
		Logger:            zaptest.NewLogger(t),
	})

	start := time.Now()
	_, err := f.Fetch(srv.URL)
	require.ErrorIs(t, err, ErrFetch)

	// Три попытки при 10 rps: минимум два интервала по 100ms.
	assert.Equal(t, int32(3), hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
	assert.Same(t, transport, client.Transport)
}

func TestFetchEmptyBodyIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client())

	_, err := f.Fetch(srv.URL)
	assert.ErrorIs(t, err, ErrFetch)
}

func TestFetchSendsBrowserUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
		fmt.Fprint(w, `<html></html>`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client())

	_, err := f.Fetch(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, DefaultUserAgent, ua)
}

func TestGetRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client())

	_, _, err := f.Get(srv.URL, time.Second, 1024)
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, ErrTooLarge)

	body, header, err := f.Get(srv.URL, time.Second, 4096)
	require.NoError(t, err)
	assert.Len(t, body, 2048)
	assert.NotEmpty(t, header.Get("Content-Type"))
}

func TestNewClientDefaultTimeouts(t *testing.T) {
	c, err := NewClient(ClientOptions{})
	require.NoError(t, err)
	assert.Zero(t, c.Timeout)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, 10*time.Second, tr.TLSHandshakeTimeout)
}
