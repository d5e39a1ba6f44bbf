package network

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ClientOptions задает таймауты и (необязательный) SOCKS5-прокси.
type ClientOptions struct {
	// ProxyAddr is a SOCKS5 address such as "127.0.0.1:9050". Empty means direct.
	ProxyAddr      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// NewClient создает http.Client с раздельными таймаутами на соединение и чтение.
// Если ProxyAddr задан, все соединения идут через SOCKS5 (Tor).
func NewClient(opts ClientOptions) (*http.Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}

	base := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		DialContext:           base.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		DisableKeepAlives:     true, // cookies и сессии между запросами не нужны
	}

	if addr := strings.TrimSpace(opts.ProxyAddr); addr != "" {
		dialer, err := proxy.SOCKS5("tcp", addr, nil, base)
		if err != nil {
			return nil, fmt.Errorf("ошибка подключения к SOCKS5 (%s): %w", addr, err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = nil
			transport.Dial = dialer.Dial
		}
	}

	// Общего Timeout нет: каждый вызов Fetcher ограничен своим контекстом,
	// а скачивание файла длится дольше загрузки страницы.
	return &http.Client{Transport: transport}, nil
}
