// Package exchange клиенты биржи: Coinbase Advanced Trade, бумажная торговля
// и обёртка с повторами и таймаутами.
package exchange

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClientConfig настройки HTTP клиента для REST API биржи
type HTTPClientConfig struct {
	ConnectTimeout      time.Duration // установка TCP соединения
	ResponseTimeout     time.Duration // ожидание заголовков ответа
	TotalTimeout        time.Duration // верхняя граница запроса, если в context нет дедлайна
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	UserAgent           string
}

// DefaultHTTPClientConfig конфигурация по умолчанию. Движок делает
// несколько запросов в минуту, поэтому пул небольшой.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:      5 * time.Second,
		ResponseTimeout:     10 * time.Second,
		TotalTimeout:        30 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "cryptobot/1.0",
	}
}

// NewHTTPClient создаёт http.Client с пулом keep-alive соединений
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: &userAgentTransport{next: transport, userAgent: cfg.UserAgent},
		Timeout:   cfg.TotalTimeout,
	}
}

// userAgentTransport проставляет User-Agent во все запросы
type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}

// CloseIdle закрывает простаивающие соединения при остановке
func CloseIdle(c *http.Client) {
	c.CloseIdleConnections()
}
