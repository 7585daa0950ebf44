package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"cryptobot/pkg/utils"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// responseWriter запоминает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack нужен для апгрейда /ws/stream до WebSocket
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logging - middleware для логирования HTTP запросов
//
// Пишет метод, путь, статус, длительность, IP клиента и размер ответа.
// 5xx логируются как Error, 4xx как Warn, остальное Info.
// /health и /metrics опрашиваются постоянно и идут в Debug.
func Logging(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			fields := []utils.Field{
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Latency(float64(duration.Microseconds()) / 1000),
				utils.String("client_ip", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			}

			switch {
			case wrapped.statusCode >= 500:
				log.Error("http request", fields...)
			case wrapped.statusCode >= 400:
				log.Warn("http request", fields...)
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				log.Debug("http request", fields...)
			default:
				log.Info("http request", fields...)
			}
		})
	}
}
