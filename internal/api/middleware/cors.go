package middleware

import (
	"net/http"
	"strings"
)

// defaultOrigins локальные адреса дашборда, если CORS_ORIGINS не задан
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:8080",
	"http://127.0.0.1:8080",
	"http://localhost:5173", // Vite dev server
	"http://127.0.0.1:5173",
}

// CORS - middleware для настройки Cross-Origin Resource Sharing
//
// origins берётся из CORS_ORIGINS. Пустой список = локальные адреса
// из defaultOrigins, "*" = любой origin (без credentials).
//
// Заголовки:
// - Access-Control-Allow-Origin: конкретный домен (не * при credentials)
// - Access-Control-Allow-Methods: GET, POST, PUT, DELETE, PATCH, OPTIONS
// - Access-Control-Allow-Headers: Content-Type, Authorization
// - Access-Control-Max-Age: 86400 (24 часа кеширования preflight)
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool)
	allowAll := false
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[origin] = true
		}
	}
	if len(allowed) == 0 && !allowAll {
		for _, origin := range defaultOrigins {
			allowed[origin] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			// Для неразрешенных origins заголовков нет - браузер заблокирует

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
