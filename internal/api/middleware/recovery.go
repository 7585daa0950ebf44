package middleware

import (
	"net/http"
	"runtime/debug"

	"cryptobot/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic, пишет сообщение и stack trace в лог и отвечает
// 500 в общем формате ошибок. Детали паники клиенту не отдаются.
// Паника http.ErrAbortHandler пробрасывается дальше: ею net/http
// обрывает соединение намеренно.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.Error("panic in http handler",
					utils.String("method", r.Method),
					utils.String("path", r.URL.Path),
					utils.Any("panic", rec),
					utils.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writeError ответ в формате handlers.ErrorResponse
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
