package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes ограничение тела JSON запроса
const maxBodyBytes = 1 << 20

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message})
}

func respondWithDetails(w http.ResponseWriter, status int, message, code, details string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// decodeJSON читает тело не больше maxBodyBytes. Пустое тело не ошибка,
// если allowEmpty.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return io.EOF
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

// queryInt целое из query string, def если параметр не задан
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
