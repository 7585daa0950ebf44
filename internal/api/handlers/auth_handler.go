package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"cryptobot/pkg/crypto"
	"cryptobot/pkg/utils"

	"golang.org/x/time/rate"
)

// TokenIssuer выпуск токенов (middleware.TokenAuth)
type TokenIssuer interface {
	Issue(subject string) (string, time.Time, error)
}

// Credentials учётная запись администратора.
// Password - bcrypt-хеш или открытый текст.
type Credentials struct {
	Username string
	Password string
}

// AuthHandler вход в API управления
//
// Endpoint:
// - POST /api/v1/auth/login {"username": "...", "password": "..."}
//
// Попытки входа ограничены общим token bucket: перебор пароля
// упирается в 429 раньше, чем в bcrypt.
type AuthHandler struct {
	issuer  TokenIssuer
	creds   Credentials
	limiter *rate.Limiter
	log     *utils.Logger
}

// NewAuthHandler создает AuthHandler. Пустой пароль выключает вход.
func NewAuthHandler(issuer TokenIssuer, creds Credentials, log *utils.Logger) *AuthHandler {
	if log == nil {
		log = utils.L()
	}
	return &AuthHandler{
		issuer:  issuer,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		log:     log.WithComponent("auth"),
	}
}

// LoginRequest тело запроса входа
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse выданный токен
type LoginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login проверяет учётные данные и выдаёт JWT
// POST /api/v1/auth/login
//
// HTTP коды:
// - 200 OK: токен
// - 400: некорректное тело
// - 401: неверные имя пользователя или пароль
// - 429: слишком много попыток
// - 503: вход выключен (ADMIN_PASSWORD не задан)
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.creds.Password == "" || h.issuer == nil {
		respondWithError(w, http.StatusServiceUnavailable, "login is disabled")
		return
	}
	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "2")
		respondWithError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req LoginRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.creds.Username)) == 1
	passOK := crypto.MatchSecret(req.Password, h.creds.Password)
	if !userOK || !passOK {
		h.log.Warn("login failed", utils.String("username", req.Username), utils.String("client_ip", r.RemoteAddr))
		respondWithError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := h.issuer.Issue(req.Username)
	if err != nil {
		h.log.Error("issue token failed", utils.Err(err))
		respondWithError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.log.Info("login succeeded", utils.String("username", req.Username))
	respondWithJSON(w, http.StatusOK, LoginResponse{Token: token, TokenType: "Bearer", ExpiresAt: expires})
}
