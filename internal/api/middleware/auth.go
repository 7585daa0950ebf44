package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Ошибки аутентификации
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

const tokenIssuer = "cryptobot"

type contextKey string

const subjectKey contextKey = "auth_subject"

// Claims содержимое токена дашборда
type Claims struct {
	jwt.RegisteredClaims
}

// TokenAuth выпуск и проверка JWT (HS256) для API управления.
//
// Один администратор: subject = имя пользователя из конфигурации.
// Токен передаётся в заголовке Authorization: Bearer <token>.
// Для /ws/stream браузер не умеет ставить заголовки, поэтому
// там токен принимается и из query-параметра token.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenAuth создаёт выпускающего токены. ttl <= 0 = один час.
func NewTokenAuth(secret string, ttl time.Duration) *TokenAuth {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenAuth{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue выпускает токен для subject
func (a *TokenAuth) Issue(subject string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})

	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse проверяет подпись, алгоритм, издателя и срок действия
func (a *TokenAuth) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Middleware требует валидный токен, иначе 401.
// Subject токена кладётся в context запроса.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			unauthorized(w, ErrMissingToken)
			return
		}

		claims, err := a.Parse(raw)
		if err != nil {
			unauthorized(w, ErrInvalidToken)
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext имя пользователя из проверенного токена
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if r.URL.Path == "/ws/stream" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="cryptobot"`)
	writeError(w, http.StatusUnauthorized, err.Error())
}
