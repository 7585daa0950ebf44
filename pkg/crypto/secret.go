package crypto

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// secret.go - проверка секретов (пароль администратора, секрет вебхука)
//
// Секрет в конфигурации может быть задан либо bcrypt-хешем ("$2a$..."),
// либо открытым текстом. Открытый текст сравнивается за постоянное время.

var (
	ErrEmptySecret    = errors.New("secret cannot be empty")
	ErrSecretMismatch = errors.New("secret does not match")
	ErrInvalidHash    = errors.New("invalid secret hash format")
	ErrSecretTooLong  = errors.New("secret exceeds maximum length of 72 bytes")
)

// DefaultCost стоимость bcrypt по умолчанию
const DefaultCost = 12

// MaxSecretLength ограничение bcrypt
const MaxSecretLength = 72

// HashSecret хеширует секрет bcrypt с заданной стоимостью.
// cost вне допустимого диапазона приводится к границе.
func HashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if len(secret) > MaxSecretLength {
		return "", ErrSecretTooLong
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret сверяет секрет с bcrypt-хешем
func VerifySecret(secret, hash string) error {
	if secret == "" {
		return ErrEmptySecret
	}
	if hash == "" {
		return ErrInvalidHash
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return ErrInvalidHash
	}
	return nil
}

// IsBcryptHash распознаёт bcrypt-хеш по префиксу
func IsBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// MatchSecret сверяет присланный секрет с настроенным (хеш или открытый текст).
// Пустой настроенный секрет никогда не совпадает.
func MatchSecret(provided, configured string) bool {
	if provided == "" || configured == "" {
		return false
	}
	if IsBcryptHash(configured) {
		return VerifySecret(provided, configured) == nil
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}
