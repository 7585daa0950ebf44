package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

// vault.go - AES-256-GCM для приватного ключа биржи
//
// Приватный ключ API хранится в окружении зашифрованным. Ключ шифрования
// выводится из парольной фразы через SHA-256, поэтому длина фразы произвольна.

var (
	ErrEmptyPassphrase    = errors.New("passphrase cannot be empty")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

func newGCM(passphrase string) (cipher.AEAD, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal шифрует plaintext и возвращает base64(nonce || ciphertext || tag)
func Seal(plaintext, passphrase string) (string, error) {
	gcm, err := newGCM(passphrase)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open расшифровывает результат Seal
func Open(sealedBase64, passphrase string) (string, error) {
	gcm, err := newGCM(passphrase)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealedBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize+gcm.Overhead() {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
