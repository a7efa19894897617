// Package vault seals form records with a key derived from a user passphrase.
// The payload carries its own salt and IV so the passphrase alone opens it.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"bollipi/internal/models"
)

const (
	PayloadVersion = 1
	Iterations     = 120000

	keyLen  = 32
	saltLen = 16
	ivLen   = 12
)

// ErrDecrypt is returned for every decryption failure: wrong passphrase,
// tampered cipher text and malformed payloads alike.
var ErrDecrypt = errors.New("vault: unable to decrypt payload")

var randReader io.Reader = rand.Reader

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, keyLen, sha256.New)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

// Encrypt serializes record and seals it under a fresh salt and IV.
func Encrypt(passphrase string, record models.FormRecord) (*models.EncryptedPayload, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	sealed := aead.Seal(nil, iv, plain, nil)
	return &models.EncryptedPayload{
		Version:    PayloadVersion,
		CipherText: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt re-derives the key from the payload salt and opens the record.
func Decrypt(passphrase string, payload *models.EncryptedPayload) (models.FormRecord, error) {
	var out models.FormRecord
	if payload == nil || payload.Version != PayloadVersion {
		return out, ErrDecrypt
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil || len(iv) != ivLen {
		return out, ErrDecrypt
	}
	salt, err := base64.StdEncoding.DecodeString(payload.Salt)
	if err != nil || len(salt) == 0 {
		return out, ErrDecrypt
	}
	sealed, err := base64.StdEncoding.DecodeString(payload.CipherText)
	if err != nil {
		return out, ErrDecrypt
	}
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return out, ErrDecrypt
	}
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return out, ErrDecrypt
	}
	if err := json.Unmarshal(plain, &out); err != nil {
		return models.FormRecord{}, ErrDecrypt
	}
	return out, nil
}
