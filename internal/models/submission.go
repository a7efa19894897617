package models

import "time"

// EncryptedPayload is the self-contained output of the vault. All fields are
// base64 (standard encoding).
type EncryptedPayload struct {
	Version    int    `json:"version"`
	CipherText string `json:"cipherText"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
}

// SubmittedForm is a finalized form as seen by the history view.
// Locked is derived when reading and is never stored.
type SubmittedForm struct {
	ID        string     `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Data      FormRecord `json:"data"`
	Encrypted bool       `json:"encrypted,omitempty"`
	Locked    bool       `json:"locked,omitempty"`
}

// User represents an account that owns remote submissions.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
