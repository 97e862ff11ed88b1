package storage

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("storage: not found")
	ErrUserExists = errors.New("storage: username or email already taken")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files derived from Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a terminal job transition or an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	JobID    string    `json:"job_id,omitempty"`
	Queue    string    `json:"queue,omitempty"`
	Handler  string    `json:"handler,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

// AuthUser is the credential record written by the addUserToDB job.
type AuthUser struct {
	ID           string    `json:"id"`
	UID          string    `json:"uid,omitempty"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"`
	AvatarColor  string    `json:"avatar_color,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizeUsername lower-cases a username and capitalizes each word, so
// "aDA lovelace" and "Ada Lovelace" are the same user.
func NormalizeUsername(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (u AuthUser) normalized() AuthUser {
	u.Username = NormalizeUsername(u.Username)
	u.Email = NormalizeEmail(u.Email)
	return u
}
