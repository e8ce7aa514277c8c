package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// FileCacheRecord is a cached knowledge file, keyed by the hash of its bytes.
// Two paths with identical content collapse to one record; a changed file
// under the same path produces a new record.
type FileCacheRecord struct {
	FileHash  string
	FilePath  string
	Messages  string // JSON array stored as text
	Tag       string
	ExpiresAt *time.Time // nil = never expires
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the whole record is past its expiry at now.
func (r FileCacheRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

type ChatLog struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	UserContent  string
	ReplyContent string
	Model        string
	Status       string // "completed", "failed"
}
