// Package cache implements the persistent knowledge-file cache. Records are
// keyed by the hash of the file's bytes, carry an optional TTL and grouping
// tag, and hold the ingested message fragments used to seed chat sessions.
package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message roles. The set is open: a role outside these constants is carried
// through untouched so new provider-side roles don't break deserialization.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// RoleCache marks a synthetic record returned when the ingester registered
	// the content with the provider's server-side cache. Its content is an
	// opaque handle ("tag=...;reset_ttl=...") and must not be interpreted.
	RoleCache = "cache"
)

// Message is a single ingested content fragment.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
}

// Expired reports whether the message's expiry is set and strictly in the past.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiredAt != nil && now.After(*m.ExpiredAt)
}

// Record is a fully decoded cache entry.
type Record struct {
	FileHash  string
	FilePath  string
	Messages  []Message
	Tag       string
	ExpiresAt *time.Time
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func encodeMessages(msgs []Message) (string, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("encoding messages: %w", err)
	}
	return string(data), nil
}

// decodeMessages parses the stored JSON array and drops messages whose own
// expiry has passed. Per-message expiry never deletes the record itself.
func decodeMessages(raw string, now time.Time) ([]Message, error) {
	if raw == "" {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	live := msgs[:0]
	for _, m := range msgs {
		if !m.Expired(now) {
			live = append(live, m)
		}
	}
	return live, nil
}
