// Package session manages per-user conversational state: message history,
// cache hit/miss statistics, and a small per-session key/value context. State
// lives in memory and is mirrored to one JSON snapshot file per user so it
// survives restarts.
package session

import (
	"time"
)

// Message is one conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the conversational state for a single user.
type Session struct {
	UserID         string         `json:"user_id"`
	Messages       []Message      `json:"messages"`
	CacheHitCount  int            `json:"cache_hit_count"`
	CacheMissCount int            `json:"cache_miss_count"`
	LastActiveTime time.Time      `json:"last_active_time"`
	Context        map[string]any `json:"context"`
}

// HitRate is the ratio of cache hits to total lookups observed by this
// session. Zero lookups yield a zero rate.
func (s *Session) HitRate() float64 {
	total := s.CacheHitCount + s.CacheMissCount
	if total == 0 {
		return 0
	}
	return float64(s.CacheHitCount) / float64(total)
}

// clone returns a deep copy safe to hand to callers outside the store lock.
func (s *Session) clone() Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	cp.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	return cp
}

// dedupMessages removes duplicate non-system messages, keeping the
// chronologically last occurrence of each distinct content and preserving the
// relative order of survivors. System messages are never deduplicated.
// Returns the cleaned list and the number of duplicates removed.
func dedupMessages(msgs []Message) ([]Message, int) {
	var system, other []Message
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			other = append(other, m)
		}
	}

	seen := make(map[string]bool, len(other))
	unique := make([]Message, 0, len(other))
	for i := len(other) - 1; i >= 0; i-- {
		if seen[other[i].Content] {
			continue
		}
		seen[other[i].Content] = true
		unique = append(unique, other[i])
	}
	// Reverse back to chronological order.
	for i, j := 0, len(unique)-1; i < j; i, j = i+1, j-1 {
		unique[i], unique[j] = unique[j], unique[i]
	}

	removed := len(other) - len(unique)
	return append(system, unique...), removed
}

// truncateMessages enforces the size cap after deduplication: all system
// messages are kept unconditionally; the most recent non-system messages fill
// the remaining budget. Returns the kept list and the number evicted.
func truncateMessages(msgs []Message, maxMessages int) ([]Message, int) {
	if len(msgs) <= maxMessages {
		return msgs, 0
	}

	var system, other []Message
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			other = append(other, m)
		}
	}

	keep := maxMessages - len(system)
	if keep < 0 {
		keep = 0
	}
	if keep > len(other) {
		keep = len(other)
	}
	kept := other[len(other)-keep:]

	evicted := len(other) - len(kept)
	return append(system, kept...), evicted
}
