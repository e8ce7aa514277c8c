// Package api exposes the HTTP and MCP surfaces of the service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mosich/moonchat/internal/cache"
	"github.com/mosich/moonchat/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ChatService answers user messages with full session history.
type ChatService interface {
	Ask(ctx context.Context, userID, content string) (string, error)
}

// SessionStore is the slice of the session store the handlers consume.
type SessionStore interface {
	AddTempKnowledge(ctx context.Context, userID, path string, ttl time.Duration) (string, error)
	Peek(userID string) (session.Session, bool)
	UserIDs() []string
	ClearExpired(idle time.Duration, maxMessages int) (int, int, error)
}

// ContentCache is the slice of the content cache the handlers consume.
type ContentCache interface {
	ByTag(tag string) ([]cache.Record, error)
	ClearExpired() (int, error)
}

// Deps holds the collaborators behind the HTTP API.
type Deps struct {
	Chat     ChatService
	Sessions SessionStore
	Cache    ContentCache

	IdleTimeout time.Duration // session idle cutoff used by the cleanup endpoint
	MaxMessages int           // session size cap used by the cleanup endpoint
	Token       string        // server token; empty disables auth
}

// NewHandler returns an http.Handler implementing the REST API. The health
// endpoint is always open so liveness probes work with auth enabled.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/chat", handleChat(deps))
		r.Post("/knowledge", handleKnowledge(deps))
		r.Get("/sessions/{userID}", handleSession(deps))
		r.Post("/maintenance/cleanup", handleCleanup(deps))
		r.Get("/cache/tags/{tag}", handleCacheByTag(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and content are required")
			return
		}

		reply, err := deps.Chat.Ask(r.Context(), req.UserID, req.Content)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "chat failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"reply": reply})
	}
}

type knowledgeRequest struct {
	UserID     string `json:"user_id"`
	Path       string `json:"path"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func handleKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req knowledgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and path are required")
			return
		}

		ttl := time.Duration(req.TTLSeconds) * time.Second
		hash, err := deps.Sessions.AddTempKnowledge(r.Context(), req.UserID, req.Path, ttl)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "adding knowledge: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"file_hash": hash})
	}
}

type sessionResponse struct {
	UserID         string            `json:"user_id"`
	Messages       []session.Message `json:"messages"`
	CacheHitCount  int               `json:"cache_hit_count"`
	CacheMissCount int               `json:"cache_miss_count"`
	HitRate        float64           `json:"hit_rate"`
	LastActiveTime time.Time         `json:"last_active_time"`
}

func handleSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		sess, ok := deps.Sessions.Peek(userID)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "no session for user %q", userID)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessionResponse{
			UserID:         sess.UserID,
			Messages:       sess.Messages,
			CacheHitCount:  sess.CacheHitCount,
			CacheMissCount: sess.CacheMissCount,
			HitRate:        sess.HitRate(),
			LastActiveTime: sess.LastActiveTime,
		})
	}
}

func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removedRecords, err := deps.Cache.ClearExpired()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing cache: %v", err)
			return
		}

		removedSessions, cleanedMessages, err := deps.Sessions.ClearExpired(deps.IdleTimeout, deps.MaxMessages)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cleaning sessions: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"expired_cache_records": removedRecords,
			"removed_sessions":      removedSessions,
			"cleaned_messages":      cleanedMessages,
		})
	}
}

type cacheRecordResponse struct {
	FileHash  string     `json:"file_hash"`
	FilePath  string     `json:"file_path"`
	Tag       string     `json:"tag,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Note      string     `json:"note,omitempty"`
	Messages  int        `json:"messages"`
}

func handleCacheByTag(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")

		records, err := deps.Cache.ByTag(tag)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing cache records: %v", err)
			return
		}

		results := make([]cacheRecordResponse, len(records))
		for i, rec := range records {
			results[i] = cacheRecordResponse{
				FileHash:  rec.FileHash,
				FilePath:  rec.FilePath,
				Tag:       rec.Tag,
				ExpiresAt: rec.ExpiresAt,
				Note:      rec.Note,
				Messages:  len(rec.Messages),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
