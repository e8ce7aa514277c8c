package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mosich/moonchat/internal/cache"
	"github.com/mosich/moonchat/internal/session"
)

// --- mocks ---

type mockChatService struct {
	mu       sync.Mutex
	reply    string
	err      error
	lastUser string
	lastMsg  string
}

func (m *mockChatService) Ask(_ context.Context, userID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser = userID
	m.lastMsg = content
	return m.reply, m.err
}

type mockSessionStore struct {
	mu        sync.Mutex
	sessions  map[string]session.Session
	hash      string
	addErr    error
	lastPath  string
	lastTTL   time.Duration
	cleanedN  int
	cleanedM  int
	callCount int
}

func (m *mockSessionStore) AddTempKnowledge(_ context.Context, userID, path string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPath = path
	m.lastTTL = ttl
	return m.hash, m.addErr
}

func (m *mockSessionStore) Peek(userID string) (session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

func (m *mockSessionStore) UserIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *mockSessionStore) ClearExpired(time.Duration, int) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	return m.cleanedN, m.cleanedM, nil
}

type mockContentCache struct {
	records []cache.Record
	cleared int
	err     error
}

func (m *mockContentCache) ByTag(string) ([]cache.Record, error) { return m.records, m.err }
func (m *mockContentCache) ClearExpired() (int, error)           { return m.cleared, m.err }

func newTestDeps() (Deps, *mockChatService, *mockSessionStore, *mockContentCache) {
	chat := &mockChatService{reply: "hi"}
	sessions := &mockSessionStore{sessions: make(map[string]session.Session), hash: "abc123"}
	cc := &mockContentCache{}
	return Deps{
		Chat:        chat,
		Sessions:    sessions,
		Cache:       cc,
		IdleTimeout: time.Hour,
		MaxMessages: 100,
	}, chat, sessions, cc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- tests ---

func TestHealth(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	rec := doJSON(t, NewHandler(deps), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatEndpoint(t *testing.T) {
	deps, chat, _, _ := newTestDeps()
	chat.reply = "four"

	rec := doJSON(t, NewHandler(deps), http.MethodPost, "/chat",
		map[string]string{"user_id": "u1", "content": "2+2?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["reply"] != "four" {
		t.Errorf("reply = %q", resp["reply"])
	}
	if chat.lastUser != "u1" || chat.lastMsg != "2+2?" {
		t.Errorf("service got user %q message %q", chat.lastUser, chat.lastMsg)
	}
}

func TestChatEndpointValidation(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodPost, "/chat", map[string]string{"content": "no user"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec2.Code)
	}
}

func TestChatEndpointUpstreamFailure(t *testing.T) {
	deps, chat, _, _ := newTestDeps()
	chat.err = errors.New("upstream down")

	rec := doJSON(t, NewHandler(deps), http.MethodPost, "/chat",
		map[string]string{"user_id": "u1", "content": "hello"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestKnowledgeEndpoint(t *testing.T) {
	deps, _, sessions, _ := newTestDeps()

	rec := doJSON(t, NewHandler(deps), http.MethodPost, "/knowledge",
		map[string]any{"user_id": "u1", "path": "/tmp/doc.pdf", "ttl_seconds": 1800})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["file_hash"] != "abc123" {
		t.Errorf("file_hash = %q", resp["file_hash"])
	}
	if sessions.lastPath != "/tmp/doc.pdf" || sessions.lastTTL != 30*time.Minute {
		t.Errorf("store got path %q ttl %v", sessions.lastPath, sessions.lastTTL)
	}
}

func TestSessionEndpoint(t *testing.T) {
	deps, _, sessions, _ := newTestDeps()
	sessions.sessions["u1"] = session.Session{
		UserID:         "u1",
		Messages:       []session.Message{{Role: "system", Content: "persona"}},
		CacheHitCount:  4,
		CacheMissCount: 1,
		LastActiveTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodGet, "/sessions/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.HitRate != 0.8 || len(resp.Messages) != 1 {
		t.Errorf("response = %+v", resp)
	}

	rec2 := doJSON(t, h, http.MethodGet, "/sessions/unknown", nil)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("unknown user: status = %d", rec2.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	deps, _, sessions, cc := newTestDeps()
	cc.cleared = 3
	sessions.cleanedN = 2
	sessions.cleanedM = 7

	rec := doJSON(t, NewHandler(deps), http.MethodPost, "/maintenance/cleanup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]int
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["expired_cache_records"] != 3 || resp["removed_sessions"] != 2 || resp["cleaned_messages"] != 7 {
		t.Errorf("response = %v", resp)
	}
	if sessions.callCount != 1 {
		t.Errorf("ClearExpired called %d times", sessions.callCount)
	}
}

func TestCacheByTagEndpoint(t *testing.T) {
	deps, _, _, cc := newTestDeps()
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cc.records = []cache.Record{
		{FileHash: "h1", FilePath: "/a", Tag: "u1", ExpiresAt: &exp, Messages: []cache.Message{{Role: "system", Content: "x"}}},
	}

	rec := doJSON(t, NewHandler(deps), http.MethodGet, "/cache/tags/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp []cacheRecordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp) != 1 || resp[0].FileHash != "h1" || resp[0].Messages != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestBearerAuth(t *testing.T) {
	deps, _, sessions, _ := newTestDeps()
	deps.Token = "secret"
	h := NewHandler(deps)
	sessions.sessions["u1"] = session.Session{UserID: "u1"}

	req := httptest.NewRequest(http.MethodGet, "/sessions/u1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/sessions/u1", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", rec2.Code)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/sessions/u1", nil)
	req3.Header.Set("Authorization", "Bearer wrong")
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", rec3.Code)
	}
}

func TestHealthOpenWithAuthEnabled(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	deps.Token = "secret"

	rec := doJSON(t, NewHandler(deps), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health with no token: status = %d", rec.Code)
	}
}
