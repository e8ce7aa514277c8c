package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mosich/moonchat/internal/storage"
)

// --- Mock ingester ---

type mockIngester struct {
	mu    sync.Mutex
	msgs  []Message
	err   error
	calls int

	lastPaths []string
	lastTag   string
}

func (m *mockIngester) Ingest(_ context.Context, paths []string, tag string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastPaths = paths
	m.lastTag = tag
	if m.err != nil {
		return nil, m.err
	}
	return m.msgs, nil
}

func (m *mockIngester) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Helpers ---

func newTestCache(t *testing.T, ing Ingester, clock Clock) *Cache {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if clock == nil {
		clock = realClock{}
	}
	return NewWithClock(s, ing, clock)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func systemMsgs(contents ...string) []Message {
	msgs := make([]Message, len(contents))
	for i, c := range contents {
		msgs[i] = Message{Role: RoleSystem, Content: c}
	}
	return msgs
}

// --- Tests ---

// TestGetMissIngestsThenHits verifies the miss-then-ingest path and that a
// second read is served from storage without calling the ingester again.
func TestGetMissIngestsThenHits(t *testing.T) {
	ing := &mockIngester{msgs: systemMsgs("extracted content")}
	c := newTestCache(t, ing, nil)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	msgs, err := c.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get (miss): %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "extracted content" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if ing.callCount() != 1 {
		t.Fatalf("ingester calls = %d, want 1", ing.callCount())
	}

	msgs, err = c.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get (hit): %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("unexpected messages on hit: %+v", msgs)
	}
	if ing.callCount() != 1 {
		t.Errorf("ingester called again on hit: %d calls", ing.callCount())
	}
}

// TestHashStability verifies that two paths with identical bytes share one
// record: the second path is a hit even though it was never ingested.
func TestHashStability(t *testing.T) {
	ing := &mockIngester{msgs: systemMsgs("shared")}
	c := newTestCache(t, ing, nil)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "same bytes")
	b := writeFile(t, dir, "b.txt", "same bytes")

	if _, err := c.Get(context.Background(), a); err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	msgs, err := c.Get(context.Background(), b)
	if err != nil {
		t.Fatalf("Get(b): %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "shared" {
		t.Fatalf("unexpected messages for b: %+v", msgs)
	}
	if ing.callCount() != 1 {
		t.Errorf("ingester calls = %d, want 1 (identical bytes collapse to one record)", ing.callCount())
	}

	ha, err := HashFile(a)
	if err != nil {
		t.Fatalf("HashFile(a): %v", err)
	}
	hb, err := HashFile(b)
	if err != nil {
		t.Fatalf("HashFile(b): %v", err)
	}
	if ha != hb {
		t.Errorf("hashes differ for identical bytes: %q vs %q", ha, hb)
	}
}

// TestGetFileNotFound verifies the file-absent outcome is distinct from a miss.
func TestGetFileNotFound(t *testing.T) {
	ing := &mockIngester{msgs: systemMsgs("x")}
	c := newTestCache(t, ing, nil)

	_, err := c.Get(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("error = %v, want ErrFileNotFound", err)
	}
	if ing.callCount() != 0 {
		t.Errorf("ingester called for absent file")
	}
}

// TestGetIngestionFailureLeavesStorageUntouched verifies no record is written
// when the collaborator fails.
func TestGetIngestionFailureLeavesStorageUntouched(t *testing.T) {
	ing := &mockIngester{err: errors.New("upstream down")}
	c := newTestCache(t, ing, nil)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	_, err := c.Get(context.Background(), path)
	if !errors.Is(err, ErrIngestion) {
		t.Fatalf("error = %v, want ErrIngestion", err)
	}

	if _, err := c.Info(path); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record written despite ingestion failure, err = %v", err)
	}
}

// TestExpiryMonotonicity verifies a record with expiry t is live before t and
// treated as absent (and deleted) from t onward.
func TestExpiryMonotonicity(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, &mockIngester{}, clock)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	if err := c.Set(path, systemMsgs("v"), "", time.Hour, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, err := c.Info(path); err != nil {
		t.Fatalf("Info before expiry: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := c.Info(path); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Info at expiry = %v, want ErrNotFound", err)
	}

	// The expired record was deleted as a side effect, so the tag view is empty.
	recs, err := c.ByTag("")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expired record still in storage: %+v", recs)
	}
}

// TestGetServesExpiredRecord verifies a read past the record TTL still returns
// the stored content with expired messages filtered, without re-ingesting;
// only Info treats the record as absent.
func TestGetServesExpiredRecord(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ing := &mockIngester{msgs: systemMsgs("fresh")}
	c := newTestCache(t, ing, clock)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	soon := clock.Now().Add(time.Minute)
	msgs := []Message{
		{Role: RoleSystem, Content: "keep"},
		{Role: RoleCache, Content: "tag=u1;reset_ttl=300", ExpiredAt: &soon},
	}
	if err := c.Set(path, msgs, "", 5*time.Minute, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(10 * time.Minute)
	got, err := c.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get past record TTL: %v", err)
	}
	if len(got) != 1 || got[0].Content != "keep" {
		t.Fatalf("messages = %+v, want the unexpired one from the stale record", got)
	}
	if ing.callCount() != 0 {
		t.Errorf("ingester called for a stored record: %d calls", ing.callCount())
	}

	if _, err := c.Info(path); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Info on expired record = %v, want ErrNotFound", err)
	}
}

// TestRefresh verifies renewal sets expiry to now + extend regardless of the
// previous value, and reports false for unknown content.
func TestRefresh(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, &mockIngester{}, clock)
	dir := t.TempDir()
	path := writeFile(t, dir, "k.txt", "knowledge")

	if err := c.Set(path, systemMsgs("v"), "", time.Hour, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(30 * time.Minute)
	ok, err := c.Refresh(path, 2*time.Hour)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !ok {
		t.Fatal("Refresh reported no record")
	}

	rec, err := c.Info(path)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	want := clock.Now().Add(2 * time.Hour)
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
	}

	other := writeFile(t, dir, "other.txt", "never cached")
	ok, err = c.Refresh(other, time.Hour)
	if err != nil {
		t.Fatalf("Refresh (unknown): %v", err)
	}
	if ok {
		t.Error("Refresh reported a record for uncached content")
	}
	if _, err := c.Info(other); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Refresh created a record, err = %v", err)
	}
}

// TestRemoveIdempotent verifies removal of an absent hash is a no-op.
func TestRemoveIdempotent(t *testing.T) {
	c := newTestCache(t, &mockIngester{}, nil)
	if err := c.Remove("no-such-hash"); err != nil {
		t.Errorf("Remove on absent hash: %v", err)
	}
}

// TestPerMessageExpiryFiltered verifies expired messages are dropped on read
// without deleting the record.
func TestPerMessageExpiryFiltered(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, &mockIngester{}, clock)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	soon := clock.Now().Add(time.Minute)
	msgs := []Message{
		{Role: RoleSystem, Content: "keep"},
		{Role: RoleCache, Content: "tag=u1;reset_ttl=300", ExpiredAt: &soon},
	}
	if err := c.Set(path, msgs, "", 0, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(2 * time.Minute)
	got, err := c.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got[0].Content != "keep" {
		t.Fatalf("messages = %+v, want only the unexpired one", got)
	}

	// Record survives per-message expiry.
	if _, err := c.Info(path); err != nil {
		t.Errorf("record deleted by per-message expiry: %v", err)
	}
}

// TestTTLScenario caches with a short TTL, reads immediately, then reads past
// the TTL via Info and verifies storage no longer contains the record.
func TestTTLScenario(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, &mockIngester{}, clock)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	if err := c.Set(path, systemMsgs("v"), "tagged", time.Second, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	rec, err := c.Info(path)
	if err != nil {
		t.Fatalf("Info immediately after Set: %v", err)
	}
	if len(rec.Messages) != 1 {
		t.Fatalf("content missing right after Set: %+v", rec)
	}

	clock.Advance(2 * time.Second)
	if _, err := c.Info(path); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Info past TTL = %v, want ErrNotFound", err)
	}
	recs, err := c.ByTag("tagged")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("storage still contains the record: %+v", recs)
	}
}

// TestClearExpired counts only records past their expiry.
func TestClearExpired(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, &mockIngester{}, clock)
	dir := t.TempDir()

	short := writeFile(t, dir, "short.txt", "short-lived")
	long := writeFile(t, dir, "long.txt", "long-lived")
	forever := writeFile(t, dir, "forever.txt", "immortal")

	if err := c.Set(short, systemMsgs("s"), "", time.Minute, ""); err != nil {
		t.Fatalf("Set short: %v", err)
	}
	if err := c.Set(long, systemMsgs("l"), "", time.Hour, ""); err != nil {
		t.Fatalf("Set long: %v", err)
	}
	if err := c.Set(forever, systemMsgs("f"), "", 0, ""); err != nil {
		t.Fatalf("Set forever: %v", err)
	}

	clock.Advance(10 * time.Minute)
	n, err := c.ClearExpired()
	if err != nil {
		t.Fatalf("ClearExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d records, want 1", n)
	}

	if _, err := c.Info(long); err != nil {
		t.Errorf("long-lived record removed: %v", err)
	}
	if _, err := c.Info(forever); err != nil {
		t.Errorf("non-expiring record removed: %v", err)
	}
}

// TestAddMessage appends to an existing record and reports false when no
// record exists.
func TestAddMessage(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, &mockIngester{}, clock)
	dir := t.TempDir()
	path := writeFile(t, dir, "k.txt", "knowledge")

	if err := c.Set(path, systemMsgs("base"), "tg", time.Hour, "note"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := c.AddMessage(path, RoleAssistant, "appended", 0)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if !ok {
		t.Fatal("AddMessage reported no record")
	}

	rec, err := c.Info(path)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(rec.Messages) != 2 || rec.Messages[1].Content != "appended" {
		t.Errorf("messages = %+v, want base + appended", rec.Messages)
	}
	if rec.Tag != "tg" || rec.Note != "note" {
		t.Errorf("tag/note not preserved: %+v", rec)
	}
	if rec.ExpiresAt == nil {
		t.Error("record expiry dropped by AddMessage")
	}

	uncached := writeFile(t, dir, "u.txt", "uncached")
	ok, err = c.AddMessage(uncached, RoleUser, "x", 0)
	if err != nil {
		t.Fatalf("AddMessage (uncached): %v", err)
	}
	if ok {
		t.Error("AddMessage reported a record for uncached content")
	}
}

// TestClearExpiredMessages drops only expired messages and returns the count.
func TestClearExpiredMessages(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, &mockIngester{}, clock)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	past := clock.Now().Add(time.Minute)
	msgs := []Message{
		{Role: RoleSystem, Content: "keep"},
		{Role: RoleAssistant, Content: "drop-1", ExpiredAt: &past},
		{Role: RoleAssistant, Content: "drop-2", ExpiredAt: &past},
	}
	if err := c.Set(path, msgs, "", 0, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(5 * time.Minute)
	n, err := c.ClearExpiredMessages(path)
	if err != nil {
		t.Fatalf("ClearExpiredMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("dropped %d messages, want 2", n)
	}

	rec, err := c.Info(path)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(rec.Messages) != 1 || rec.Messages[0].Content != "keep" {
		t.Errorf("messages = %+v, want only the survivor", rec.Messages)
	}
}

// TestRegister ingests under a tag and stores the result with the given TTL.
func TestRegister(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	marker := Message{Role: RoleCache, Content: "tag=user-7;reset_ttl=300"}
	ing := &mockIngester{msgs: []Message{marker}}
	c := newTestCache(t, ing, clock)
	path := writeFile(t, t.TempDir(), "k.txt", "knowledge")

	hash, err := c.Register(context.Background(), path, "user-7", time.Hour)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ing.lastTag != "user-7" {
		t.Errorf("ingester tag = %q, want user-7", ing.lastTag)
	}

	want, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if hash != want {
		t.Errorf("hash = %q, want %q", hash, want)
	}

	recs, err := c.ByTag("user-7")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d tagged records, want 1", len(recs))
	}
	if recs[0].ExpiresAt == nil || !recs[0].ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+1h", recs[0].ExpiresAt)
	}
	if len(recs[0].Messages) != 1 || recs[0].Messages[0].Role != RoleCache {
		t.Errorf("messages = %+v, want the cache marker", recs[0].Messages)
	}
}
