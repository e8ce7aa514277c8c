package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mosich/moonchat/internal/cache"
	"github.com/mosich/moonchat/internal/storage"
)

// KnowledgeCache is the slice of the content cache the session store consumes.
// Implemented by cache.Cache.
type KnowledgeCache interface {
	Get(ctx context.Context, path string) ([]cache.Message, error)
	Info(path string) (cache.Record, error)
	Refresh(path string, extend time.Duration) (bool, error)
	Register(ctx context.Context, path, tag string, ttl time.Duration) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Defaults for session maintenance.
const (
	DefaultIdleTimeout     = 3 * 24 * time.Hour
	DefaultMaxMessages     = 300
	DefaultKnowledgeTTL    = time.Hour
	defaultCleanupInterval = time.Hour

	// hitRateThreshold is the rolling hit rate above which a cache hit
	// triggers a TTL extension of twice the requested duration.
	hitRateThreshold = 0.8
)

// Options configures a Store.
type Options struct {
	SnapshotDir   string // one JSON file per user lives here
	Persona       string // system message seeding every new session
	KnowledgeFile string // shared knowledge file pulled through the cache on session creation

	IdleTimeout     time.Duration // sessions idle longer than this are dropped; 0 = DefaultIdleTimeout
	MaxMessages     int           // post-dedup size cap; 0 = DefaultMaxMessages
	KnowledgeTTL    time.Duration // TTL for temp knowledge registrations; 0 = DefaultKnowledgeTTL
	CleanupInterval time.Duration // opportunistic maintenance interval; 0 = one hour
}

func (o *Options) applyDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.KnowledgeTTL <= 0 {
		o.KnowledgeTTL = DefaultKnowledgeTTL
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = defaultCleanupInterval
	}
}

// Store holds every user session. One mutex guards the table and the sessions
// in it, so the maintenance pass cannot race per-user mutations. The
// knowledge cache (and through it the ingestion collaborator) is always
// called with the mutex released.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	lastCleanup time.Time

	cache  KnowledgeCache
	opts   Options
	clock  Clock
	logger *slog.Logger
}

// NewStore creates a Store, loads existing snapshots from the snapshot
// directory, and runs an initial maintenance pass.
func NewStore(kc KnowledgeCache, opts Options) (*Store, error) {
	return NewStoreWithClock(kc, opts, realClock{})
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(kc KnowledgeCache, opts Options, clock Clock) (*Store, error) {
	opts.applyDefaults()
	if opts.SnapshotDir == "" {
		return nil, errors.New("session: snapshot directory is required")
	}
	if err := os.MkdirAll(opts.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	s := &Store{
		sessions:    make(map[string]*Session),
		cache:       kc,
		opts:        opts,
		clock:       clock,
		logger:      slog.Default(),
		lastCleanup: clock.Now(),
	}
	s.loadSnapshots()

	expired, cleaned, err := s.ClearExpired(opts.IdleTimeout, opts.MaxMessages)
	if err != nil {
		return nil, err
	}
	if expired > 0 || cleaned > 0 {
		s.logger.Info("initial session maintenance", "expired_sessions", expired, "cleaned_messages", cleaned)
	}
	return s, nil
}

// GetOrCreate returns a copy of the user's session, creating it if absent.
// A new session is seeded with the persona system message plus any live
// shared knowledge content pulled through the content cache. Reports whether
// the session was newly created.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (Session, bool, error) {
	s.maybeCleanup()

	s.mu.Lock()
	if sess, ok := s.sessions[userID]; ok {
		cp := sess.clone()
		s.mu.Unlock()
		return cp, false, nil
	}
	s.mu.Unlock()

	// Pull shared knowledge outside the lock: the cache may need to ingest.
	seed := []Message{{Role: "system", Content: s.opts.Persona, Timestamp: s.clock.Now()}}
	if s.opts.KnowledgeFile != "" {
		msgs, err := s.cache.Get(ctx, s.opts.KnowledgeFile)
		switch {
		case err == nil:
			for _, m := range msgs {
				seed = append(seed, Message{Role: m.Role, Content: m.Content, Timestamp: s.clock.Now()})
			}
		case errors.Is(err, cache.ErrFileNotFound):
			s.logger.Warn("knowledge file absent, seeding session without it", "path", s.opts.KnowledgeFile)
		default:
			s.logger.Warn("knowledge cache unavailable, seeding session without it", "path", s.opts.KnowledgeFile, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check: another goroutine may have created the session meanwhile.
	if sess, ok := s.sessions[userID]; ok {
		return sess.clone(), false, nil
	}

	sess := &Session{
		UserID:         userID,
		Messages:       seed,
		LastActiveTime: s.clock.Now(),
		Context:        make(map[string]any),
	}
	s.sessions[userID] = sess
	s.logger.Info("created session", "user_id", userID, "seed_messages", len(seed))

	if err := s.saveLocked(sess); err != nil {
		return Session{}, false, err
	}
	return sess.clone(), true, nil
}

// AddMessage appends a timestamped message to the user's session (creating it
// first if absent), bumps the activity time, and persists the snapshot.
func (s *Store) AddMessage(ctx context.Context, userID, role, content string) error {
	if _, _, err := s.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return fmt.Errorf("session for %s vanished during append", userID)
	}
	now := s.clock.Now()
	sess.Messages = append(sess.Messages, Message{Role: role, Content: content, Timestamp: now})
	sess.LastActiveTime = now
	return s.saveLocked(sess)
}

// AddTempKnowledge makes a file's content available to the user's session
// through the cache and feeds the session's hit statistics back into the
// cache TTL policy. On a hit the record's hash is returned and, once the
// session's hit rate exceeds the threshold, the record's TTL is extended to
// double the requested duration. On a miss the file is ingested immediately
// and registered under the user's tag with the requested TTL.
func (s *Store) AddTempKnowledge(ctx context.Context, userID, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.opts.KnowledgeTTL
	}
	if _, _, err := s.GetOrCreate(ctx, userID); err != nil {
		return "", err
	}

	rec, err := s.cache.Info(path)
	switch {
	case err == nil:
		rate := s.recordLookup(userID, true)
		if rate > hitRateThreshold {
			if _, err := s.cache.Refresh(path, 2*ttl); err != nil {
				s.logger.Warn("extending cache TTL failed", "path", path, "error", err)
			}
		}
		return rec.FileHash, nil

	case errors.Is(err, storage.ErrNotFound):
		s.recordLookup(userID, false)
		hash, err := s.cache.Register(ctx, path, userID, ttl)
		if err != nil {
			return "", fmt.Errorf("registering knowledge %s: %w", path, err)
		}
		return hash, nil

	default:
		return "", err
	}
}

// recordLookup bumps the session's hit or miss counter, persists it, and
// returns the updated hit rate.
func (s *Store) recordLookup(userID string, hit bool) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return 0
	}
	if hit {
		sess.CacheHitCount++
	} else {
		sess.CacheMissCount++
	}
	if err := s.saveLocked(sess); err != nil {
		s.logger.Warn("persisting session stats failed", "user_id", userID, "error", err)
	}
	return sess.HitRate()
}

// SetContext stores a key/value pair scoped to the user's session.
func (s *Store) SetContext(ctx context.Context, userID, key string, value any) error {
	if _, _, err := s.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return fmt.Errorf("session for %s vanished during context set", userID)
	}
	sess.Context[key] = value
	return s.saveLocked(sess)
}

// GetContext returns the value stored under key in the user's session and
// whether it was present.
func (s *Store) GetContext(ctx context.Context, userID, key string) (any, bool, error) {
	if _, _, err := s.GetOrCreate(ctx, userID); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil, false, nil
	}
	v, ok := sess.Context[key]
	return v, ok, nil
}

// Peek returns a copy of the user's session without creating one.
func (s *Store) Peek(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// UserIDs returns the IDs of every session currently in memory.
func (s *Store) UserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// maybeCleanup runs the maintenance pass when the configured interval has
// elapsed since the previous one.
func (s *Store) maybeCleanup() {
	s.mu.Lock()
	due := s.clock.Now().Sub(s.lastCleanup) > s.opts.CleanupInterval
	if due {
		s.lastCleanup = s.clock.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	expired, cleaned, err := s.ClearExpired(s.opts.IdleTimeout, s.opts.MaxMessages)
	if err != nil {
		s.logger.Error("periodic session maintenance failed", "error", err)
		return
	}
	if expired > 0 || cleaned > 0 {
		s.logger.Info("periodic session maintenance", "expired_sessions", expired, "cleaned_messages", cleaned)
	}
}

// ClearExpired runs the maintenance pass: idle sessions (in memory and their
// snapshots) are removed; the rest get their messages deduplicated and, if
// still over maxMessages, truncated with system messages kept unconditionally.
// Returns the number of sessions removed and the total messages dropped by
// dedup and truncation combined.
func (s *Store) ClearExpired(idle time.Duration, maxMessages int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expired []string
	cleaned := 0

	for userID, sess := range s.sessions {
		if now.Sub(sess.LastActiveTime) > idle {
			expired = append(expired, userID)
			continue
		}

		original := len(sess.Messages)
		msgs, removed := dedupMessages(sess.Messages)
		msgs, evicted := truncateMessages(msgs, maxMessages)
		cleaned += removed + evicted

		if len(msgs) != original {
			sess.Messages = msgs
			s.logger.Info("cleaned session messages",
				"user_id", userID, "before", original, "after", len(msgs),
				"deduped", removed, "truncated", evicted)
			if err := s.saveLocked(sess); err != nil {
				return 0, 0, err
			}
		}
	}

	for _, userID := range expired {
		delete(s.sessions, userID)
		path := s.snapshotPath(userID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return 0, 0, fmt.Errorf("removing snapshot for %s: %w", userID, err)
		}
		s.logger.Info("removed idle session", "user_id", userID)
	}

	return len(expired), cleaned, nil
}

func (s *Store) snapshotPath(userID string) string {
	// User IDs come from chat platforms and may contain separators.
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(userID)
	return filepath.Join(s.opts.SnapshotDir, name+".json")
}

// saveLocked writes the session snapshot atomically: a crash mid-write can
// never leave a corrupt file because the temp file is renamed over the target.
func (s *Store) saveLocked(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.UserID, err)
	}

	target := s.snapshotPath(sess.UserID)
	tmp, err := os.CreateTemp(s.opts.SnapshotDir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing snapshot for %s: %w", sess.UserID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing snapshot for %s: %w", sess.UserID, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot for %s: %w", sess.UserID, err)
	}
	return nil
}

// loadSnapshots repopulates the in-memory table from the snapshot directory.
// Unreadable snapshots are skipped with a warning rather than failing startup.
func (s *Store) loadSnapshots() {
	entries, err := os.ReadDir(s.opts.SnapshotDir)
	if err != nil {
		s.logger.Warn("reading snapshot directory failed", "dir", s.opts.SnapshotDir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.opts.SnapshotDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("reading snapshot failed", "path", path, "error", err)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("skipping malformed snapshot", "path", path, "error", err)
			continue
		}
		if sess.Context == nil {
			sess.Context = make(map[string]any)
		}
		s.sessions[sess.UserID] = &sess
	}

	if len(s.sessions) > 0 {
		s.logger.Info("loaded session snapshots", "count", len(s.sessions))
	}
}
