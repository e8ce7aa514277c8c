package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mosich/moonchat/internal/storage"
)

// ErrFileNotFound is returned when the file path does not exist on disk.
// It is a first-class outcome, distinct from a cache miss.
var ErrFileNotFound = errors.New("file not found")

// ErrIngestion is returned when the ingester cannot produce content for a
// cache miss. The cache is left unmodified.
var ErrIngestion = errors.New("ingestion failed")

// Ingester turns files into message fragments suitable for a cache entry.
// When tag is non-empty the implementation may register the content with a
// provider-side cache and return a single RoleCache marker instead of the
// extracted content.
type Ingester interface {
	Ingest(ctx context.Context, paths []string, tag string) ([]Message, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Cache is a content-addressed file cache backed by SQLite. One mutex
// serializes every operation so the read-then-write sequences (expiry check
// then delete, existence check then upsert) cannot race each other. The
// ingester is always invoked with the mutex released.
type Cache struct {
	mu       sync.Mutex
	store    *storage.Store
	ingester Ingester
	clock    Clock
	logger   *slog.Logger
}

// New creates a Cache over the given store and ingester.
func New(store *storage.Store, ingester Ingester) *Cache {
	return NewWithClock(store, ingester, realClock{})
}

// NewWithClock creates a Cache with a custom clock (for testing).
func NewWithClock(store *storage.Store, ingester Ingester, clock Clock) *Cache {
	return &Cache{
		store:    store,
		ingester: ingester,
		clock:    clock,
		logger:   slog.Default(),
	}
}

// HashFile computes the SHA-256 digest of the file's bytes, streaming the
// content so memory use stays bounded regardless of file size.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the live messages cached for the file's current content. On a
// miss it ingests the file, stores a non-expiring record, and returns the
// fresh messages. Returns ErrFileNotFound if the path does not exist and
// ErrIngestion if the ingester fails on a miss (storage untouched).
func (c *Cache) Get(ctx context.Context, path string) ([]Message, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	hash, err := HashFile(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	rec, err := c.store.GetFileCache(hash)
	if err == nil {
		now := c.clock.Now()
		if rec.Expired(now) {
			c.logger.Warn("cache record past expiry, serving filtered content", "path", path, "hash", hash)
		}
		msgs, derr := decodeMessages(rec.Messages, now)
		c.mu.Unlock()
		return msgs, derr
	}
	c.mu.Unlock()
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading cache for %s: %w", path, err)
	}

	// Miss: ingest without holding the mutex so slow collaborator calls don't
	// block unrelated cache users. Concurrent misses on the same hash both
	// ingest the same bytes, so the duplicate upsert is benign.
	msgs, err := c.ingester.Ingest(ctx, []string{path}, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIngestion, path, err)
	}

	if err := c.upsert(hash, path, msgs, "", nil, ""); err != nil {
		return nil, err
	}
	c.logger.Info("cached ingested file", "path", path, "hash", hash, "messages", len(msgs))
	return msgs, nil
}

// Set upserts a record for the file's current content. A ttl of zero stores
// a non-expiring record.
func (c *Cache) Set(path string, msgs []Message, tag string, ttl time.Duration, note string) error {
	hash, err := HashFile(path)
	if err != nil {
		return err
	}

	var exp *time.Time
	if ttl > 0 {
		t := c.clock.Now().Add(ttl)
		exp = &t
	}
	return c.upsert(hash, path, msgs, tag, exp, note)
}

// Register ingests the file under the given tag and stores the result with
// the supplied TTL, returning the file hash. Unlike Get it always invokes the
// ingester, so the provider-side cache registration happens even when a plain
// record already exists for the content.
func (c *Cache) Register(ctx context.Context, path, tag string, ttl time.Duration) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	hash, err := HashFile(path)
	if err != nil {
		return "", err
	}

	msgs, err := c.ingester.Ingest(ctx, []string{path}, tag)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIngestion, path, err)
	}

	var exp *time.Time
	if ttl > 0 {
		t := c.clock.Now().Add(ttl)
		exp = &t
	}
	if err := c.upsert(hash, path, msgs, tag, exp, "registered from session"); err != nil {
		return "", err
	}
	return hash, nil
}

// Refresh sets the record's expiry to now + extend, independent of its
// previous value. Reports whether a record for the file's content existed.
func (c *Cache) Refresh(path string, extend time.Duration) (bool, error) {
	hash, err := HashFile(path)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	err = c.store.TouchFileCacheExpiry(hash, now.Add(extend), now)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refreshing cache for %s: %w", path, err)
	}
	return true, nil
}

// Remove deletes the record under hash. Removing an absent hash is a no-op.
func (c *Cache) Remove(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.DeleteFileCache(hash); err != nil {
		return fmt.Errorf("removing cache record %s: %w", hash, err)
	}
	return nil
}

// ByTag returns all records sharing tag, with expired messages filtered out.
func (c *Cache) ByTag(tag string) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.store.GetFileCacheByTag(tag)
	if err != nil {
		return nil, fmt.Errorf("reading cache by tag %q: %w", tag, err)
	}

	now := c.clock.Now()
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord(row, now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Info returns the full record for the file's current content. An expired
// record is deleted as a side effect and reported as storage.ErrNotFound.
func (c *Cache) Info(path string) (Record, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return Record{}, fmt.Errorf("stat %s: %w", path, err)
	}

	hash, err := HashFile(path)
	if err != nil {
		return Record{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked(hash, path)
}

// infoLocked is Info past the stat and hash, with c.mu held.
func (c *Cache) infoLocked(hash, path string) (Record, error) {
	row, err := c.store.GetFileCache(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading cache for %s: %w", path, err)
	}

	now := c.clock.Now()
	if row.Expired(now) {
		if err := c.store.DeleteFileCache(hash); err != nil {
			return Record{}, fmt.Errorf("deleting expired record %s: %w", hash, err)
		}
		c.logger.Info("deleted expired cache record", "path", path, "hash", hash)
		return Record{}, storage.ErrNotFound
	}

	return decodeRecord(row, now)
}

// ClearExpired deletes every record whose expiry has passed, returning the
// count removed.
func (c *Cache) ClearExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.DeleteExpiredFileCache(c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("clearing expired cache records: %w", err)
	}
	return n, nil
}

// AddMessage appends a message to an existing record, keeping its tag, expiry
// and note. Reports whether a live record existed. A ttl > 0 gives the new
// message its own expiry.
func (c *Cache) AddMessage(path, role, content string, ttl time.Duration) (bool, error) {
	hash, err := HashFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.infoLocked(hash, path)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	msg := Message{Role: role, Content: content}
	if ttl > 0 {
		t := c.clock.Now().Add(ttl)
		msg.ExpiredAt = &t
	}
	rec.Messages = append(rec.Messages, msg)

	return true, c.upsertLocked(hash, path, rec.Messages, rec.Tag, rec.ExpiresAt, rec.Note)
}

// ClearExpiredMessages drops expired messages from an existing record's
// message list, re-upserting the result. Returns the number dropped.
func (c *Cache) ClearExpiredMessages(path string) (int, error) {
	hash, err := HashFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	row, err := c.store.GetFileCache(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cache for %s: %w", path, err)
	}

	var all []Message
	if row.Messages != "" {
		// Decode without filtering so the dropped count is visible.
		if err := json.Unmarshal([]byte(row.Messages), &all); err != nil {
			return 0, fmt.Errorf("decoding messages: %w", err)
		}
	}

	now := c.clock.Now()
	live := make([]Message, 0, len(all))
	for _, m := range all {
		if !m.Expired(now) {
			live = append(live, m)
		}
	}
	dropped := len(all) - len(live)
	if dropped == 0 {
		return 0, nil
	}

	var exp *time.Time
	if row.ExpiresAt != nil {
		t := *row.ExpiresAt
		exp = &t
	}
	return dropped, c.upsertLocked(hash, path, live, row.Tag, exp, row.Note)
}

func (c *Cache) upsert(hash, path string, msgs []Message, tag string, exp *time.Time, note string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upsertLocked(hash, path, msgs, tag, exp, note)
}

func (c *Cache) upsertLocked(hash, path string, msgs []Message, tag string, exp *time.Time, note string) error {
	raw, err := encodeMessages(msgs)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	err = c.store.UpsertFileCache(storage.FileCacheRecord{
		FileHash:  hash,
		FilePath:  path,
		Messages:  raw,
		Tag:       tag,
		ExpiresAt: exp,
		Note:      note,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("writing cache for %s: %w", path, err)
	}
	return nil
}

func decodeRecord(row storage.FileCacheRecord, now time.Time) (Record, error) {
	msgs, err := decodeMessages(row.Messages, now)
	if err != nil {
		return Record{}, err
	}
	return Record{
		FileHash:  row.FileHash,
		FilePath:  row.FilePath,
		Messages:  msgs,
		Tag:       row.Tag,
		ExpiresAt: row.ExpiresAt,
		Note:      row.Note,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
