package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the file cache and the chat log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "moonchat.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- File cache ---

// UpsertFileCache inserts or replaces the record under its file hash.
func (s *Store) UpsertFileCache(r FileCacheRecord) error {
	var expiresAt any
	if r.ExpiresAt != nil {
		expiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO file_cache (file_hash, file_path, messages, cache_tag, cache_expires_at, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.FileHash, r.FilePath, r.Messages, r.Tag, expiresAt, r.Note,
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetFileCache returns the record stored under hash, or ErrNotFound.
func (s *Store) GetFileCache(hash string) (FileCacheRecord, error) {
	row := s.db.QueryRow(`
		SELECT file_hash, file_path, messages, cache_tag, cache_expires_at, note, created_at, updated_at
		FROM file_cache WHERE file_hash = ?`, hash)
	return scanFileCache(row)
}

// GetFileCacheByTag returns all records sharing tag, oldest first.
func (s *Store) GetFileCacheByTag(tag string) ([]FileCacheRecord, error) {
	rows, err := s.db.Query(`
		SELECT file_hash, file_path, messages, cache_tag, cache_expires_at, note, created_at, updated_at
		FROM file_cache WHERE cache_tag = ? ORDER BY created_at ASC`, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FileCacheRecord
	for rows.Next() {
		r, err := scanFileCache(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteFileCache removes the record under hash. Deleting an absent hash is a no-op.
func (s *Store) DeleteFileCache(hash string) error {
	_, err := s.db.Exec(`DELETE FROM file_cache WHERE file_hash = ?`, hash)
	return err
}

// DeleteExpiredFileCache removes every record whose expiry is set and at or
// before now, returning the number of records removed.
func (s *Store) DeleteExpiredFileCache(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM file_cache
		WHERE cache_expires_at IS NOT NULL AND cache_expires_at <= ?`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TouchFileCacheExpiry rewrites the record's expiry without touching its
// messages. Returns ErrNotFound if no record exists under hash.
func (s *Store) TouchFileCacheExpiry(hash string, expiresAt, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE file_cache SET cache_expires_at = ?, updated_at = ? WHERE file_hash = ?`,
		expiresAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), hash,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFileCache(sc scanner) (FileCacheRecord, error) {
	var r FileCacheRecord
	var expiresAt sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(&r.FileHash, &r.FilePath, &r.Messages, &r.Tag, &expiresAt, &r.Note, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return FileCacheRecord{}, ErrNotFound
	}
	if err != nil {
		return FileCacheRecord{}, err
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return FileCacheRecord{}, fmt.Errorf("parsing cache_expires_at: %w", err)
		}
		r.ExpiresAt = &t
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return FileCacheRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return FileCacheRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// --- Chat log ---

func (s *Store) SaveChatLog(l ChatLog) error {
	status := l.Status
	if status == "" {
		status = "completed"
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_log (id, user_id, created_at, user_content, reply_content, model, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.CreatedAt.UTC().Format(time.RFC3339),
		l.UserContent, l.ReplyContent, l.Model, status,
	)
	return err
}

// RecentChatLogs returns the most recent chat log rows for a user, newest first.
func (s *Store) RecentChatLogs(userID string, limit int) ([]ChatLog, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, created_at, user_content, reply_content, model, status
		FROM chat_log WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ChatLog
	for rows.Next() {
		var l ChatLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.UserID, &createdAt, &l.UserContent, &l.ReplyContent, &l.Model, &l.Status); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, l)
	}
	return results, rows.Err()
}
