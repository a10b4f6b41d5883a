// Package ledger is the durable record of which local files have already been
// uploaded, and with which size and modification time.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/foldersync/internal/db"
	"github.com/openmined/foldersync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const schema = `
CREATE TABLE IF NOT EXISTS synced_files (
    local_path TEXT PRIMARY KEY,
    file_name TEXT NOT NULL,
    target_folder TEXT NOT NULL,
    remote_id TEXT NOT NULL,
    file_size INTEGER NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    synced_at INTEGER NOT NULL,        -- unix millis
    last_modified_at INTEGER NOT NULL  -- unix millis
);

CREATE INDEX IF NOT EXISTS idx_synced_files_synced_at ON synced_files(synced_at);

CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const recordColumns = "local_path, file_name, target_folder, remote_id, file_size, content_hash, synced_at, last_modified_at"

var (
	ErrNotOpen        = errors.New("ledger not open")
	ErrAlreadyOpen    = errors.New("ledger already open")
	ErrInvalidPattern = errors.New("invalid exclude pattern")
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithExclude skips file names matching any of the doublestar patterns in ListUnsynced.
func WithExclude(patterns ...string) Option {
	return func(l *Ledger) {
		l.exclude = append(l.exclude, patterns...)
	}
}

// WithClock overrides the clock used for SyncedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger owns the synced_files and sync_metadata tables.
// Every write is a single statement, so it is atomic per record and nothing more.
type Ledger struct {
	dbPath  string
	db      *sqlx.DB
	exclude []string
	now     func() time.Time
	mu      sync.RWMutex
}

func New(dbPath string, opts ...Option) *Ledger {
	l := &Ledger{
		dbPath: dbPath,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates the database file and schema when missing.
func (l *Ledger) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		return ErrAlreadyOpen
	}

	for _, pattern := range l.exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}

	sqldb, err := db.NewSqliteDB(db.WithPath(l.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return fmt.Errorf("init ledger schema: %w", err)
	}

	l.db = sqldb
	slog.Debug("ledger open", "path", l.dbPath)
	return nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return ErrNotOpen
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	slog.Debug("ledger closed", "path", l.dbPath)
	return nil
}

func (l *Ledger) conn() (*sqlx.DB, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return nil, ErrNotOpen
	}
	return l.db, nil
}

// IsSynced reports whether path has a record that still matches the file on disk.
// A missing file is never synced and its record, if any, is purged.
func (l *Ledger) IsSynced(path string) (bool, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", path, err)
	}

	info, err := os.Stat(key)
	if errors.Is(err, fs.ErrNotExist) {
		if err := l.RemoveFromCache(key); err != nil {
			return false, err
		}
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}

	rec, err := l.get(key)
	if err != nil || rec == nil {
		return false, err
	}

	return isFresh(rec, info), nil
}

// isFresh compares the live file against the record: same size and not
// modified after the recorded millisecond.
func isFresh(rec *dbRecord, info fs.FileInfo) bool {
	if info.Size() != rec.FileSize {
		return false
	}
	return info.ModTime().UnixMilli() <= rec.LastModifiedAt
}

// ListUnsynced returns the regular files directly inside dir that need an
// upload, in directory listing order. Every call reads the directory afresh.
func (l *Ledger) ListUnsynced(dir string) ([]File, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", absDir, err)
	}

	ignore := loadIgnoreFile(absDir)

	var files []File
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, TrashPrefix) || name == IgnoreFileName {
			continue
		}
		if l.isExcluded(name) || (ignore != nil && ignore.MatchesPath(name)) {
			continue
		}

		path := filepath.Join(absDir, name)
		synced, err := l.IsSynced(path)
		if err != nil {
			return nil, err
		}
		if synced {
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// removed between ReadDir and now
			continue
		} else if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		files = append(files, File{
			Path:    path,
			Name:    name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

// loadIgnoreFile compiles the folder's ignore file, if there is one.
func loadIgnoreFile(dir string) *gitignore.GitIgnore {
	path := filepath.Join(dir, IgnoreFileName)
	if !utils.FileExists(path) {
		return nil
	}
	ignore, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		slog.Warn("ledger ignore file", "path", path, "error", err)
		return nil
	}
	return ignore
}

func (l *Ledger) isExcluded(name string) bool {
	for _, pattern := range l.exclude {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// MarkSynced records path as uploaded to remoteID. A later call for the same
// path replaces the record. A failing content hash is stored as empty.
func (l *Ledger) MarkSynced(path, targetFolder, remoteID string) error {
	key, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	info, err := os.Stat(key)
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}

	hash, err := utils.FileHash(key)
	if err != nil {
		slog.Warn("ledger hash", "path", key, "error", err)
		hash = ""
	}

	conn, err := l.conn()
	if err != nil {
		return err
	}

	row := dbRecord{
		LocalPath:      key,
		FileName:       filepath.Base(key),
		TargetFolder:   targetFolder,
		RemoteID:       remoteID,
		FileSize:       info.Size(),
		ContentHash:    hash,
		SyncedAt:       l.now().UnixMilli(),
		LastModifiedAt: info.ModTime().UnixMilli(),
	}

	query := `INSERT OR REPLACE INTO synced_files (` + recordColumns + `)
	          VALUES (:local_path, :file_name, :target_folder, :remote_id, :file_size, :content_hash, :synced_at, :last_modified_at)`
	if _, err := conn.NamedExec(query, row); err != nil {
		return fmt.Errorf("mark synced %s: %w", key, err)
	}
	slog.Debug("ledger set", "path", key, "remoteId", remoteID, "size", row.FileSize)
	return nil
}

// RemoveFromCache deletes the record for path. A missing record is not an error.
func (l *Ledger) RemoveFromCache(path string) error {
	key, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	conn, err := l.conn()
	if err != nil {
		return err
	}

	if _, err := conn.Exec("DELETE FROM synced_files WHERE local_path = ?", key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Get returns the record for path, or nil when there is none.
func (l *Ledger) Get(path string) (*SyncedFileRecord, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	rec, err := l.get(key)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.toRecord(), nil
}

func (l *Ledger) get(key string) (*dbRecord, error) {
	conn, err := l.conn()
	if err != nil {
		return nil, err
	}

	var rec dbRecord
	err = conn.Get(&rec, "SELECT "+recordColumns+" FROM synced_files WHERE local_path = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("query %s: %w", key, err)
	}
	return &rec, nil
}

// History returns records newest first. A limit <= 0 means no limit.
func (l *Ledger) History(limit, offset int) ([]*SyncedFileRecord, error) {
	conn, err := l.conn()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	var rows []dbRecord
	query := "SELECT " + recordColumns + " FROM synced_files ORDER BY synced_at DESC, local_path ASC LIMIT ? OFFSET ?"
	if err := conn.Select(&rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	records := make([]*SyncedFileRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// Count returns the number of records.
func (l *Ledger) Count() (int, error) {
	conn, err := l.conn()
	if err != nil {
		return 0, err
	}

	var count int
	if err := conn.Get(&count, "SELECT COUNT(*) FROM synced_files"); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// GetMetadata returns the value for key and whether it was set.
func (l *Ledger) GetMetadata(key string) (string, bool, error) {
	conn, err := l.conn()
	if err != nil {
		return "", false, err
	}

	var value string
	err = conn.Get(&value, "SELECT value FROM sync_metadata WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

func (l *Ledger) SetMetadata(key, value string) error {
	conn, err := l.conn()
	if err != nil {
		return err
	}

	_, err = conn.Exec(`INSERT INTO sync_metadata (key, value) VALUES (?, ?)
	                    ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// Clear drops every record and all metadata. This is the only way metadata is removed.
func (l *Ledger) Clear() error {
	conn, err := l.conn()
	if err != nil {
		return err
	}

	tx, err := conn.Beginx()
	if err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"synced_files", "sync_metadata"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	slog.Info("ledger cleared", "path", l.dbPath)
	return nil
}
