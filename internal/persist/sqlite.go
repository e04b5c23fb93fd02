package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/muxd/schema"
	"pkt.systems/pslog"
)

// SQLiteFile is the database file name inside the state directory.
const SQLiteFile = "state.db"

type migration struct {
	Version int
	UpSQL   string
}

var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	saved_at TEXT NOT NULL,
	compression TEXT NOT NULL CHECK(compression IN ('none','zstd')),
	digest TEXT NOT NULL,
	envelope BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_saved_at ON snapshots(saved_at DESC);
`,
	},
}

// SQLiteStore persists snapshots in a sqlite database. Saves and pruning
// happen in one transaction.
type SQLiteStore struct {
	db          *sql.DB
	keep        int
	compression string
	log         pslog.Logger
}

// OpenSQLite opens or creates state.db in opts.Dir and applies migrations.
func OpenSQLite(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	compression, err := NormalizeCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(opts.Dir, SQLiteFile)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	keep := opts.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("state_db", path)
	}
	return &SQLiteStore{db: db, keep: keep, compression: compression, log: logger}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// tsLayout is fixed width so saved_at sorts lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// Save inserts the snapshot and prunes older rows in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, state schema.RegistryState) (schema.SnapshotInfo, error) {
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now().UTC()
	}
	id := newSnapshotID()
	data, env, err := encodeSnapshot(id, state, s.compression)
	if err != nil {
		s.warn("state save failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.warn("state save failed", "err", err)
		return schema.SnapshotInfo{}, fmt.Errorf("begin save: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots(id, saved_at, compression, digest, envelope) VALUES (?, ?, ?, ?, ?)`,
		string(id), ts(state.SavedAt), env.Compression, env.Digest, data); err != nil {
		_ = tx.Rollback()
		s.warn("state save failed", "err", err)
		return schema.SnapshotInfo{}, fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY saved_at DESC LIMIT ?)`, s.keep); err != nil {
		_ = tx.Rollback()
		s.warn("state save failed", "err", err)
		return schema.SnapshotInfo{}, fmt.Errorf("prune snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.warn("state save failed", "err", err)
		return schema.SnapshotInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}
	if s.log != nil {
		s.log.Trace("state save ok", "snapshot", id, "sessions", len(state.Sessions), "bytes", len(data))
	}
	return env.info(int64(len(data))), nil
}

// Load reads a snapshot by id, or the newest when id is empty.
func (s *SQLiteStore) Load(ctx context.Context, id schema.SnapshotID) (schema.RegistryState, schema.SnapshotInfo, error) {
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRowContext(ctx, `SELECT envelope FROM snapshots ORDER BY saved_at DESC LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT envelope FROM snapshots WHERE id = ?`, string(id))
	}
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if s.log != nil {
				s.log.Debug("state load miss", "snapshot", id)
			}
			return schema.RegistryState{}, schema.SnapshotInfo{}, schema.ErrSnapshotNotFound
		}
		s.warn("state load failed", "snapshot", id, "err", err)
		return schema.RegistryState{}, schema.SnapshotInfo{}, fmt.Errorf("load snapshot: %w", err)
	}
	state, env, err := decodeSnapshot(data)
	if err != nil {
		s.warn("state load failed", "snapshot", id, "err", err)
		return schema.RegistryState{}, schema.SnapshotInfo{}, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "snapshot", env.ID, "sessions", len(state.Sessions))
	}
	return state, env.info(int64(len(data))), nil
}

// List returns stored snapshots, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]schema.SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, saved_at, compression, length(envelope) FROM snapshots ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []schema.SnapshotInfo
	for rows.Next() {
		var (
			info    schema.SnapshotInfo
			id      string
			savedAt string
		)
		if err := rows.Scan(&id, &savedAt, &info.Compression, &info.Size); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.ID = schema.SnapshotID(id)
		info.SavedAt, _ = time.Parse(tsLayout, savedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}
