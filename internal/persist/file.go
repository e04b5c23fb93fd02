package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/muxd/schema"
	"pkt.systems/pslog"
)

const (
	filePrefix = "snapshot-"
	fileSuffix = ".json"
)

// FileStore persists snapshots as files named snapshot-<unixnano>-<id>.json.
type FileStore struct {
	dir         string
	keep        int
	compression string
	log         pslog.Logger
}

// NewFileStore constructs a file-backed store in opts.Dir.
func NewFileStore(opts Options) (*FileStore, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("state_dir", opts.Dir)
	}
	keep := opts.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	compression, err := NormalizeCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: opts.Dir, keep: keep, compression: compression, log: logger}, nil
}

// Save writes the snapshot atomically: a crash mid-save leaves the previous
// snapshots untouched.
func (s *FileStore) Save(ctx context.Context, state schema.RegistryState) (schema.SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return schema.SnapshotInfo{}, err
	}
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now().UTC()
	}
	id := newSnapshotID()
	data, env, err := encodeSnapshot(id, state, s.compression)
	if err != nil {
		s.warn("state save failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s%d-%s%s", filePrefix, state.SavedAt.UnixNano(), id, fileSuffix))
	if err := writeFileAtomic(path, data); err != nil {
		s.warn("state save failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "snapshot", id, "sessions", len(state.Sessions), "bytes", len(data))
	}
	s.prune()
	return env.info(int64(len(data))), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a snapshot by id, or the newest when id is empty. Corrupt
// files are skipped when looking for the newest snapshot.
func (s *FileStore) Load(ctx context.Context, id schema.SnapshotID) (schema.RegistryState, schema.SnapshotInfo, error) {
	entries, err := s.entries()
	if err != nil {
		s.warn("state load failed", "err", err)
		return schema.RegistryState{}, schema.SnapshotInfo{}, err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return schema.RegistryState{}, schema.SnapshotInfo{}, err
		}
		if id != "" && entry.id != id {
			continue
		}
		data, err := os.ReadFile(entry.path)
		if err != nil {
			s.warn("state load failed", "snapshot", entry.id, "err", err)
			if id != "" {
				return schema.RegistryState{}, schema.SnapshotInfo{}, err
			}
			continue
		}
		state, env, err := decodeSnapshot(data)
		if err != nil {
			s.warn("state load failed", "snapshot", entry.id, "err", err)
			if id != "" {
				return schema.RegistryState{}, schema.SnapshotInfo{}, err
			}
			continue
		}
		if s.log != nil {
			s.log.Debug("state load ok", "snapshot", env.ID, "sessions", len(state.Sessions))
		}
		return state, env.info(int64(len(data))), nil
	}
	if s.log != nil {
		s.log.Debug("state load miss", "snapshot", id)
	}
	return schema.RegistryState{}, schema.SnapshotInfo{}, schema.ErrSnapshotNotFound
}

// List returns stored snapshots, newest first, without verifying payloads.
func (s *FileStore) List(ctx context.Context) ([]schema.SnapshotInfo, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}
	out := make([]schema.SnapshotInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, schema.SnapshotInfo{
			ID:          entry.id,
			SavedAt:     entry.savedAt,
			Compression: entry.compression(),
			Size:        entry.size,
		})
	}
	return out, ctx.Err()
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

type fileEntry struct {
	path    string
	id      schema.SnapshotID
	savedAt time.Time
	size    int64
}

func (e fileEntry) compression() string {
	if e.size == 0 {
		return ""
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return ""
	}
	var header struct {
		Compression string `json:"compression"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return ""
	}
	return header.Compression
}

// entries lists snapshot files, newest first.
func (s *FileStore) entries() ([]fileEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []fileEntry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		core := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		stamp, id, ok := strings.Cut(core, "-")
		if !ok || id == "" {
			continue
		}
		nanos, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			continue
		}
		entry := fileEntry{
			path:    filepath.Join(s.dir, name),
			id:      schema.SnapshotID(id),
			savedAt: time.Unix(0, nanos).UTC(),
		}
		if info, err := de.Info(); err == nil {
			entry.size = info.Size()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].savedAt.After(out[j].savedAt)
	})
	return out, nil
}

func (s *FileStore) prune() {
	entries, err := s.entries()
	if err != nil {
		s.warn("state prune failed", "err", err)
		return
	}
	for i := s.keep; i < len(entries); i++ {
		if err := os.Remove(entries[i].path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.warn("state prune failed", "snapshot", entries[i].id, "err", err)
			continue
		}
		if s.log != nil {
			s.log.Trace("state snapshot pruned", "snapshot", entries[i].id)
		}
	}
}

func (s *FileStore) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}
