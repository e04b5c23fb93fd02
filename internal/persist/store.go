package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/muxd/schema"
	"pkt.systems/pslog"
)

const (
	// BackendFile stores one JSON file per snapshot in the state directory.
	BackendFile = "file"
	// BackendSQLite stores snapshots in state.db.
	BackendSQLite = "sqlite"

	// DefaultKeep is how many snapshots are retained when Options.Keep is unset.
	DefaultKeep = 10
)

// Store persists registry snapshots.
type Store interface {
	// Save writes a new snapshot and prunes old ones past the retention count.
	Save(ctx context.Context, state schema.RegistryState) (schema.SnapshotInfo, error)
	// Load reads a snapshot by id; an empty id loads the newest one.
	// It returns schema.ErrSnapshotNotFound when nothing matches.
	Load(ctx context.Context, id schema.SnapshotID) (schema.RegistryState, schema.SnapshotInfo, error)
	// List returns stored snapshots, newest first.
	List(ctx context.Context) ([]schema.SnapshotInfo, error)
	Close() error
}

// Options selects and tunes a backend.
type Options struct {
	Backend     string
	Dir         string
	Keep        int
	Compression string
	Logger      pslog.Logger
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	compression, err := NormalizeCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	opts.Compression = compression
	if opts.Keep <= 0 {
		opts.Keep = DefaultKeep
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return NewFileStore(opts)
	case BackendSQLite:
		return OpenSQLite(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown persist backend %q", opts.Backend)
	}
}

func newSnapshotID() schema.SnapshotID {
	return schema.SnapshotID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
