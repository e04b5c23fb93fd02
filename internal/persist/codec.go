package persist

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"pkt.systems/muxd/schema"
)

const (
	// CompressionNone stores the registry JSON as-is.
	CompressionNone = "none"
	// CompressionZstd stores the registry JSON zstd-compressed.
	CompressionZstd = "zstd"

	envelopeVersion = 1
)

// ErrCorrupt indicates a snapshot failed its digest check or could not be decoded.
var ErrCorrupt = errors.New("snapshot corrupt")

// envelope is the on-disk and in-database snapshot container. Digest is the
// blake3 hash of the uncompressed payload.
type envelope struct {
	Version     int               `json:"version"`
	ID          schema.SnapshotID `json:"id"`
	SavedAt     time.Time         `json:"saved_at"`
	Compression string            `json:"compression"`
	Digest      string            `json:"digest"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Data        []byte            `json:"data,omitempty"`
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// NormalizeCompression maps a configured compression name to a known value.
func NormalizeCompression(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown snapshot compression %q", value)
	}
}

func digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies the registry content of state regardless of when
// it was taken.
func Fingerprint(state schema.RegistryState) (string, error) {
	state.SavedAt = time.Time{}
	payload, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return digest(payload), nil
}

func encodeSnapshot(id schema.SnapshotID, state schema.RegistryState, compression string) ([]byte, envelope, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, envelope{}, err
	}
	env := envelope{
		Version:     envelopeVersion,
		ID:          id,
		SavedAt:     state.SavedAt,
		Compression: compression,
		Digest:      digest(payload),
	}
	switch compression {
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, envelope{}, err
		}
		env.Data = enc.EncodeAll(payload, nil)
	default:
		env.Compression = CompressionNone
		env.Payload = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, envelope{}, err
	}
	return data, env, nil
}

func decodeSnapshot(data []byte) (schema.RegistryState, envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return schema.RegistryState{}, envelope{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return schema.RegistryState{}, env, fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupt, env.Version)
	}
	payload := []byte(env.Payload)
	if env.Compression == CompressionZstd {
		_, dec, err := zstdCodec()
		if err != nil {
			return schema.RegistryState{}, env, err
		}
		payload, err = dec.DecodeAll(env.Data, nil)
		if err != nil {
			return schema.RegistryState{}, env, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	}
	if digest(payload) != env.Digest {
		return schema.RegistryState{}, env, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, env.ID)
	}
	var state schema.RegistryState
	if err := json.Unmarshal(payload, &state); err != nil {
		return schema.RegistryState{}, env, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return state, env, nil
}

func (e envelope) info(size int64) schema.SnapshotInfo {
	return schema.SnapshotInfo{
		ID:          e.ID,
		SavedAt:     e.SavedAt,
		Compression: e.Compression,
		Size:        size,
	}
}
