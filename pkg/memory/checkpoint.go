package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Checkpoint layout (little endian):
//
//	magic "ATCK" | version u16 | reserved u16 | last_indexed_id i64 | saved_at i64
//	index_len u64 | index snapshot | crc32(IEEE) u32 over everything before it
const (
	checkpointMagic   = "ATCK"
	checkpointVersion = uint16(1)
	checkpointHeader  = 4 + 2 + 2 + 8 + 8 + 8
)

// Checkpoint pairs a serialized index with the watermark it reflects
type Checkpoint struct {
	LastIndexedID int64
	Index         []byte
	SavedAt       time.Time
}

// CheckpointConfig holds configuration for CheckpointStore
type CheckpointConfig struct {
	Path       string
	MaxRetries int
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

// DefaultCheckpointConfig returns default checkpoint configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Path:       "./data/index.ckpt",
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Logger:     zerolog.Nop(),
	}
}

// CheckpointStore persists checkpoints as a single file replaced atomically
type CheckpointStore struct {
	path   string
	config CheckpointConfig
	logger zerolog.Logger
}

// NewCheckpointStore creates a checkpoint store
func NewCheckpointStore(config CheckpointConfig) (*CheckpointStore, error) {
	if config.Path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}

	return &CheckpointStore{
		path:   config.Path,
		config: config,
		logger: config.Logger.With().Str("component", "checkpoint").Logger(),
	}, nil
}

// Path returns the checkpoint file path
func (s *CheckpointStore) Path() string {
	return s.path
}

// Save writes the checkpoint, retrying transient failures
func (s *CheckpointStore) Save(cp Checkpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now()
	}
	data := encodeCheckpoint(cp)

	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn().
				Int("attempt", attempt+1).
				Int("maxRetries", s.config.MaxRetries).
				Err(lastErr).
				Msg("Retrying checkpoint save")
			time.Sleep(s.config.RetryDelay)
		}

		if err := s.writeAtomic(data); err != nil {
			lastErr = err
			continue
		}

		s.logger.Debug().
			Str("path", s.path).
			Int64("lastIndexedId", cp.LastIndexedID).
			Int("bytes", len(data)).
			Msg("Checkpoint saved")
		return nil
	}

	return fmt.Errorf("failed to save checkpoint after %d attempts: %w", s.config.MaxRetries, lastErr)
}

// writeAtomic performs atomic write using a uniquely named temp file + rename,
// so concurrent writers never share a temp file.
func (s *CheckpointStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempFile := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to set temp file mode: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// Persist the rename itself; not every filesystem supports syncing a directory
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Load reads and verifies the checkpoint file
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// LoadIndex loads the checkpoint and rebuilds its index. A watermark lower
// than the highest indexed id means the pair is inconsistent and is rejected.
func (s *CheckpointStore) LoadIndex(backend Backend) (VectorIndex, int64, error) {
	cp, err := s.Load()
	if err != nil {
		return nil, 0, err
	}

	idx, err := DeserializeIndex(backend, cp.Index)
	if err != nil {
		return nil, 0, err
	}

	if idx.MaxSourceID() > cp.LastIndexedID {
		maxID := idx.MaxSourceID()
		idx.Close()
		return nil, 0, corruptf("index holds id %d beyond watermark %d", maxID, cp.LastIndexedID)
	}

	return idx, cp.LastIndexedID, nil
}

// Remove deletes the checkpoint file if it exists
func (s *CheckpointStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SnapshotInfo reads the dimension and document count from a snapshot header
func SnapshotInfo(data []byte) (dim int, count int, err error) {
	if len(data) < snapshotHeader+crcSize || string(data[:4]) != snapshotMagic {
		return 0, 0, corruptf("not an index snapshot")
	}
	le := binary.LittleEndian
	return int(le.Uint32(data[8:12])), int(le.Uint32(data[12:16])), nil
}

func encodeCheckpoint(cp Checkpoint) []byte {
	var buf bytes.Buffer
	buf.Grow(checkpointHeader + len(cp.Index) + crcSize)

	le := binary.LittleEndian
	var scratch [8]byte

	buf.WriteString(checkpointMagic)
	le.PutUint16(scratch[:2], checkpointVersion)
	buf.Write(scratch[:2])
	le.PutUint16(scratch[:2], 0)
	buf.Write(scratch[:2])
	le.PutUint64(scratch[:8], uint64(cp.LastIndexedID))
	buf.Write(scratch[:8])
	le.PutUint64(scratch[:8], uint64(cp.SavedAt.UnixNano()))
	buf.Write(scratch[:8])
	le.PutUint64(scratch[:8], uint64(len(cp.Index)))
	buf.Write(scratch[:8])
	buf.Write(cp.Index)

	le.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(scratch[:4])

	return buf.Bytes()
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) < checkpointHeader+crcSize {
		return nil, corruptf("checkpoint too short (%d bytes)", len(data))
	}
	if string(data[:4]) != checkpointMagic {
		return nil, corruptf("bad checkpoint magic")
	}

	body := data[:len(data)-crcSize]
	want := binary.LittleEndian.Uint32(data[len(data)-crcSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, corruptf("checkpoint checksum mismatch")
	}

	r := &byteReader{buf: body, off: 4}
	version, _ := r.u16()
	if version != checkpointVersion {
		return nil, corruptf("unsupported checkpoint version %d", version)
	}
	r.u16()
	lastID, _ := r.u64()
	savedAt, _ := r.u64()
	indexLen, _ := r.u64()

	if indexLen != uint64(r.remaining()) {
		return nil, corruptf("index length %d does not match payload %d", indexLen, r.remaining())
	}
	if int64(lastID) < 0 {
		return nil, corruptf("negative watermark")
	}

	index := make([]byte, indexLen)
	copy(index, body[r.off:])

	return &Checkpoint{
		LastIndexedID: int64(lastID),
		Index:         index,
		SavedAt:       time.Unix(0, int64(savedAt)),
	}, nil
}
