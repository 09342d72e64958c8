package memory

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := NewCheckpointStore(CheckpointConfig{
		Path:       filepath.Join(t.TempDir(), "index.ckpt"),
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Logger:     zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	return store
}

func serializedIndex(t *testing.T, docs ...Document) []byte {
	t.Helper()
	idx := NewFlatIndex()
	if len(docs) > 0 {
		require.NoError(t, idx.AddBatch(docs))
	}
	data, err := idx.Serialize()
	require.NoError(t, err)
	return data
}

func TestSnapshot_Corruption(t *testing.T) {
	data := serializedIndex(t, doc(1, "hello", 1, 2), doc(2, "world", 3, 4))

	dim, count, err := SnapshotInfo(data)
	require.NoError(t, err)
	assert.Equal(t, 2, dim)
	assert.Equal(t, 2, count)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"truncated", func(b []byte) []byte { return b[:len(b)/2] }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"flipped payload byte", func(b []byte) []byte { b[snapshotHeader+3] ^= 0xff; return b }},
		{"trailing garbage", func(b []byte) []byte { return append(b, 0, 0, 0, 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), data...))
			_, err := DeserializeIndex(BackendFlat, mutated)
			assert.ErrorIs(t, err, ErrCorruptIndex)
		})
	}
}

func TestSnapshot_EmptyIndexKeepsDimension(t *testing.T) {
	data, err := encodeSnapshot(8, nil)
	require.NoError(t, err)

	idx, err := DeserializeIndex(BackendFlat, data)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 8, idx.Dimension())
}

func TestCheckpointStore_SaveLoad(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	data := serializedIndex(t, doc(1, "a", 1, 0), doc(2, "b", 0, 1))
	require.NoError(t, store.Save(Checkpoint{LastIndexedID: 2, Index: data}))

	cp, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.LastIndexedID)
	assert.Equal(t, data, cp.Index)
	assert.False(t, cp.SavedAt.IsZero())

	leftovers, err := filepath.Glob(store.Path() + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp file should not survive a save")

	idx, lastID, err := store.LoadIndex(BackendFlat)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lastID)
	assert.Equal(t, 2, idx.Len())
}

func TestCheckpointStore_Overwrite(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Checkpoint{LastIndexedID: 1, Index: serializedIndex(t, doc(1, "a", 1, 0))}))
	require.NoError(t, store.Save(Checkpoint{LastIndexedID: 3, Index: serializedIndex(t, doc(1, "a", 1, 0), doc(3, "c", 0, 1))}))

	idx, lastID, err := store.LoadIndex(BackendFlat)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastID)
	assert.Equal(t, 2, idx.Len())
}

func TestCheckpointStore_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.ckpt")
	newStore := func() *CheckpointStore {
		store, err := NewCheckpointStore(CheckpointConfig{
			Path:       path,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
			Logger:     zerolog.New(os.Stdout).Level(zerolog.Disabled),
		})
		require.NoError(t, err)
		return store
	}

	docs := make([]Document, 0, 1000)
	for i := 1; i <= 1000; i++ {
		vec := make([]float32, 256)
		vec[i%256] = 1
		docs = append(docs, doc(int64(i), "message", vec...))
	}
	data := serializedIndex(t, docs...)

	stores := []*CheckpointStore{newStore(), newStore()}
	require.NoError(t, stores[0].Save(Checkpoint{LastIndexedID: 1000, Index: data}))

	const rounds = 20
	errs := make(chan error, len(stores)*rounds*2)
	var wg sync.WaitGroup
	for _, store := range stores {
		wg.Add(1)
		go func(store *CheckpointStore) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := store.Save(Checkpoint{LastIndexedID: 1000, Index: data}); err != nil {
					errs <- err
				}
				if _, err := store.Load(); err != nil {
					errs <- err
				}
			}
		}(store)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	idx, lastID, err := stores[1].LoadIndex(BackendFlat)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), lastID)
	assert.Equal(t, 1000, idx.Len())

	leftovers, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCheckpointStore_Corrupt(t *testing.T) {
	t.Run("garbage file", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, os.WriteFile(store.Path(), []byte("not a checkpoint at all, just text"), 0644))

		_, err := store.Load()
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("truncated file", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(Checkpoint{LastIndexedID: 1, Index: serializedIndex(t, doc(1, "a", 1, 0))}))

		raw, err := os.ReadFile(store.Path())
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(store.Path(), raw[:len(raw)-7], 0644))

		_, _, err = store.LoadIndex(BackendFlat)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("index ahead of watermark", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(Checkpoint{LastIndexedID: 1, Index: serializedIndex(t, doc(1, "a", 1, 0), doc(2, "b", 0, 1))}))

		_, _, err := store.LoadIndex(BackendFlat)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("watermark ahead of index is fine", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(Checkpoint{LastIndexedID: 9, Index: serializedIndex(t, doc(1, "a", 1, 0))}))

		_, lastID, err := store.LoadIndex(BackendFlat)
		require.NoError(t, err)
		assert.Equal(t, int64(9), lastID)
	})
}

func TestCheckpointStore_SaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	store, err := NewCheckpointStore(CheckpointConfig{
		Path:       filepath.Join(blocker, "index.ckpt"),
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Logger:     zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)

	err = store.Save(Checkpoint{Index: serializedIndex(t)})
	assert.Error(t, err)
}

func TestCheckpointStore_Remove(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Remove())

	require.NoError(t, store.Save(Checkpoint{Index: serializedIndex(t)}))
	require.NoError(t, store.Remove())

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestNewCheckpointStore_RequiresPath(t *testing.T) {
	_, err := NewCheckpointStore(CheckpointConfig{})
	assert.Error(t, err)
}
