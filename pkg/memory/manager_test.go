package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/asktech/internal/metrics"
	"github.com/harun/asktech/pkg/chatlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// everySchedule fires at a fixed sub-second interval, which cron.Every cannot express
type everySchedule time.Duration

func (s everySchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(s))
}

type mockLog struct {
	mock.Mock
}

func (m *mockLog) Append(ctx context.Context, role chatlog.Role, text string, createdAt time.Time) (int64, error) {
	args := m.Called(role, text)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLog) ReadSince(ctx context.Context, afterID int64) ([]chatlog.Record, error) {
	args := m.Called(afterID)
	records, _ := args.Get(0).([]chatlog.Record)
	return records, args.Error(1)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type testEnv struct {
	log      *chatlog.MemoryLog
	provider *conceptProvider
	store    *CheckpointStore
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		log:      chatlog.NewMemoryLog(),
		provider: newConceptProvider(),
		store:    newTestStore(t),
		metrics:  metrics.NewMetrics(),
	}
}

func (e *testEnv) config() ManagerConfig {
	return ManagerConfig{
		Log:          e.log,
		Provider:     e.provider,
		Checkpoints:  e.store,
		Logger:       zerolog.New(os.Stdout).Level(zerolog.Disabled),
		Metrics:      e.metrics,
		EmbedTimeout: time.Second,
	}
}

func (e *testEnv) manager(t *testing.T, skipBootstrap bool) *IndexManager {
	t.Helper()
	return e.managerWith(t, skipBootstrap, nil)
}

func (e *testEnv) managerWith(t *testing.T, skipBootstrap bool, tweak func(*ManagerConfig)) *IndexManager {
	t.Helper()
	cfg := e.config()
	if tweak != nil {
		tweak(&cfg)
	}
	m, err := NewIndexManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background(), skipBootstrap))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func (e *testEnv) append(t *testing.T, role chatlog.Role, texts ...string) {
	t.Helper()
	for _, text := range texts {
		_, err := e.log.Append(context.Background(), role, text, time.Time{})
		require.NoError(t, err)
	}
}

func TestNewIndexManager_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		tweak func(*ManagerConfig)
	}{
		{"no log", func(c *ManagerConfig) { c.Log = nil }},
		{"no provider", func(c *ManagerConfig) { c.Provider = nil }},
		{"no checkpoint store", func(c *ManagerConfig) { c.Checkpoints = nil }},
		{"unknown backend", func(c *ManagerConfig) { c.Backend = "annoy" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := env.config()
			tt.tweak(&cfg)
			_, err := NewIndexManager(cfg)
			assert.Error(t, err)
		})
	}
}

func TestIndexManager_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	m, err := NewIndexManager(env.config())
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, m.State())

	_, err = m.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)

	results, err := m.Search(context.Background(), "anything", 3)
	assert.ErrorIs(t, err, ErrSearchDegraded)
	assert.NotNil(t, results)
	assert.Empty(t, results)

	require.NoError(t, m.Initialize(context.Background(), false))
	assert.Equal(t, StateReady, m.State())
	assert.Error(t, m.Initialize(context.Background(), false), "second initialize should fail")

	// An empty checkpoint is persisted right away
	cp, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.LastIndexedID)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, m.State())
	assert.NoError(t, m.Shutdown(context.Background()))

	_, err = m.Sync(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	results, err = m.Search(context.Background(), "anything", 3)
	assert.ErrorIs(t, err, ErrSearchDegraded)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, results)
}

func TestIndexManager_SearchFindsRelevantHistory(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	env.append(t, chatlog.RoleUser,
		"I have been writing SQL against our postgres database for years",
		"Lately I script most things in Python with pandas",
		"This weekend I am going hiking on a mountain trail",
	)

	// No explicit sync: search must see everything appended before it
	results, err := m.Search(context.Background(), "what database skills do I have", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].SourceID)
	assert.Equal(t, "user", results[0].Metadata.Role)

	results, err = m.Search(context.Background(), "any python experience", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(2), results[0].SourceID)

	lines := m.RelevantHistory(context.Background(), "mountain plans", 1)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "user: This weekend I am going hiking")

	status := m.Status()
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, 3, status.Documents)
	assert.Equal(t, int64(3), status.LastIndexedID)
	assert.Equal(t, env.provider.Dimension(), status.Dimension)
	assert.NotNil(t, status.LastSyncTime)
	assert.Empty(t, status.LastError)

	assert.Equal(t, float64(3), testutil.ToFloat64(env.metrics.IndexDocuments))
	assert.Equal(t, float64(3), testutil.ToFloat64(env.metrics.Watermark))
}

func TestIndexManager_SkillsConversation(t *testing.T) {
	t.Run("database skills picks the SQL message", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, false)

		env.append(t, chatlog.RoleUser, "I know Python", "I know SQL", "I like hiking")

		results, err := m.Search(context.Background(), "database skills", 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, int64(2), results[0].SourceID)
		assert.Equal(t, "I know SQL", results[0].Text)
	})
}

func TestIndexManager_SearchEdgeCases(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	t.Run("empty index", func(t *testing.T) {
		results, err := m.Search(context.Background(), "database", 3)
		require.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	})

	t.Run("blank query", func(t *testing.T) {
		env.append(t, chatlog.RoleUser, "SQL query plans")
		results, err := m.Search(context.Background(), "   ", 3)
		require.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results)
		assert.Equal(t, int64(1), m.LastIndexedID(), "blank queries still sync pending messages")
	})

	t.Run("default k", func(t *testing.T) {
		env.append(t, chatlog.RoleAssistant, "postgres index", "database tuning", "sql joins")
		results, err := m.Search(context.Background(), "database", 0)
		require.NoError(t, err)
		assert.Len(t, results, DefaultK)
	})

	t.Run("k larger than index", func(t *testing.T) {
		results, err := m.Search(context.Background(), "database", 50)
		require.NoError(t, err)
		assert.Len(t, results, 4)
	})
}

func TestIndexManager_SyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	env.append(t, chatlog.RoleUser, "sql", "python")

	n, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	calls := env.provider.callCount()

	n, err = m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, calls, env.provider.callCount(), "no re-embedding on an idle sync")
	assert.Equal(t, 2, m.Status().Documents)
}

func TestIndexManager_EmbeddingGapStopsWatermark(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	env.append(t, chatlog.RoleUser, "message 1", "message 2", "message 3", "message 4", "message 5")
	env.provider.failFor("message 3", errors.New("rate limited"))

	n, err := m.Sync(context.Background())
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int64(2), m.LastIndexedID())
	assert.Equal(t, 2, m.Status().Documents)
	assert.NotEmpty(t, m.Status().LastError)

	// The committed prefix is on disk
	cp, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.LastIndexedID)

	env.provider.clearFailures()

	n, err = m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(5), m.LastIndexedID())
	assert.Equal(t, 5, m.Status().Documents, "every record indexed exactly once")

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.EmbeddingFailures.WithLabelValues("unavailable")))
}

func TestIndexManager_EmbeddingTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.provider.delay = time.Second
	m := env.managerWith(t, false, func(c *ManagerConfig) {
		c.EmbedTimeout = 20 * time.Millisecond
		c.FlushTimeout = 100 * time.Millisecond
	})

	env.append(t, chatlog.RoleUser, "sql")

	start := time.Now()
	n, err := m.Sync(context.Background())
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int64(0), m.LastIndexedID())
}

func TestIndexManager_RestartResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	env.append(t, chatlog.RoleUser, "sql", "python", "hiking")
	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))

	before := env.provider.callCount()

	restarted := env.manager(t, false)
	assert.Equal(t, int64(3), restarted.LastIndexedID())
	assert.Equal(t, 3, restarted.Status().Documents)

	n, err := restarted.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, env.provider.callCount(), "restart must not re-embed indexed records")

	env.append(t, chatlog.RoleUser, "postgres")
	n, err = restarted.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(4), restarted.LastIndexedID())
}

func TestIndexManager_CorruptCheckpointRebuilds(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, chatlog.RoleUser, "sql", "python")
	require.NoError(t, os.WriteFile(env.store.Path(), []byte("garbage"), 0644))

	m := env.manager(t, false)
	assert.Equal(t, int64(0), m.LastIndexedID())

	n, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cp, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.LastIndexedID)
}

func TestIndexManager_SkipBootstrapWithProviderDown(t *testing.T) {
	env := newTestEnv(t)
	env.provider.down.Store(true)
	env.append(t, chatlog.RoleUser, "I know SQL databases")

	m := env.manager(t, true)

	_, err := os.Stat(env.store.Path())
	assert.True(t, os.IsNotExist(err), "skip bootstrap defers checkpoint creation")

	results, err := m.Search(context.Background(), "database", 3)
	assert.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, int64(0), m.LastIndexedID())

	env.provider.down.Store(false)

	results, err = m.Search(context.Background(), "database", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].SourceID)
}

func TestIndexManager_SearchDegradesWhenProviderFails(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	env.append(t, chatlog.RoleUser, "sql")
	_, err := m.Sync(context.Background())
	require.NoError(t, err)

	env.provider.down.Store(true)

	results, err := m.Search(context.Background(), "database", 3)
	assert.ErrorIs(t, err, ErrSearchDegraded)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.NotNil(t, results)
	assert.Empty(t, results)

	assert.Empty(t, m.RelevantHistory(context.Background(), "database", 3))
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.SearchesTotal.WithLabelValues("degraded")))
}

func TestIndexManager_LogReadFailure(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	env.append(t, chatlog.RoleUser, "sql database")
	_, err := m.Sync(context.Background())
	require.NoError(t, err)

	env.log.SetReadError(errors.New("database is locked"))

	n, err := m.Sync(context.Background())
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrLogRead)
	assert.Equal(t, StateReady, m.State())

	// Search still answers from what is already indexed
	results, err := m.Search(context.Background(), "database", 3)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	env.log.SetReadError(nil)
	env.append(t, chatlog.RoleUser, "python")
	n, err = m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIndexManager_SearchRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t)
	log := &mockLog{}
	log.On("ReadSince", int64(0)).Run(func(mock.Arguments) {
		panic("driver exploded")
	})

	m := env.managerWith(t, false, func(c *ManagerConfig) { c.Log = log })

	var results []SearchResult
	var err error
	assert.NotPanics(t, func() {
		results, err = m.Search(context.Background(), "database", 3)
	})
	assert.ErrorIs(t, err, ErrSearchDegraded)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, StateReady, m.State())

	// The lock was released
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	log.ExpectedCalls = nil
	log.On("ReadSince", int64(0)).Return([]chatlog.Record(nil), nil)
	_, err = m.Sync(ctx)
	assert.NoError(t, err)
}

func TestIndexManager_SaveFailureRetriedOnIdleSync(t *testing.T) {
	env := newTestEnv(t)
	dir := filepath.Join(t.TempDir(), "ckpt")
	store, err := NewCheckpointStore(CheckpointConfig{
		Path:       filepath.Join(dir, "index.ckpt"),
		MaxRetries: 1,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	env.store = store

	m := env.manager(t, false)

	// Replace the checkpoint directory with a file so saves fail
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0644))

	env.append(t, chatlog.RoleUser, "sql")
	n, err := m.Sync(context.Background())
	assert.Equal(t, 1, n)
	assert.Error(t, err)
	assert.Equal(t, int64(1), m.LastIndexedID())

	require.NoError(t, os.Remove(dir))

	n, err = m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	cp, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.LastIndexedID)
}

func TestIndexManager_ConcurrentAppendAndSearch(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, false)

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := env.log.Append(context.Background(), chatlog.RoleUser, fmt.Sprintf("sql note %d-%d", w, i), time.Time{})
				assert.NoError(t, err)
				_, err = m.Search(context.Background(), "database", 2)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, m.Status().Documents)
	assert.Equal(t, int64(writers*perWriter), m.LastIndexedID())
}

func TestIndexManager_BackgroundRefresh(t *testing.T) {
	t.Run("schedule drives sync", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, false)

		require.NoError(t, m.StartBackgroundRefresh(everySchedule(10*time.Millisecond)))
		assert.Error(t, m.StartBackgroundRefresh(everySchedule(10*time.Millisecond)), "only one loop may run")
		assert.True(t, m.Status().Refreshing)

		env.append(t, chatlog.RoleUser, "sql", "python")
		assert.Eventually(t, func() bool { return m.LastIndexedID() == 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("nudge triggers early cycle", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, false)

		require.NoError(t, m.StartBackgroundRefresh(everySchedule(time.Hour)))

		env.append(t, chatlog.RoleUser, "hiking")
		m.Nudge()
		m.Nudge()
		assert.Eventually(t, func() bool { return m.LastIndexedID() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("failures do not stop the loop", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, false)
		env.provider.down.Store(true)

		require.NoError(t, m.StartBackgroundRefresh(everySchedule(10*time.Millisecond)))
		env.append(t, chatlog.RoleUser, "sql")
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int64(0), m.LastIndexedID())

		env.provider.down.Store(false)
		assert.Eventually(t, func() bool { return m.LastIndexedID() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("cycles carry the loop trace id", func(t *testing.T) {
		env := newTestEnv(t)
		out := &lockedBuffer{}
		m := env.managerWith(t, false, func(c *ManagerConfig) {
			c.Logger = zerolog.New(out).Level(zerolog.DebugLevel)
		})

		require.NoError(t, m.StartBackgroundRefresh(everySchedule(time.Hour)))
		env.append(t, chatlog.RoleUser, "sql")
		m.Nudge()
		assert.Eventually(t, func() bool { return m.LastIndexedID() == 1 }, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, m.Shutdown(context.Background()))

		traceIDs := make(map[string]string)
		scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
		for scanner.Scan() {
			var entry struct {
				Message string `json:"message"`
				TraceID string `json:"trace_id"`
			}
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
			traceIDs[entry.Message] = entry.TraceID
		}

		started := traceIDs["Background refresh started"]
		assert.NotEmpty(t, started)
		assert.Equal(t, started, traceIDs["Background refresh cycle completed"])
	})

	t.Run("requires initialization", func(t *testing.T) {
		env := newTestEnv(t)
		m, err := NewIndexManager(env.config())
		require.NoError(t, err)
		assert.ErrorIs(t, m.StartBackgroundRefresh(everySchedule(time.Second)), ErrNotInitialized)
		assert.Error(t, m.StartBackgroundRefresh(nil))
	})
}

func TestIndexManager_ShutdownFlushes(t *testing.T) {
	t.Run("slow provider with running loop", func(t *testing.T) {
		env := newTestEnv(t)
		env.provider.delay = 20 * time.Millisecond
		m := env.manager(t, false)

		env.append(t, chatlog.RoleUser, "one", "two", "three", "four", "five")
		require.NoError(t, m.StartBackgroundRefresh(everySchedule(5*time.Millisecond)))
		time.Sleep(10 * time.Millisecond)

		require.NoError(t, m.Shutdown(context.Background()))
		assert.Equal(t, StateStopped, m.State())
		assert.False(t, m.Status().Refreshing)

		cp, err := env.store.Load()
		require.NoError(t, err)
		assert.Equal(t, int64(5), cp.LastIndexedID)

		_, err = m.Sync(context.Background())
		assert.ErrorIs(t, err, ErrStopped)
		assert.ErrorIs(t, m.StartBackgroundRefresh(everySchedule(time.Second)), ErrStopped)
	})

	t.Run("records appended without sync", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, true)

		env.append(t, chatlog.RoleAssistant, "sql", "python")
		require.NoError(t, m.Shutdown(context.Background()))

		idx, lastID, err := env.store.LoadIndex(BackendFlat)
		require.NoError(t, err)
		assert.Equal(t, int64(2), lastID)
		assert.Equal(t, 2, idx.Len())
	})

	t.Run("before initialize", func(t *testing.T) {
		env := newTestEnv(t)
		m, err := NewIndexManager(env.config())
		require.NoError(t, err)

		require.NoError(t, m.Shutdown(context.Background()))
		assert.Equal(t, StateStopped, m.State())
	})
}

func TestIndexManager_SQLiteVecBackend(t *testing.T) {
	env := newTestEnv(t)
	m := env.managerWith(t, false, func(c *ManagerConfig) { c.Backend = BackendSQLiteVec })

	env.append(t, chatlog.RoleUser, "postgres database tuning", "python scripts", "mountain trail")

	results, err := m.Search(context.Background(), "sql database", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].SourceID)
	require.NoError(t, m.Shutdown(context.Background()))

	restarted := env.managerWith(t, false, func(c *ManagerConfig) { c.Backend = BackendSQLiteVec })
	assert.Equal(t, 3, restarted.Status().Documents)
	assert.Equal(t, "sqlite-vec", restarted.Status().Backend)
}
