package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/asktech/internal/metrics"
	"github.com/harun/asktech/internal/tracing"
	"github.com/harun/asktech/pkg/chatlog"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultEmbedTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultFlushTimeout    = 30 * time.Second
	DefaultK               = 3

	tracerName = "asktech.memory"
)

// State is the lifecycle state of an IndexManager
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateSyncing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateSyncing:
		return "syncing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ManagerConfig holds index manager configuration
type ManagerConfig struct {
	Log         chatlog.Log
	Provider    EmbeddingProvider
	Checkpoints *CheckpointStore
	Backend     Backend
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics // Optional

	EmbedTimeout    time.Duration
	ShutdownTimeout time.Duration
	FlushTimeout    time.Duration
	DefaultK        int
}

// ManagerStatus represents the current state of the index manager
type ManagerStatus struct {
	State         string     `json:"state"`
	Backend       string     `json:"backend"`
	LastIndexedID int64      `json:"last_indexed_id"`
	Documents     int        `json:"documents"`
	Dimension     int        `json:"dimension"`
	Refreshing    bool       `json:"refreshing"`
	LastSyncTime  *time.Time `json:"last_sync_time,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// IndexManager keeps a VectorIndex in step with the chat log.
//
// Sync, Search and the final flush of Shutdown are serialized by one lock, so a
// search always observes every record that existed when it was issued.
type IndexManager struct {
	log         chatlog.Log
	provider    EmbeddingProvider
	checkpoints *CheckpointStore
	backend     Backend
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	embedTimeout    time.Duration
	shutdownTimeout time.Duration
	flushTimeout    time.Duration
	defaultK        int

	// lock is a one-slot semaphore so waiters can give up when their context ends
	lock chan struct{}

	// Guarded by lock
	index         VectorIndex
	lastIndexedID int64
	saveFailed    bool

	state        atomic.Int32
	shuttingDown atomic.Bool

	statusMu     sync.RWMutex
	statusDocs   int
	statusDim    int
	statusLastID int64
	lastSyncTime *time.Time
	lastErr      error

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	refreshing atomic.Bool
	nudgeCh    chan struct{}
}

// NewIndexManager creates an index manager. Call Initialize before use.
func NewIndexManager(cfg ManagerConfig) (*IndexManager, error) {
	if cfg.Log == nil {
		return nil, errors.New("message log is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if cfg.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendFlat
	}
	if cfg.Backend != BackendFlat && cfg.Backend != BackendSQLiteVec {
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Backend)
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultEmbedTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}

	m := &IndexManager{
		log:             cfg.Log,
		provider:        cfg.Provider,
		checkpoints:     cfg.Checkpoints,
		backend:         cfg.Backend,
		logger:          cfg.Logger.With().Str("component", "index-manager").Logger(),
		metrics:         cfg.Metrics,
		embedTimeout:    cfg.EmbedTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		flushTimeout:    cfg.FlushTimeout,
		defaultK:        cfg.DefaultK,
		lock:            make(chan struct{}, 1),
		nudgeCh:         make(chan struct{}, 1),
	}
	m.state.Store(int32(StateUninitialized))

	return m, nil
}

// State returns the current lifecycle state
func (m *IndexManager) State() State {
	return State(m.state.Load())
}

func (m *IndexManager) acquire(ctx context.Context) error {
	select {
	case m.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *IndexManager) release() {
	<-m.lock
}

// Initialize moves the manager to ready. Unless skipBootstrap is set it loads
// the checkpoint now, falling back to an empty index (persisted immediately)
// when the checkpoint is missing or corrupt. With skipBootstrap the first Sync
// performs the same bootstrap.
func (m *IndexManager) Initialize(ctx context.Context, skipBootstrap bool) error {
	if m.State() != StateUninitialized {
		return fmt.Errorf("index manager already initialized (state %s)", m.State())
	}

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	if !skipBootstrap {
		if err := m.bootstrapLocked(); err != nil {
			return err
		}
	} else {
		m.logger.Info().Msg("Deferring index bootstrap to first sync")
	}

	m.state.Store(int32(StateReady))
	m.logger.Info().
		Str("backend", string(m.backend)).
		Int64("lastIndexedId", m.lastIndexedID).
		Msg("Index manager initialized")
	return nil
}

// bootstrapLocked is the single path that gives the manager an index
func (m *IndexManager) bootstrapLocked() error {
	idx, lastID, err := m.checkpoints.LoadIndex(m.backend)
	switch {
	case err == nil:
		m.index = idx
		m.lastIndexedID = lastID
		m.publishLocked()
		m.logger.Info().
			Str("path", m.checkpoints.Path()).
			Int("documents", idx.Len()).
			Int64("lastIndexedId", lastID).
			Msg("Loaded index checkpoint")
		return nil
	case errors.Is(err, ErrCheckpointNotFound):
		m.logger.Info().Str("path", m.checkpoints.Path()).Msg("No index checkpoint found, creating empty index")
	case errors.Is(err, ErrCorruptIndex):
		m.logger.Warn().Err(err).Str("path", m.checkpoints.Path()).Msg("Index checkpoint corrupt, rebuilding from the start of the chat log")
	default:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	idx, err = NewIndex(m.backend)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	m.index = idx
	m.lastIndexedID = 0
	m.publishLocked()

	if err := m.saveLocked(); err != nil {
		// The in-memory index is usable; the next sync retries the save
		m.logger.Error().Err(err).Msg("Failed to persist empty checkpoint")
	}
	return nil
}

// Sync indexes every chat message newer than the watermark and returns how many
// documents were committed. The count is meaningful even when err is non-nil:
// on an embedding failure the contiguous prefix before it is still committed.
func (m *IndexManager) Sync(ctx context.Context) (int, error) {
	if m.State() == StateUninitialized {
		return 0, ErrNotInitialized
	}
	if err := m.acquire(ctx); err != nil {
		return 0, err
	}
	defer m.release()

	if m.State() == StateStopped {
		return 0, ErrStopped
	}
	return m.syncLocked(ctx)
}

func (m *IndexManager) syncLocked(ctx context.Context) (int, error) {
	ctx = tracing.NewSyncContext(ctx)
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.sync",
		attribute.Int64("last_indexed_id", m.lastIndexedID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	if m.state.CompareAndSwap(int32(StateReady), int32(StateSyncing)) {
		defer m.state.CompareAndSwap(int32(StateSyncing), int32(StateReady))
	}

	n, err := m.doSync(ctx, logger)

	m.metrics.RecordSync(time.Since(start), n, err)
	m.recordOutcome(err)
	span.SetAttributes(attribute.Int("indexed", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

func (m *IndexManager) doSync(ctx context.Context, logger zerolog.Logger) (int, error) {
	if m.index == nil {
		if err := m.bootstrapLocked(); err != nil {
			return 0, err
		}
	}

	records, err := m.log.ReadSince(ctx, m.lastIndexedID)
	if err != nil {
		logger.Warn().Err(err).Int64("lastIndexedId", m.lastIndexedID).Msg("Failed to read chat log")
		return 0, fmt.Errorf("%w: %v", ErrLogRead, err)
	}

	if len(records) == 0 {
		if m.saveFailed {
			if err := m.saveLocked(); err != nil {
				return 0, fmt.Errorf("failed to save checkpoint: %w", err)
			}
		}
		return 0, nil
	}

	docs := make([]Document, 0, len(records))
	var embedErr error
	for _, rec := range records {
		vec, err := m.embed(ctx, rec.Text)
		if err != nil {
			// Later records wait so the watermark never skips an unindexed id
			embedErr = fmt.Errorf("embedding record %d: %w", rec.ID, err)
			m.metrics.RecordEmbeddingFailure(failureReason(err))
			logger.Warn().
				Err(err).
				Int64("recordId", rec.ID).
				Int("pending", len(records)-len(docs)).
				Msg("Embedding failed, deferring remaining records")
			break
		}
		docs = append(docs, Document{
			SourceID:  rec.ID,
			Embedding: vec,
			Text:      rec.Text,
			Metadata: Metadata{
				Role:      string(rec.Role),
				CreatedAt: rec.CreatedAt,
			},
		})
	}

	if len(docs) == 0 {
		return 0, embedErr
	}

	if err := m.index.AddBatch(docs); err != nil {
		return 0, fmt.Errorf("failed to add documents: %w", err)
	}
	m.lastIndexedID = docs[len(docs)-1].SourceID
	m.publishLocked()

	if err := m.saveLocked(); err != nil {
		logger.Error().Err(err).Msg("Failed to save index checkpoint")
		return len(docs), fmt.Errorf("failed to save checkpoint: %w", err)
	}

	logger.Info().
		Int("indexed", len(docs)).
		Int64("lastIndexedId", m.lastIndexedID).
		Msg("Indexed new messages")

	return len(docs), embedErr
}

type embedResult struct {
	vec []float32
	err error
}

// embed calls the provider under the per-call timeout. The call runs on its own
// goroutine so a provider that ignores its context cannot hold the lock.
func (m *IndexManager) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, m.embedTimeout)
	defer cancel()

	ch := make(chan embedResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- embedResult{err: fmt.Errorf("%w: provider panic: %v", ErrProviderUnavailable, r)}
			}
		}()
		vec, err := m.provider.GenerateEmbedding(ctx, text)
		ch <- embedResult{vec: vec, err: err}
	}()

	var res embedResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		return nil, classifyProviderError(res.err)
	}
	if len(res.vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrProviderUnavailable)
	}
	if m.index != nil {
		if dim := m.index.Dimension(); dim > 0 && len(res.vec) != dim {
			return nil, fmt.Errorf("%w: provider returned %d, index has %d", ErrDimensionMismatch, len(res.vec), dim)
		}
	}
	return res.vec, nil
}

func (m *IndexManager) saveLocked() error {
	start := time.Now()

	data, err := m.index.Serialize()
	if err == nil {
		err = m.checkpoints.Save(Checkpoint{
			LastIndexedID: m.lastIndexedID,
			Index:         data,
		})
	}

	m.metrics.RecordCheckpointSave(time.Since(start), err)
	if err != nil {
		m.saveFailed = true
		return err
	}
	m.saveFailed = false
	return nil
}

// Search returns the k most similar past messages. It syncs first so results
// reflect every message logged before the call. Failures never reach the
// caller as hard errors: the result is an empty slice with an error wrapping
// ErrSearchDegraded, to be treated as "no context available".
func (m *IndexManager) Search(ctx context.Context, query string, k int) (results []SearchResult, err error) {
	start := time.Now()
	ctx = tracing.WithRequestID(ctx, tracing.NewTraceID())
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.search", attribute.Int("k", k))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Search panicked")
			results, err = []SearchResult{}, degrade(fmt.Errorf("internal error: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search degraded")
		}
		m.metrics.RecordSearch(time.Since(start), err != nil)
	}()

	if k <= 0 {
		k = m.defaultK
	}

	switch m.State() {
	case StateUninitialized:
		return []SearchResult{}, degrade(ErrNotInitialized)
	case StateStopped:
		return []SearchResult{}, degrade(ErrStopped)
	}

	if err := m.acquire(ctx); err != nil {
		return []SearchResult{}, degrade(err)
	}
	defer m.release()

	if m.State() == StateStopped {
		return []SearchResult{}, degrade(ErrStopped)
	}

	if _, err := m.syncLocked(ctx); err != nil {
		logger.Warn().Err(err).Msg("Sync before search failed, searching current index")
	}

	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if m.index == nil {
		return []SearchResult{}, degrade(ErrNotInitialized)
	}
	if m.index.Len() == 0 {
		return []SearchResult{}, nil
	}

	vec, err := m.embed(ctx, query)
	if err != nil {
		logger.Warn().Err(err).Msg("Query embedding failed, returning no context")
		return []SearchResult{}, degrade(err)
	}

	results, err = m.index.Search(vec, k)
	if err != nil {
		return []SearchResult{}, degrade(err)
	}

	logger.Debug().
		Int("results", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Search completed")

	return results, nil
}

// RelevantHistory returns prompt-ready lines for the messages most similar to
// query. A degraded search yields no lines.
func (m *IndexManager) RelevantHistory(ctx context.Context, query string, k int) []string {
	results, err := m.Search(ctx, query, k)
	if err != nil {
		m.logger.Debug().Err(err).Msg("No relevant history available")
	}
	return FormatHistory(results)
}

// Status returns a snapshot of the manager state
func (m *IndexManager) Status() ManagerStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	status := ManagerStatus{
		State:         m.State().String(),
		Backend:       string(m.backend),
		LastIndexedID: m.statusLastID,
		Documents:     m.statusDocs,
		Dimension:     m.statusDim,
		Refreshing:    m.refreshing.Load(),
	}
	if m.lastSyncTime != nil {
		t := *m.lastSyncTime
		status.LastSyncTime = &t
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}

// LastIndexedID returns the watermark
func (m *IndexManager) LastIndexedID() int64 {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.statusLastID
}

// publishLocked copies index state into the status snapshot
func (m *IndexManager) publishLocked() {
	docs, dim := 0, 0
	if m.index != nil {
		docs, dim = m.index.Len(), m.index.Dimension()
	}

	m.statusMu.Lock()
	m.statusDocs = docs
	m.statusDim = dim
	m.statusLastID = m.lastIndexedID
	m.statusMu.Unlock()

	m.metrics.SetIndexState(docs, m.lastIndexedID)
}

func (m *IndexManager) recordOutcome(err error) {
	now := time.Now()

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.lastSyncTime = &now
	m.lastErr = err
}

func degrade(err error) error {
	return fmt.Errorf("%w: %w", ErrSearchDegraded, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension"
	default:
		return "unavailable"
	}
}
