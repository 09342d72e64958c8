package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/asktech/internal/config"
	"github.com/harun/asktech/internal/logger"
	"github.com/harun/asktech/internal/metrics"
	"github.com/harun/asktech/internal/tracing"
	"github.com/harun/asktech/pkg/chatlog"
	"github.com/harun/asktech/pkg/memory"
)

// Daemon keeps the chat history index fresh for as long as it runs
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	chatLog  *chatlog.SQLiteLog
	provider memory.EmbeddingProvider
	store    *memory.CheckpointStore
	index    *memory.IndexManager
	metrics  *metrics.Metrics

	watcher       *memory.LogWatcher
	metricsServer *http.Server
	metricsAddr   string
	lifecycle     *LifecycleManager

	startTime   time.Time
	running     bool
	initialized bool
	closed      bool
	mu          sync.RWMutex
	initMu      sync.Mutex

	tracingEnabled bool
}

// Status represents the daemon status
type Status struct {
	Running   bool                 `json:"running"`
	Uptime    time.Duration        `json:"uptime"`
	StartTime time.Time            `json:"start_time"`
	Index     memory.ManagerStatus `json:"index"`
}

// New opens the chat log and builds the index manager. Nothing runs until
// Start or InitializeIndex is called.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		config:  cfg,
		logger:  log,
		metrics: metrics.NewMetrics(),
	}

	if err := tracing.InitOpenTelemetry("asktech"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeModules(); err != nil {
		d.closeModules()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeModules() error {
	zl := d.logger.Zerolog()

	chatLog, err := chatlog.OpenSQLite(d.config.Database.Path, zl)
	if err != nil {
		return fmt.Errorf("failed to open chat log: %w", err)
	}
	d.chatLog = chatLog

	provider, err := NewProvider(d.config.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	d.provider = provider

	store, err := memory.NewCheckpointStore(memory.CheckpointConfig{
		Path:       d.config.Index.CheckpointPath,
		MaxRetries: d.config.Index.MaxRetries,
		RetryDelay: d.config.Index.RetryDelay,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	d.store = store

	index, err := memory.NewIndexManager(memory.ManagerConfig{
		Log:             chatLog,
		Provider:        provider,
		Checkpoints:     store,
		Backend:         memory.Backend(d.config.Index.Backend),
		Logger:          zl,
		Metrics:         d.metrics,
		EmbedTimeout:    d.config.Embedding.Timeout,
		ShutdownTimeout: d.config.Index.ShutdownTimeout,
		FlushTimeout:    d.config.Index.FlushTimeout,
		DefaultK:        d.config.Index.DefaultK,
	})
	if err != nil {
		return fmt.Errorf("failed to create index manager: %w", err)
	}
	d.index = index

	d.logger.Info().
		Str("database", chatLog.Path()).
		Str("checkpoint", store.Path()).
		Str("provider", d.config.Embedding.Provider).
		Str("backend", d.config.Index.Backend).
		Msg("Index modules initialized")

	return nil
}

// InitializeIndex readies the index manager without starting background work.
// One-shot commands use it directly; Start calls it first.
func (d *Daemon) InitializeIndex(ctx context.Context) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initialized {
		return nil
	}
	if err := d.index.Initialize(ctx, d.config.Index.SkipBootstrap); err != nil {
		return fmt.Errorf("failed to initialize index: %w", err)
	}
	d.initialized = true
	return nil
}

// Start initializes the index and starts the refresh loop, the chat log
// watcher and the metrics endpoint.
func (d *Daemon) Start() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return fmt.Errorf("daemon is already running")
	}

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	log := tracing.LoggerFromContext(ctx, d.logger.Zerolog())
	log.Info().Msg("Starting asktech daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.InitializeIndex(ctx); err != nil {
		d.lifecycle.Stop()
		return err
	}

	// With a deferred bootstrap the first embedding happens on the refresh
	// loop, so an unreachable provider never holds up startup.
	if !d.config.Index.SkipBootstrap {
		if n, err := d.index.Sync(ctx); err != nil {
			log.Warn().Err(err).Int("indexed", n).Msg("Initial sync incomplete, background refresh will retry")
		}
	}

	schedule, err := memory.ParseSchedule(d.config.Index.RefreshSchedule, d.config.Index.RefreshInterval)
	if err != nil {
		d.lifecycle.Stop()
		return err
	}
	if err := d.index.StartBackgroundRefresh(schedule); err != nil {
		d.lifecycle.Stop()
		return fmt.Errorf("failed to start background refresh: %w", err)
	}
	if d.config.Index.SkipBootstrap {
		d.index.Nudge()
	}

	if d.config.Index.WatchLog {
		watcher, err := memory.NewLogWatcher(d.logger.Zerolog(), d.chatLog.Path(), d.index.Nudge)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to watch chat log, relying on scheduled refresh")
		} else {
			d.watcher = watcher
			log.Info().Str("path", d.chatLog.Path()).Msg("Chat log watcher started")
		}
	}

	if d.config.Metrics.Enabled {
		if err := d.startMetricsServer(); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
	}

	d.mu.Lock()
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log.Info().
		Int64("lastIndexedId", d.index.LastIndexedID()).
		Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) startMetricsServer() error {
	listener, err := net.Listen("tcp", d.config.Metrics.Addr())
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())

	d.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.metricsAddr = listener.Addr().String()

	go func() {
		if err := d.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	d.logger.Info().Str("addr", d.metricsAddr).Msg("Metrics server started")
	return nil
}

// MetricsAddr returns the address the metrics endpoint listens on, if any
func (d *Daemon) MetricsAddr() string {
	return d.metricsAddr
}

// Stop stops the daemon gracefully. The index is flushed to its checkpoint
// before the chat log is closed.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping asktech daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop chat log watcher")
		}
	}

	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
	}

	err := d.Close()

	if lerr := d.lifecycle.Stop(); lerr != nil {
		d.logger.Error().Err(lerr).Msg("Failed to stop lifecycle manager")
	}

	if err != nil {
		return err
	}
	d.logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close shuts down the index manager (final sync and checkpoint save) and
// closes the chat log. Stop calls it; one-shot commands call it directly.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var shutdownErr error
	if d.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Index.ShutdownTimeout+d.config.Index.FlushTimeout)
		shutdownErr = d.index.Shutdown(ctx)
		cancel()
		if shutdownErr != nil {
			d.logger.Error().Err(shutdownErr).Msg("Index shutdown incomplete")
		}
	}

	d.closeModules()
	return shutdownErr
}

func (d *Daemon) closeModules() {
	if d.chatLog != nil {
		if err := d.chatLog.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close chat log")
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Index:   d.index.Status(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// IndexManager returns the index manager
func (d *Daemon) IndexManager() *memory.IndexManager {
	return d.index
}

// ChatLog returns the chat log
func (d *Daemon) ChatLog() *chatlog.SQLiteLog {
	return d.chatLog
}

// Metrics returns the metrics registry wrapper
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
