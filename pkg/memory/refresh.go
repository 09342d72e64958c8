package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/asktech/internal/tracing"
	"github.com/robfig/cron/v3"
)

// StartBackgroundRefresh runs Sync on every activation of schedule and whenever
// Nudge is called, until Shutdown. Errors are logged and never stop the loop.
func (m *IndexManager) StartBackgroundRefresh(schedule cron.Schedule) error {
	if schedule == nil {
		return errors.New("refresh schedule is required")
	}
	switch m.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateStopped:
		return ErrStopped
	}
	if m.shuttingDown.Load() {
		return ErrStopped
	}

	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.loopDone != nil {
		return fmt.Errorf("background refresh is already running")
	}

	// Every cycle of this loop shares one trace id; each sync adds its own run id
	ctx, cancel := context.WithCancel(tracing.WithTraceID(context.Background(), tracing.NewTraceID()))
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	m.refreshing.Store(true)

	go m.refreshLoop(ctx, schedule, m.loopDone)

	tracing.LoggerFromContext(ctx, m.logger).Info().Msg("Background refresh started")
	return nil
}

// Nudge asks the background loop for an early cycle. It never blocks.
func (m *IndexManager) Nudge() {
	select {
	case m.nudgeCh <- struct{}{}:
	default:
	}
}

func (m *IndexManager) refreshLoop(ctx context.Context, schedule cron.Schedule, done chan struct{}) {
	defer close(done)
	defer m.refreshing.Store(false)

	for {
		now := time.Now()
		next := schedule.Next(now)
		if next.IsZero() {
			m.logger.Warn().Msg("Refresh schedule has no further activations")
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-m.nudgeCh:
			timer.Stop()
		}

		// A cycle must not start once shutdown has been requested
		if ctx.Err() != nil {
			return
		}
		m.runCycle(ctx)
	}
}

// runCycle performs one refresh. It runs on a context detached from the loop so
// shutdown never interrupts a cycle in the middle of a checkpoint write.
func (m *IndexManager) runCycle(loopCtx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Background refresh cycle panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(tracing.Detach(loopCtx), m.flushTimeout)
	defer cancel()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	n, err := m.Sync(ctx)
	if err != nil {
		logger.Warn().Err(err).Int("indexed", n).Msg("Background refresh cycle failed")
		return
	}
	if n > 0 {
		logger.Debug().Int("indexed", n).Msg("Background refresh cycle completed")
	}
}

// Shutdown stops the background loop, waiting at most the shutdown timeout for
// a running cycle, then performs a final sync and an unconditional checkpoint
// save bounded by the flush timeout. Calling it again is a no-op.
func (m *IndexManager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info().Msg("Shutting down index manager")

	m.loopMu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
			m.logger.Debug().Msg("Background refresh stopped")
		case <-time.After(m.shutdownTimeout):
			m.logger.Warn().
				Dur("timeout", m.shutdownTimeout).
				Msg("Timeout waiting for background refresh to stop, flushing anyway")
		}
	}

	if m.State() == StateUninitialized {
		m.state.Store(int32(StateStopped))
		m.logger.Info().Msg("Index manager stopped before initialization")
		return nil
	}

	flushCtx, cancelFlush := context.WithTimeout(ctx, m.flushTimeout)
	defer cancelFlush()

	if err := m.acquire(flushCtx); err != nil {
		m.state.Store(int32(StateStopped))
		return fmt.Errorf("final flush skipped: %w", err)
	}
	defer m.release()

	flushErr := m.finalFlushLocked(flushCtx)

	m.state.Store(int32(StateStopped))
	if m.index != nil {
		if err := m.index.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close index")
		}
	}

	if flushErr != nil {
		return flushErr
	}

	m.logger.Info().
		Int64("lastIndexedId", m.lastIndexedID).
		Msg("Index manager stopped")
	return nil
}

func (m *IndexManager) finalFlushLocked(ctx context.Context) error {
	n, err := m.syncLocked(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Int("indexed", n).Msg("Final sync incomplete")
	}
	if m.index == nil {
		return fmt.Errorf("final flush: %w", ErrNotInitialized)
	}
	if err := m.saveLocked(); err != nil {
		return fmt.Errorf("failed to save final checkpoint: %w", err)
	}
	return nil
}
