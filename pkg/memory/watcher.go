package memory

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LogWatcher watches the chat database file and reports writes so new
// messages can be indexed before the next scheduled refresh.
type LogWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	dbName   string
	onChange func()
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLogWatcher creates a watcher for the SQLite database at dbPath
func NewLogWatcher(logger zerolog.Logger, dbPath string, onChange func()) (*LogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	lw := &LogWatcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "log-watcher").Logger(),
		dbName:   filepath.Base(dbPath),
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	// SQLite replaces -wal and -journal files, so watch the directory
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	go lw.run()

	return lw, nil
}

// SetDebounce changes the quiet period before onChange fires
func (lw *LogWatcher) SetDebounce(d time.Duration) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.debounce = d
}

// Stop stops the watcher
func (lw *LogWatcher) Stop() error {
	var err error
	lw.stopOnce.Do(func() {
		close(lw.stopCh)
		lw.mu.Lock()
		if lw.timer != nil {
			lw.timer.Stop()
		}
		lw.mu.Unlock()
		err = lw.watcher.Close()
	})
	return err
}

func (lw *LogWatcher) run() {
	for {
		select {
		case event, ok := <-lw.watcher.Events:
			if !ok {
				return
			}

			if !lw.isDatabaseFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				lw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Chat log change detected")

				lw.scheduleChange()
			}

		case err, ok := <-lw.watcher.Errors:
			if !ok {
				return
			}
			lw.logger.Error().Err(err).Msg("Chat log watcher error")

		case <-lw.stopCh:
			return
		}
	}
}

func (lw *LogWatcher) isDatabaseFile(name string) bool {
	base := filepath.Base(name)
	if base == lw.dbName {
		return true
	}
	return strings.HasPrefix(base, lw.dbName+"-wal") || strings.HasPrefix(base, lw.dbName+"-journal")
}

// scheduleChange debounces bursts of writes into one callback
func (lw *LogWatcher) scheduleChange() {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	select {
	case <-lw.stopCh:
		return
	default:
	}

	if lw.timer != nil {
		lw.timer.Stop()
	}

	lw.timer = time.AfterFunc(lw.debounce, func() {
		lw.logger.Debug().Msg("Requesting index refresh after chat log writes")
		lw.onChange()
	})
}
