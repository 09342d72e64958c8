package chatlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process Log. It is safe for concurrent use.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
	readErr error
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nextID: 1}
}

// Append stores a message and returns its id
func (l *MemoryLog) Append(ctx context.Context, role Role, text string, createdAt time.Time) (int64, error) {
	if err := validate(role, text); err != nil {
		return 0, err
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.records = append(l.records, Record{
		ID:        id,
		Role:      role,
		Text:      text,
		CreatedAt: createdAt,
	})
	return id, nil
}

// ReadSince returns a copy of the records with id greater than afterID
func (l *MemoryLog) ReadSince(ctx context.Context, afterID int64) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.readErr != nil {
		return nil, l.readErr
	}

	var out []Record
	for _, rec := range l.records {
		if rec.ID > afterID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SetReadError makes subsequent ReadSince calls fail with err; nil clears it
func (l *MemoryLog) SetReadError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
}

// Len returns the number of stored records
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
