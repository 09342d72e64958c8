package chatlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRole = errors.New("invalid message role")
	ErrEmptyText   = errors.New("message text is empty")
	ErrClosed      = errors.New("chat log is closed")
)

// Role identifies who produced a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole converts a string into a Role
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Record is a single persisted chat message. Records are immutable once appended.
type Record struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is an append-only store of chat messages with monotonically increasing ids.
type Log interface {
	// Append stores a message and returns its id.
	Append(ctx context.Context, role Role, text string, createdAt time.Time) (int64, error)

	// ReadSince returns all records with id > afterID in ascending id order.
	ReadSince(ctx context.Context, afterID int64) ([]Record, error)
}

func validate(role Role, text string) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}
