// ABOUTME: Store interface and data types for notification read state
// ABOUTME: Defines Notification and the NotificationStore interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateNotification is returned when a notification id is reused
var ErrDuplicateNotification = errors.New("notification already exists")

// Notification is a message addressed to one user that can be marked read.
type Notification struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Body      string
	CreatedAt time.Time
	ReadAt    *time.Time // nil while unread
}

// NotificationStore persists notifications and their read state.
type NotificationStore interface {
	// CreateNotification stores n. An empty ID is filled in.
	CreateNotification(ctx context.Context, n *Notification) error

	// MarkAsRead marks the user's notification read. Marking an already read
	// notification succeeds; a notification that does not exist or belongs
	// to another user returns ErrNotFound.
	MarkAsRead(ctx context.Context, userID, notificationID string) error

	// UnreadCount returns how many of the user's notifications are unread.
	UnreadCount(ctx context.Context, userID string) (int, error)

	Close() error
}
