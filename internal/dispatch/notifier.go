// ABOUTME: Persists notifications before pushing them to the recipient
// ABOUTME: Follows every delivery with the recipient's new unread count

package dispatch

import (
	"context"
	"fmt"

	"github.com/2389/pulse-gateway/internal/protocol"
	"github.com/2389/pulse-gateway/internal/store"
)

// NotificationWriter is the part of the notification store Notifier needs.
type NotificationWriter interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Notifier stores and delivers user notifications.
type Notifier struct {
	store      NotificationWriter
	dispatcher *Dispatcher
}

// NewNotifier creates a Notifier.
func NewNotifier(s NotificationWriter, d *Dispatcher) *Notifier {
	return &Notifier{store: s, dispatcher: d}
}

// Notify saves n, pushes it to the user and then pushes the unread count.
// Delivery is skipped if the notification cannot be saved.
func (n *Notifier) Notify(ctx context.Context, note *store.Notification) error {
	if err := n.store.CreateNotification(ctx, note); err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}

	n.dispatcher.SendNotification(note.UserID, protocol.Notification{
		ID:        note.ID,
		Kind:      note.Kind,
		Title:     note.Title,
		Body:      note.Body,
		CreatedAt: note.CreatedAt,
	})

	count, err := n.store.UnreadCount(ctx, note.UserID)
	if err != nil {
		return fmt.Errorf("counting unread notifications: %w", err)
	}
	n.dispatcher.SendUnreadCount(note.UserID, count)
	return nil
}
