// ABOUTME: Stateless dispatch facade over the room router
// ABOUTME: Typed helpers for notifications and administrative channel feeds

package dispatch

import (
	"time"

	"github.com/2389/pulse-gateway/internal/protocol"
	"github.com/2389/pulse-gateway/internal/room"
)

// Router resolves destinations to live connections.
type Router interface {
	ToUser(userID, event string, payload any)
	ToUsers(userIDs []string, event string, payload any)
	ToRole(role, event string, payload any)
	ToOrg(orgID, event string, payload any)
	ToChannel(ch room.Channel, event string, payload any)
	Broadcast(event string, payload any)
}

// Dispatcher forwards business events to the router.
type Dispatcher struct {
	router Router
	now    func() time.Time
}

// New creates a Dispatcher.
func New(router Router) *Dispatcher {
	return &Dispatcher{router: router, now: time.Now}
}

// ToUser delivers event to every connection of userID.
func (d *Dispatcher) ToUser(userID, event string, payload any) {
	d.router.ToUser(userID, event, payload)
}

// ToUsers delivers event to every connection of each user.
func (d *Dispatcher) ToUsers(userIDs []string, event string, payload any) {
	d.router.ToUsers(userIDs, event, payload)
}

// ToRole delivers event to every connection holding role.
func (d *Dispatcher) ToRole(role, event string, payload any) {
	d.router.ToRole(role, event, payload)
}

// ToOrg delivers event to every connection in orgID.
func (d *Dispatcher) ToOrg(orgID, event string, payload any) {
	d.router.ToOrg(orgID, event, payload)
}

// ToChannel delivers event to connections joined to ch.
func (d *Dispatcher) ToChannel(ch room.Channel, event string, payload any) {
	d.router.ToChannel(ch, event, payload)
}

// Broadcast delivers event to every connection.
func (d *Dispatcher) Broadcast(event string, payload any) {
	d.router.Broadcast(event, payload)
}

// SendNotification pushes a notification to a user.
func (d *Dispatcher) SendNotification(userID string, n protocol.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	d.router.ToUser(userID, protocol.EventNotification, n)
}

// SendUnreadCount pushes the user's unread notification count.
func (d *Dispatcher) SendUnreadCount(userID string, count int) {
	d.router.ToUser(userID, protocol.EventUnreadCount, protocol.UnreadCount{Count: count})
}

// PublishMetrics sends a metrics snapshot to the metrics channel.
func (d *Dispatcher) PublishMetrics(payload any) {
	d.router.ToChannel(room.ChannelMetrics, protocol.EventMetricsUpdate, payload)
}

// PublishSessionUpdate sends a session change to the sessions channel.
func (d *Dispatcher) PublishSessionUpdate(payload any) {
	d.router.ToChannel(room.ChannelSessions, protocol.EventSessionUpdate, payload)
}

// ServiceAlert sends an alert to the metrics channel.
func (d *Dispatcher) ServiceAlert(alert protocol.ServiceAlert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.now()
	}
	d.router.ToChannel(room.ChannelMetrics, protocol.EventServiceAlert, alert)
}

// BackupProgress sends backup progress to the backups channel.
func (d *Dispatcher) BackupProgress(p protocol.BackupProgress) {
	if p.Timestamp.IsZero() {
		p.Timestamp = d.now()
	}
	d.router.ToChannel(room.ChannelBackups, protocol.EventBackupProgress, p)
}

// BulkOperationProgress sends bulk operation progress to the user-admin channel.
func (d *Dispatcher) BulkOperationProgress(p protocol.BulkOperationProgress) {
	if p.Timestamp.IsZero() {
		p.Timestamp = d.now()
	}
	d.router.ToChannel(room.ChannelUserAdmin, protocol.EventBulkOperationProgress, p)
}

// Publish routes event according to t. t must be valid.
func (d *Dispatcher) Publish(t Target, event string, payload any) error {
	if err := t.Validate(); err != nil {
		return err
	}
	switch t.Kind {
	case TargetUser:
		d.ToUser(t.UserID, event, payload)
	case TargetUsers:
		d.ToUsers(t.UserIDs, event, payload)
	case TargetRole:
		d.ToRole(t.Role, event, payload)
	case TargetOrg:
		d.ToOrg(t.OrgID, event, payload)
	case TargetChannel:
		d.ToChannel(room.Channel(t.Channel), event, payload)
	case TargetBroadcast:
		d.Broadcast(event, payload)
	}
	return nil
}
