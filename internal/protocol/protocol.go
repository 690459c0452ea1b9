// ABOUTME: Wire envelope, event names and payload types for client frames
// ABOUTME: Shared by the connection manager, the dispatch facade and the bridge

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound events sent by clients.
const (
	EventAuth            = "auth"
	EventHeartbeat       = "heartbeat"
	EventReauth          = "reauth"
	EventMarkAsRead      = "markAsRead"
	EventGetUnreadCount  = "getUnreadCount"
	EventRefreshMetrics  = "refreshMetrics"
	EventRefreshSessions = "refreshSessions"
)

// Outbound events sent by the gateway.
const (
	EventConnected             = "connected"
	EventError                 = "error"
	EventNotification          = "notification"
	EventUnreadCount           = "unreadCount"
	EventMetricsUpdate         = "metricsUpdate"
	EventSessionUpdate         = "sessionUpdate"
	EventServiceAlert          = "serviceAlert"
	EventBackupProgress        = "backupProgress"
	EventBulkOperationProgress = "bulkOperationProgress"
	EventAuthRefreshed         = "authRefreshed"
	EventHeartbeatAck          = "heartbeat_ack"
	EventNotificationRead      = "notificationRead"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode unmarshals an inbound frame. A frame without an event name is rejected.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decoding frame: missing event name")
	}
	return env, nil
}

// TokenPayload carries a credential for auth and reauth.
type TokenPayload struct {
	Token string `json:"token"`
}

// MarkAsReadPayload names the notification to mark read.
type MarkAsReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// Identity is sent on connected and authRefreshed.
type Identity struct {
	UserID string   `json:"userId"`
	Role   string   `json:"role"`
	OrgID  string   `json:"orgId,omitempty"`
	Groups []string `json:"groups"`
}

// Error is the payload of an error event.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

// UnreadCount reports a user's unread notifications.
type UnreadCount struct {
	Count int `json:"count"`
}

// NotificationRead confirms a markAsRead.
type NotificationRead struct {
	NotificationID string `json:"notificationId"`
}

// Notification is pushed to a user when something addressed to them happens.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BackupProgress reports a running backup.
type BackupProgress struct {
	BackupID        string    `json:"backupId"`
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progressPercent"`
	Message         string    `json:"message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// BulkOperationProgress reports a running bulk user operation.
type BulkOperationProgress struct {
	OperationID string    `json:"operationId"`
	Type        string    `json:"type"`
	Progress    int       `json:"progress"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Timestamp   time.Time `json:"timestamp"`
}

// ServiceAlert reports a degraded or recovered dependency.
type ServiceAlert struct {
	Service   string    `json:"service"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats describes the gateway's live population. It is the payload of
// metricsUpdate and sessionUpdate replies and of GET /api/stats.
type Stats struct {
	Connections      int            `json:"connections"`
	Users            int            `json:"users"`
	ByRole           map[string]int `json:"byRole"`
	ByChannel        map[string]int `json:"byChannel"`
	RateLimitEntries int            `json:"rateLimitEntries"`
	Timestamp        time.Time      `json:"timestamp"`
}
