// ABOUTME: Contract tests pinning client event names and payload field names
// ABOUTME: Browser clients depend on these strings; renames must fail here first

package contract

import (
	"encoding/json"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-gateway/internal/dispatch"
	"github.com/2389/pulse-gateway/internal/protocol"
)

func TestEventNames(t *testing.T) {
	inbound := map[string]string{
		"auth":            protocol.EventAuth,
		"heartbeat":       protocol.EventHeartbeat,
		"reauth":          protocol.EventReauth,
		"markAsRead":      protocol.EventMarkAsRead,
		"getUnreadCount":  protocol.EventGetUnreadCount,
		"refreshMetrics":  protocol.EventRefreshMetrics,
		"refreshSessions": protocol.EventRefreshSessions,
	}
	outbound := map[string]string{
		"connected":             protocol.EventConnected,
		"error":                 protocol.EventError,
		"notification":          protocol.EventNotification,
		"unreadCount":           protocol.EventUnreadCount,
		"metricsUpdate":         protocol.EventMetricsUpdate,
		"sessionUpdate":         protocol.EventSessionUpdate,
		"serviceAlert":          protocol.EventServiceAlert,
		"backupProgress":        protocol.EventBackupProgress,
		"bulkOperationProgress": protocol.EventBulkOperationProgress,
		"authRefreshed":         protocol.EventAuthRefreshed,
		"heartbeat_ack":         protocol.EventHeartbeatAck,
		"notificationRead":      protocol.EventNotificationRead,
	}

	for want, got := range inbound {
		assert.Equal(t, want, got, "inbound event renamed")
	}
	for want, got := range outbound {
		assert.Equal(t, want, got, "outbound event renamed")
	}
}

// fieldsOf marshals v and returns its top-level JSON keys, sorted.
func fieldsOf(t *testing.T, v any) []string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return slices.Sorted(maps.Keys(m))
}

func TestPayloadFields(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		fields []string
	}{
		{"envelope", protocol.Envelope{Event: "x", Data: json.RawMessage(`{}`)}, []string{"data", "event"}},
		{"token", protocol.TokenPayload{}, []string{"token"}},
		{"markAsRead", protocol.MarkAsReadPayload{}, []string{"notificationId"}},
		{"identity", protocol.Identity{OrgID: "I1"}, []string{"groups", "orgId", "role", "userId"}},
		{"error", protocol.Error{}, []string{"code", "message"}},
		{"heartbeat_ack", protocol.HeartbeatAck{}, []string{"timestamp"}},
		{"unreadCount", protocol.UnreadCount{}, []string{"count"}},
		{"notificationRead", protocol.NotificationRead{}, []string{"notificationId"}},
		{"backupProgress", protocol.BackupProgress{Message: "m"},
			[]string{"backupId", "message", "progressPercent", "status", "timestamp"}},
		{"bulkOperationProgress", protocol.BulkOperationProgress{},
			[]string{"completed", "operationId", "progress", "timestamp", "total", "type"}},
		{"serviceAlert", protocol.ServiceAlert{}, []string{"message", "service", "severity", "timestamp"}},
		{"stats", protocol.Stats{},
			[]string{"byChannel", "byRole", "connections", "rateLimitEntries", "timestamp", "users"}},
		{"target", dispatch.Target{Kind: dispatch.TargetUsers, UserIDs: []string{"u1"}}, []string{"kind", "userIds"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fields, fieldsOf(t, tt.value))
		})
	}
}

func TestTargetKinds(t *testing.T) {
	kinds := []dispatch.TargetKind{
		dispatch.TargetUser, dispatch.TargetUsers, dispatch.TargetRole,
		dispatch.TargetOrg, dispatch.TargetChannel, dispatch.TargetBroadcast,
	}
	got := make([]string, len(kinds))
	for i, k := range kinds {
		got[i] = string(k)
	}
	assert.Equal(t, []string{"user", "users", "role", "org", "channel", "broadcast"}, got)
}
