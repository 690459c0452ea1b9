// Package store persists notification read state for pulse-gateway.
//
// The gateway itself keeps no business records. The one thing it stores is
// whether a notification it delivered has been read, so that markAsRead and
// getUnreadCount can answer without a round trip to the service that
// produced the notification.
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) in WAL mode. The
// schema is created on open.
package store
