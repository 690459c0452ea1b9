// Package dispatch is the only surface business code uses to push events to
// connected clients.
//
// Dispatcher holds no state. It forwards to a Router (satisfied by
// room.Router) and adds typed helpers for the well-known events: user
// notifications, unread counts, and the administrative channel feeds
// (metrics, sessions, backups, user-admin).
//
// Publish routes a Target descriptor, which is how out-of-process publishers
// arriving through the bridge are delivered. Notifier persists a notification
// before delivering it so read state can be tracked.
package dispatch
