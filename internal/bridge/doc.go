// Package bridge subscribes to a NATS subject and routes each message to
// connected clients through the dispatch facade.
//
// A message names a target (user, users, role, org, channel or broadcast),
// an outbound event and its payload:
//
//	{"id": "evt-42", "target": {"kind": "user", "userId": "u1"},
//	 "event": "notification", "payload": {"title": "Report ready"}}
//
// Message ids are remembered for a bounded time so redelivered messages are
// routed once. Publishers using request/reply receive the result string.
package bridge
