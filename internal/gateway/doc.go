// Package gateway runs the pulse-gateway server.
//
// # Overview
//
// The Gateway struct wires the notification store, the connection Manager,
// the dispatch facade, and the optional Redis presence mirror and NATS
// bridge, and serves HTTP:
//
//	GET /ws            websocket upgrade
//	GET /health        liveness
//	GET /health/ready  store reachable
//	GET /api/stats     live population (bearer token, metrics roles)
//	GET /metrics       prometheus, when enabled
//
// # Connection lifecycle
//
// A websocket client authenticates with a token in the "token" query
// parameter, an Authorization bearer header, or a first frame
// {"event":"auth","data":{"token":"..."}} sent within the handshake timeout.
// Manager.Connect validates it, registers the session and sends "connected"
// with the user's groups. Failures send an "error" event with an AUTH_*
// code and close the socket.
//
// Each connection has one reader, which handles inbound events in order,
// and one writer draining a bounded queue. Events that do not fit in the
// queue are dropped.
//
// # Inbound events
//
// Every event except heartbeat is counted by the per-connection rate
// limiter before it is looked up. Failures are reported by class:
// validation errors are logged and ignored, authorization and rate-limit
// errors send an "error" event, internal errors send an "error" event and
// disconnect when the connection state can no longer be trusted.
//
// # Shutdown
//
// Run cancels every background loop when its context ends, disconnects all
// clients, stops the HTTP server and closes the store, presence client and
// bridge.
package gateway
