// ABOUTME: Transport abstraction and the connection table keyed by connection id
// ABOUTME: The table is the router's emitter: lookups by id, non-blocking sends

package gateway

import (
	"log/slog"
	"sync"

	"github.com/2389/pulse-gateway/internal/metrics"
	"github.com/2389/pulse-gateway/internal/protocol"
)

// Transport is one client connection as seen by the manager.
type Transport interface {
	// Send enqueues an encoded frame without blocking. It returns false if
	// the frame was dropped because the queue is full or the transport closed.
	Send(frame []byte) bool
	// Close flushes queued frames and closes the connection. Safe to call
	// more than once.
	Close() error
}

// connTable maps connection ids to transports. Handlers and the router hold
// ids, never transports.
type connTable struct {
	mu      sync.RWMutex
	conns   map[string]Transport
	metrics *metrics.Collector
	logger  *slog.Logger
}

func newConnTable(m *metrics.Collector, logger *slog.Logger) *connTable {
	return &connTable{
		conns:   make(map[string]Transport),
		metrics: m,
		logger:  logger,
	}
}

func (t *connTable) put(connID string, tr Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connID] = tr
}

// remove deletes connID and returns its transport, or nil if absent.
func (t *connTable) remove(connID string) Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.conns[connID]
	if !ok {
		return nil
	}
	delete(t.conns, connID)
	return tr
}

func (t *connTable) get(connID string) (Transport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.conns[connID]
	return tr, ok
}

func (t *connTable) has(connID string) bool {
	_, ok := t.get(connID)
	return ok
}

// drain removes and returns every transport.
func (t *connTable) drain() map[string]Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.conns
	t.conns = make(map[string]Transport)
	return out
}

// Emit encodes one frame and enqueues it on connID's transport. Unknown ids
// are ignored; a full queue drops the frame.
func (t *connTable) Emit(connID, event string, payload any) {
	tr, ok := t.get(connID)
	if !ok {
		return
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.logger.Error("dropping unencodable event", "event", event, "error", err)
		return
	}
	if !tr.Send(frame) {
		t.metrics.Dropped()
		t.logger.Warn("event dropped",
			"conn_id", connID,
			"event", event,
		)
	}
}
