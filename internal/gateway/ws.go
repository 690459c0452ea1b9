// ABOUTME: HTTP handler that upgrades to a websocket and runs one client connection
// ABOUTME: Reads the auth payload when the upgrade request carried no credential

package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pulse-gateway/internal/auth"
	"github.com/2389/pulse-gateway/internal/protocol"
)

// wsHandler serves the client websocket endpoint.
type wsHandler struct {
	manager          *Manager
	upgrader         websocket.Upgrader
	opts             wsOptions
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func newWSHandler(m *Manager, allowedOrigins []string, opts wsOptions, handshakeTimeout time.Duration, logger *slog.Logger) *wsHandler {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &wsHandler{
		manager: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		opts:             opts,
		handshakeTimeout: handshakeTimeout,
		logger:           logger.With("component", "websocket"),
	}
}

// originChecker accepts any origin when allowed is empty, otherwise only the
// listed origins. Requests without an Origin header are not from browsers
// and are accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := newWSClient(conn, h.opts, h.logger)
	defer client.wait()

	hs := auth.HandshakeFromRequest(r)
	if !auth.HasRequestCredential(hs) {
		hs.AuthToken = h.readAuthPayload(client, r.RemoteAddr)
	}

	connID, err := h.manager.Connect(r.Context(), hs, client)
	if err != nil {
		return
	}

	reason := client.readPump(r.Context(), h.manager, connID)
	h.manager.Disconnect(connID, reason)
}

// readAuthPayload waits for an auth frame and returns its token, or "" if
// none arrives in time.
func (h *wsHandler) readAuthPayload(c *wsClient, remoteAddr string) string {
	frame, err := c.readHandshake(h.handshakeTimeout)
	if err != nil {
		h.logger.Debug("no auth payload received", "remote_addr", remoteAddr, "error", err)
		return ""
	}
	env, err := protocol.Decode(frame)
	if err != nil || env.Event != protocol.EventAuth {
		return ""
	}
	p, err := decode[protocol.TokenPayload](protocol.EventAuth, env.Data)
	if err != nil {
		return ""
	}
	return p.Token
}
