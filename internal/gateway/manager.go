// ABOUTME: Connection lifecycle manager: authenticate, register, reauthenticate, tear down
// ABOUTME: Sole writer of the session registry, rate limiter and connection table

package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pulse-gateway/internal/auth"
	"github.com/2389/pulse-gateway/internal/metrics"
	"github.com/2389/pulse-gateway/internal/presence"
	"github.com/2389/pulse-gateway/internal/protocol"
	"github.com/2389/pulse-gateway/internal/ratelimit"
	"github.com/2389/pulse-gateway/internal/room"
	"github.com/2389/pulse-gateway/internal/session"
	"github.com/2389/pulse-gateway/internal/store"
)

// Disconnect reasons.
const (
	ReasonClientClosed     = "client_closed"
	ReasonServerClosed     = "server_closed"
	ReasonReadError        = "read_error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonAuthFailed       = "auth_failed"
	ReasonStateCorrupted   = "state_corrupted"
	ReasonShutdown         = "shutdown"
)

// Default liveness settings.
const (
	DefaultHeartbeatTimeout       = 90 * time.Second
	DefaultHeartbeatCheckInterval = 15 * time.Second
)

const (
	presenceTimeout = 2 * time.Second
	presenceStripes = 64
)

// NotificationStore is the part of the notification store the inbound
// commands use.
type NotificationStore interface {
	MarkAsRead(ctx context.Context, userID, notificationID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

var _ NotificationStore = (*store.SQLiteStore)(nil)

// ManagerConfig holds Manager dependencies and settings.
type ManagerConfig struct {
	Validator auth.Validator
	Policy    room.Policy // nil means room.DefaultPolicy
	RateLimit ratelimit.Config

	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration

	Notifications NotificationStore // optional
	Presence      presence.Tracker  // optional
	Metrics       *metrics.Collector
	Logger        *slog.Logger

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

// Manager owns every live connection's server-side state.
type Manager struct {
	validator     auth.Validator
	registry      *session.Registry
	router        *room.Router
	limiter       *ratelimit.Limiter
	conns         *connTable
	notifications NotificationStore
	presence      presence.Tracker
	metrics       *metrics.Collector
	logger        *slog.Logger
	now           func() time.Time

	heartbeatTimeout       time.Duration
	heartbeatCheckInterval time.Duration

	// presenceLocks serialize presence writes per user, striped by hash.
	presenceLocks [presenceStripes]sync.Mutex
	presenceSeed  maphash.Seed
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.Nop{}
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		cfg.HeartbeatCheckInterval = DefaultHeartbeatCheckInterval
	}
	if cfg.RateLimit.Clock == nil {
		cfg.RateLimit.Clock = cfg.Clock
	}

	logger := cfg.Logger.With("component", "manager")
	registry := session.NewRegistry()
	conns := newConnTable(cfg.Metrics, logger)

	m := &Manager{
		validator:              cfg.Validator,
		registry:               registry,
		limiter:                ratelimit.New(cfg.RateLimit, cfg.Logger),
		conns:                  conns,
		notifications:          cfg.Notifications,
		presence:               cfg.Presence,
		metrics:                cfg.Metrics,
		logger:                 logger,
		now:                    cfg.Clock,
		heartbeatTimeout:       cfg.HeartbeatTimeout,
		heartbeatCheckInterval: cfg.HeartbeatCheckInterval,
		presenceSeed:           maphash.MakeSeed(),
	}
	m.router = room.NewRouter(room.RouterConfig{
		Sessions: registry,
		Emitter:  conns,
		Policy:   cfg.Policy,
		Recorder: cfg.Metrics,
		Logger:   cfg.Logger,
	})
	return m
}

// Router returns the room router backed by this manager's registry.
func (m *Manager) Router() *room.Router {
	return m.router
}

// Registry returns the session registry for read-only queries.
func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// Connect authenticates a new connection and registers it. On failure an
// error event is sent, the transport is closed and an *auth.AuthError is
// returned. On success the connection id is returned and a connected event
// has been enqueued.
func (m *Manager) Connect(ctx context.Context, hs auth.Handshake, t Transport) (string, error) {
	token, source := auth.ExtractToken(hs)

	id, err := m.validate(ctx, token)
	if err != nil {
		ae := auth.AsAuthError(err)
		m.metrics.AuthFailed(string(ae.Reason))
		m.logger.Info("connection rejected",
			"reason", ae.Reason,
			"source", source,
			"remote_addr", hs.RemoteAddr,
			"error", ae.Err,
		)
		if frame, encErr := protocol.Encode(protocol.EventError, protocol.Error{
			Message: authMessage(ae),
			Code:    authCode(ae),
		}); encErr == nil {
			t.Send(frame)
		}
		_ = t.Close()
		return "", ae
	}

	connID := uuid.NewString()
	now := m.now()
	groups := m.router.MembershipFor(id.UserID, id.Role, id.OrgID)

	// The transport must be addressable before the session becomes visible
	// to the router.
	m.conns.put(connID, t)
	firstForUser, err := m.registry.Add(session.Session{
		ConnID:       connID,
		UserID:       id.UserID,
		Role:         id.Role,
		OrgID:        id.OrgID,
		ConnectedAt:  now,
		LastActivity: now,
		Groups:       groups,
	})
	if err != nil {
		m.conns.remove(connID)
		_ = t.Close()
		return "", fmt.Errorf("registering session: %w", err)
	}

	if firstForUser {
		m.syncPresence(id.UserID)
	}
	m.metrics.Connected()
	m.metrics.SetPopulation(m.registry.ConnectionCount(), m.registry.UserCount())

	m.conns.Emit(connID, protocol.EventConnected, protocol.Identity{
		UserID: id.UserID,
		Role:   id.Role,
		OrgID:  id.OrgID,
		Groups: groups,
	})

	m.logger.Info("=== CLIENT CONNECTED ===",
		"conn_id", connID,
		"user_id", id.UserID,
		"role", id.Role,
		"org_id", id.OrgID,
		"source", source,
		"elevated", m.router.Policy().Elevated(id.Role),
		"groups", len(groups),
		"user_connections", len(m.registry.ConnectionsForUser(id.UserID)),
		"total_connections", m.registry.ConnectionCount(),
	)
	return connID, nil
}

func (m *Manager) validate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, &auth.AuthError{Reason: auth.ReasonMissing}
	}
	if m.validator == nil {
		return auth.Identity{}, &auth.AuthError{Reason: auth.ReasonInvalid, Err: errors.New("no token validator configured")}
	}
	return m.validator.Validate(ctx, token)
}

// Disconnect tears down every piece of state for connID and closes its
// transport. Calling it again for the same id does nothing.
func (m *Manager) Disconnect(connID, reason string) {
	s, lastForUser, ok := m.registry.Remove(connID)
	m.limiter.Remove(connID)
	if t := m.conns.remove(connID); t != nil {
		_ = t.Close()
	}
	if !ok {
		return
	}

	if lastForUser {
		m.syncPresence(s.UserID)
	}
	lifetime := m.now().Sub(s.ConnectedAt)
	m.metrics.Disconnected(reason, lifetime)
	m.metrics.SetPopulation(m.registry.ConnectionCount(), m.registry.UserCount())

	m.logger.Info("=== CLIENT DISCONNECTED ===",
		"conn_id", connID,
		"user_id", s.UserID,
		"reason", reason,
		"duration", lifetime.Round(time.Second),
		"user_connections", len(m.registry.ConnectionsForUser(s.UserID)),
		"total_connections", m.registry.ConnectionCount(),
	)
}

// Reauthenticate revalidates a live connection with a new token. A failed or
// mismatched token sends an error event and disconnects. If role or
// organization changed the connection is moved between groups atomically;
// either way the client receives authRefreshed.
func (m *Manager) Reauthenticate(ctx context.Context, connID, token string) error {
	current, ok := m.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}

	id, err := m.validate(ctx, token)
	if err == nil && id.UserID != current.UserID {
		err = &auth.AuthError{Reason: auth.ReasonInvalid, Err: errors.New("token subject does not match session")}
	}
	if err != nil {
		ae := auth.AsAuthError(err)
		m.metrics.AuthFailed(string(ae.Reason))
		m.logger.Info("reauthentication rejected",
			"conn_id", connID,
			"user_id", current.UserID,
			"reason", ae.Reason,
			"error", ae.Err,
		)
		m.conns.Emit(connID, protocol.EventError, protocol.Error{Message: authMessage(ae), Code: authCode(ae)})
		m.Disconnect(connID, ReasonAuthFailed)
		return ae
	}

	groups := current.Groups
	migrated := id.Role != current.Role || id.OrgID != current.OrgID
	if migrated {
		groups = m.router.MembershipFor(id.UserID, id.Role, id.OrgID)
		if _, err := m.registry.UpdateIdentity(connID, id.Role, id.OrgID, groups); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				return ErrUnknownConnection
			}
			return fmt.Errorf("migrating session: %w", err)
		}
		m.logger.Info("session migrated",
			"conn_id", connID,
			"user_id", id.UserID,
			"old_role", current.Role,
			"new_role", id.Role,
			"old_org", current.OrgID,
			"new_org", id.OrgID,
		)
	}
	m.metrics.Reauthenticated(migrated)

	m.conns.Emit(connID, protocol.EventAuthRefreshed, protocol.Identity{
		UserID: id.UserID,
		Role:   id.Role,
		OrgID:  id.OrgID,
		Groups: groups,
	})
	return nil
}

// Touch records activity on connID.
func (m *Manager) Touch(connID string) {
	m.registry.Touch(connID, m.now())
}

// CloseAll disconnects every connection.
func (m *Manager) CloseAll(reason string) {
	for _, s := range m.registry.All() {
		m.Disconnect(s.ConnID, reason)
	}
	// transports that never finished registering
	for _, t := range m.conns.drain() {
		_ = t.Close()
	}
}

// RunHeartbeatMonitor disconnects idle sessions until ctx is done.
func (m *Manager) RunHeartbeatMonitor(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.checkHeartbeats(); n > 0 {
				m.logger.Info("disconnected idle sessions", "count", n)
			}
		}
	}
}

// checkHeartbeats disconnects every session idle past the heartbeat timeout.
func (m *Manager) checkHeartbeats() int {
	deadline := m.now().Add(-m.heartbeatTimeout)
	n := 0
	for _, s := range m.registry.All() {
		if s.LastActivity.Before(deadline) {
			m.Disconnect(s.ConnID, ReasonHeartbeatTimeout)
			n++
		}
	}
	return n
}

// RunRateLimitSweep reclaims rate limit entries until ctx is done.
func (m *Manager) RunRateLimitSweep(ctx context.Context) error {
	m.limiter.Run(ctx, m.registry.Has, m.metrics.SweepRemoved)
	return nil
}

// ConnectedUsers lists users with at least one live connection.
func (m *Manager) ConnectedUsers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range m.registry.All() {
		if _, ok := seen[s.UserID]; ok {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, s.UserID)
	}
	return out
}

// Stats summarizes the live population.
func (m *Manager) Stats() protocol.Stats {
	st := protocol.Stats{
		Connections:      m.registry.ConnectionCount(),
		Users:            m.registry.UserCount(),
		ByRole:           make(map[string]int),
		ByChannel:        make(map[string]int),
		RateLimitEntries: m.limiter.Len(),
		Timestamp:        m.now(),
	}
	for _, s := range m.registry.All() {
		st.ByRole[s.Role]++
	}
	for _, ch := range room.Channels {
		st.ByChannel[string(ch)] = m.registry.GroupSize(room.ChannelGroup(ch))
	}
	return st
}

// syncPresence writes the user's current registry state to the presence
// tracker. Writes for one user are serialized and read the registry under
// the same lock, so a late offline write cannot follow a newer connect.
func (m *Manager) syncPresence(userID string) {
	mu := &m.presenceLocks[maphash.String(m.presenceSeed, userID)%presenceStripes]
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	online := m.registry.IsUserConnected(userID)
	var err error
	if online {
		err = m.presence.Online(ctx, userID)
	} else {
		err = m.presence.Offline(ctx, userID)
	}
	if err != nil {
		m.logger.Warn("presence update failed", "user_id", userID, "online", online, "error", err)
	}
}
