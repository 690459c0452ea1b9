// ABOUTME: Inbound event pipeline and the closed command table
// ABOUTME: Rate limits, checks capability, dispatches, and reports failures by class

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/2389/pulse-gateway/internal/auth"
	"github.com/2389/pulse-gateway/internal/protocol"
	"github.com/2389/pulse-gateway/internal/room"
	"github.com/2389/pulse-gateway/internal/session"
	"github.com/2389/pulse-gateway/internal/store"
)

type handlerFunc func(ctx context.Context, m *Manager, s session.Session, data json.RawMessage) error

// command describes one inbound event the gateway understands.
type command struct {
	// limited events count against the connection's rate limit.
	limited bool
	// channel, if set, is the capability the caller's role must hold.
	channel room.Channel
	handle  handlerFunc
}

var commands = map[string]command{
	protocol.EventAuth:            {limited: true, handle: handleAuth},
	protocol.EventHeartbeat:       {limited: false, handle: handleHeartbeat},
	protocol.EventReauth:          {limited: true, handle: handleReauth},
	protocol.EventMarkAsRead:      {limited: true, handle: handleMarkAsRead},
	protocol.EventGetUnreadCount:  {limited: true, handle: handleGetUnreadCount},
	protocol.EventRefreshMetrics:  {limited: true, channel: room.ChannelMetrics, handle: handleRefreshMetrics},
	protocol.EventRefreshSessions: {limited: true, channel: room.ChannelSessions, handle: handleRefreshSessions},
}

// HandleFrame decodes one inbound frame and handles it.
func (m *Manager) HandleFrame(ctx context.Context, connID string, frame []byte) error {
	// Frames still in flight after a disconnect must not recreate limiter state.
	if !m.registry.Has(connID) {
		return ErrUnknownConnection
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		// Malformed frames still count against the limit.
		if d := m.limiter.Check(connID); !d.Allowed {
			return m.report(connID, m.rateLimited("", d.Notify))
		}
		return m.report(connID, validationError("", err.Error()))
	}
	return m.HandleEvent(ctx, connID, env.Event, env.Data)
}

// HandleEvent runs the pipeline for one inbound event: activity is recorded,
// everything except heartbeat is rate limited before lookup, unknown events
// are rejected, capability is checked, and the handler runs. The returned
// error has already been reported to the client as its class requires.
func (m *Manager) HandleEvent(ctx context.Context, connID, event string, data json.RawMessage) error {
	s, ok := m.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	m.Touch(connID)

	cmd, known := commands[event]
	m.metrics.InboundEvent(event, known)

	if !known || cmd.limited {
		if d := m.limiter.Check(connID); !d.Allowed {
			return m.report(connID, m.rateLimited(event, d.Notify))
		}
	}

	if !known {
		return m.report(connID, validationError(event, "unknown event"))
	}

	if cmd.channel != "" && !m.router.Policy().Allows(s.Role, cmd.channel) {
		return m.report(connID, forbiddenError(event, fmt.Sprintf("role %s may not access %s", s.Role, cmd.channel)))
	}

	return m.report(connID, m.run(ctx, cmd, event, s, data))
}

// run invokes the handler, turning a panic into a state-corrupting internal error.
func (m *Manager) run(ctx context.Context, cmd command, event string, s session.Session, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ee := internalError(event, fmt.Errorf("%w: handler panic: %v", ErrStateCorrupted, r))
			ee.Stack = debug.Stack()
			err = ee
		}
	}()

	err = cmd.handle(ctx, m, s, data)
	var ee *EventError
	if err != nil && !errors.As(err, &ee) && !isAuthError(err) {
		err = internalError(event, err)
	}
	return err
}

func (m *Manager) rateLimited(event string, notify bool) *EventError {
	m.metrics.RateLimited()
	ee := &EventError{Class: ClassRateLimit, Event: event, Message: "rate limit exceeded"}
	if !notify {
		// only the first denial in a window is reported to the client
		ee.Message = ""
	}
	return ee
}

// report sends err to the client according to its class and returns it.
func (m *Manager) report(connID string, err error) error {
	if err == nil {
		return nil
	}

	// Reauthenticate has already replied and disconnected.
	if isAuthError(err) {
		return err
	}

	var ee *EventError
	if !errors.As(err, &ee) {
		ee = internalError("", err)
	}

	switch ee.Class {
	case ClassValidation:
		m.logger.Debug("invalid event ignored", "conn_id", connID, "event", ee.Event, "reason", ee.Message)
	case ClassAuthorization:
		m.logger.Warn("event forbidden", "conn_id", connID, "event", ee.Event, "reason", ee.Message)
		m.conns.Emit(connID, protocol.EventError, protocol.Error{Message: ee.Message, Code: ee.Code()})
	case ClassRateLimit:
		if ee.Message != "" {
			m.logger.Warn("rate limit exceeded", "conn_id", connID, "event", ee.Event)
			m.conns.Emit(connID, protocol.EventError, protocol.Error{Message: ee.Message, Code: ee.Code()})
		}
	case ClassInternal:
		attrs := []any{"conn_id", connID, "event", ee.Event, "error", ee.Err}
		if ee.Stack != nil {
			attrs = append(attrs, "stack", string(ee.Stack))
		}
		m.logger.Error("event handler failed", attrs...)
		m.conns.Emit(connID, protocol.EventError, protocol.Error{Message: ee.Message, Code: ee.Code()})
		if errors.Is(ee, ErrStateCorrupted) {
			m.Disconnect(connID, ReasonStateCorrupted)
		}
	}
	return ee
}

func isAuthError(err error) bool {
	var ae *auth.AuthError
	return errors.As(err, &ae)
}

func decode[T any](event string, data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, validationError(event, "missing payload")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, validationError(event, "malformed payload: "+err.Error())
	}
	return v, nil
}

func handleAuth(_ context.Context, _ *Manager, _ session.Session, _ json.RawMessage) error {
	return validationError(protocol.EventAuth, "already authenticated; use reauth")
}

func handleHeartbeat(_ context.Context, m *Manager, s session.Session, _ json.RawMessage) error {
	m.conns.Emit(s.ConnID, protocol.EventHeartbeatAck, protocol.HeartbeatAck{Timestamp: m.now().UnixMilli()})
	return nil
}

func handleReauth(ctx context.Context, m *Manager, s session.Session, data json.RawMessage) error {
	p, err := decode[protocol.TokenPayload](protocol.EventReauth, data)
	if err != nil {
		return err
	}
	err = m.Reauthenticate(ctx, s.ConnID, p.Token)
	if errors.Is(err, ErrUnknownConnection) {
		return validationError(protocol.EventReauth, "connection closed")
	}
	return err
}

func handleMarkAsRead(ctx context.Context, m *Manager, s session.Session, data json.RawMessage) error {
	p, err := decode[protocol.MarkAsReadPayload](protocol.EventMarkAsRead, data)
	if err != nil {
		return err
	}
	if p.NotificationID == "" {
		return validationError(protocol.EventMarkAsRead, "notificationId is required")
	}
	if m.notifications == nil {
		return errors.New("notification store not configured")
	}

	if err := m.notifications.MarkAsRead(ctx, s.UserID, p.NotificationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationError(protocol.EventMarkAsRead, "unknown notification "+p.NotificationID)
		}
		return fmt.Errorf("marking notification read: %w", err)
	}
	m.conns.Emit(s.ConnID, protocol.EventNotificationRead, protocol.NotificationRead{NotificationID: p.NotificationID})

	count, err := m.notifications.UnreadCount(ctx, s.UserID)
	if err != nil {
		return fmt.Errorf("counting unread notifications: %w", err)
	}
	// every tab of the user sees the new count
	m.router.ToUser(s.UserID, protocol.EventUnreadCount, protocol.UnreadCount{Count: count})
	return nil
}

func handleGetUnreadCount(ctx context.Context, m *Manager, s session.Session, _ json.RawMessage) error {
	if m.notifications == nil {
		return errors.New("notification store not configured")
	}
	count, err := m.notifications.UnreadCount(ctx, s.UserID)
	if err != nil {
		return fmt.Errorf("counting unread notifications: %w", err)
	}
	m.conns.Emit(s.ConnID, protocol.EventUnreadCount, protocol.UnreadCount{Count: count})
	return nil
}

func handleRefreshMetrics(_ context.Context, m *Manager, s session.Session, _ json.RawMessage) error {
	m.conns.Emit(s.ConnID, protocol.EventMetricsUpdate, m.Stats())
	return nil
}

func handleRefreshSessions(_ context.Context, m *Manager, s session.Session, _ json.RawMessage) error {
	st := m.Stats()
	m.conns.Emit(s.ConnID, protocol.EventSessionUpdate, protocol.Stats{
		Connections: st.Connections,
		Users:       st.Users,
		ByRole:      st.ByRole,
		Timestamp:   st.Timestamp,
	})
	return nil
}
