// ABOUTME: Room router resolving logical destinations to live connections
// ABOUTME: Fire-and-forget, at-most-once fan-out over the session registry

package room

import (
	"log/slog"

	"github.com/2389/pulse-gateway/internal/session"
)

// Emitter delivers one event to one connection. Implementations must not
// block on slow consumers.
type Emitter interface {
	Emit(connID, event string, payload any)
}

// SessionSource is the read side of the session registry the router needs.
type SessionSource interface {
	SessionsInGroup(group string) []session.Session
	All() []session.Session
}

// DeliveryRecorder observes fan-out sizes. Optional.
type DeliveryRecorder interface {
	Delivered(destination string, recipients int)
}

// Router resolves destinations and emits to every matching connection.
type Router struct {
	sessions SessionSource
	emitter  Emitter
	policy   Policy
	recorder DeliveryRecorder
	logger   *slog.Logger
}

// RouterConfig holds Router dependencies.
type RouterConfig struct {
	Sessions SessionSource
	Emitter  Emitter
	Policy   Policy // nil means DefaultPolicy
	Recorder DeliveryRecorder
	Logger   *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		sessions: cfg.Sessions,
		emitter:  cfg.Emitter,
		policy:   cfg.Policy,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.With("component", "router"),
	}
}

// Policy returns the channel capability policy in effect.
func (r *Router) Policy() Policy {
	return r.policy
}

// MembershipFor derives the group set for an identity.
func (r *Router) MembershipFor(userID, role, orgID string) []string {
	return r.policy.Membership(userID, role, orgID)
}

// ToUser delivers to every live connection of userID.
func (r *Router) ToUser(userID, event string, payload any) {
	r.emitAll("user", event, payload, r.sessions.SessionsInGroup(UserGroup(userID)))
}

// ToUsers delivers to every live connection of each user.
func (r *Router) ToUsers(userIDs []string, event string, payload any) {
	for _, id := range userIDs {
		r.ToUser(id, event, payload)
	}
}

// ToRole delivers to every connection currently holding role.
func (r *Router) ToRole(role, event string, payload any) {
	r.emitAll("role", event, payload, r.sessions.SessionsInGroup(RoleGroup(role)))
}

// ToOrg delivers to every connection in orgID.
func (r *Router) ToOrg(orgID, event string, payload any) {
	if orgID == "" {
		return
	}
	r.emitAll("org", event, payload, r.sessions.SessionsInGroup(OrgGroup(orgID)))
}

// ToChannel delivers to connections joined to an administrative channel. The
// resolved snapshot is checked against the policy again so a connection
// whose role lacks the capability is never addressed.
func (r *Router) ToChannel(ch Channel, event string, payload any) {
	members := r.sessions.SessionsInGroup(ChannelGroup(ch))
	allowed := members[:0]
	for _, s := range members {
		if r.policy.Allows(s.Role, ch) {
			allowed = append(allowed, s)
			continue
		}
		r.logger.Warn("channel member without capability skipped",
			"channel", ch,
			"conn_id", s.ConnID,
			"role", s.Role,
		)
	}
	r.emitAll("channel", event, payload, allowed)
}

// Broadcast delivers to every live connection.
func (r *Router) Broadcast(event string, payload any) {
	r.emitAll("broadcast", event, payload, r.sessions.All())
}

func (r *Router) emitAll(destination, event string, payload any, targets []session.Session) {
	for _, s := range targets {
		r.emitter.Emit(s.ConnID, event, payload)
	}
	if r.recorder != nil {
		r.recorder.Delivered(destination, len(targets))
	}
	if len(targets) > 0 {
		r.logger.Debug("event routed",
			"destination", destination,
			"event", event,
			"recipients", len(targets),
		)
	}
}
