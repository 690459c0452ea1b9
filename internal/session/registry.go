// ABOUTME: Session registry tracking live connections, their identity and group memberships
// ABOUTME: Owns the session table, the user index and the group index behind one RWMutex

package session

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrDuplicateConnection indicates a session with the same connection id exists.
var ErrDuplicateConnection = errors.New("connection already registered")

// ErrSessionNotFound indicates the connection id is not registered.
var ErrSessionNotFound = errors.New("session not found")

// Session is the server-side record of one live connection.
type Session struct {
	ConnID       string
	UserID       string
	Role         string
	OrgID        string // empty when the principal has no organization
	ConnectedAt  time.Time
	LastActivity time.Time
	Groups       []string
}

// InGroup reports whether the session is a member of group.
func (s Session) InGroup(group string) bool {
	return slices.Contains(s.Groups, group)
}

func (s *Session) clone() Session {
	out := *s
	out.Groups = slices.Clone(s.Groups)
	return out
}

// Registry holds every live session. Only the connection lifecycle manager
// mutates it; everything else uses the query methods, which return copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // connID -> session
	byUser   map[string]map[string]struct{} // userID -> connIDs
	byGroup  map[string]map[string]struct{} // group -> connIDs
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		byGroup:  make(map[string]map[string]struct{}),
	}
}

// Add registers a session with its groups. firstForUser is true when this is
// the user's only live connection.
func (r *Registry) Add(s Session) (firstForUser bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ConnID]; exists {
		return false, ErrDuplicateConnection
	}

	stored := s.clone()
	r.sessions[s.ConnID] = &stored

	conns, ok := r.byUser[s.UserID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[s.UserID] = conns
	}
	conns[s.ConnID] = struct{}{}

	r.joinLocked(s.ConnID, stored.Groups)
	return len(conns) == 1, nil
}

// Remove deletes the session for connID. lastForUser is true when the user
// has no remaining connections. ok is false if nothing was registered.
func (r *Registry) Remove(connID string) (removed Session, lastForUser bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[connID]
	if !exists {
		return Session{}, false, false
	}
	delete(r.sessions, connID)
	r.leaveLocked(connID, s.Groups)

	if conns, ok := r.byUser[s.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, s.UserID)
			lastForUser = true
		}
	}
	return *s, lastForUser, true
}

// UpdateIdentity replaces the role, organization and group set of a session.
// Leaving the old groups and joining the new ones happens in one critical
// section, so readers observe either the old membership or the new one.
func (r *Registry) UpdateIdentity(connID, role, orgID string, groups []string) (previous Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[connID]
	if !exists {
		return Session{}, ErrSessionNotFound
	}
	previous = s.clone()

	r.leaveLocked(connID, s.Groups)
	s.Role = role
	s.OrgID = orgID
	s.Groups = slices.Clone(groups)
	r.joinLocked(connID, s.Groups)

	return previous, nil
}

// Touch sets the last-activity timestamp. Returns false if connID is unknown.
func (r *Registry) Touch(connID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return false
	}
	s.LastActivity = at
	return true
}

// joinLocked adds connID to every group. Must be called with mu held.
func (r *Registry) joinLocked(connID string, groups []string) {
	for _, g := range groups {
		members, ok := r.byGroup[g]
		if !ok {
			members = make(map[string]struct{})
			r.byGroup[g] = members
		}
		members[connID] = struct{}{}
	}
}

// leaveLocked removes connID from every group, pruning empty groups.
// Must be called with mu held.
func (r *Registry) leaveLocked(connID string, groups []string) {
	for _, g := range groups {
		members, ok := r.byGroup[g]
		if !ok {
			continue
		}
		delete(members, connID)
		if len(members) == 0 {
			delete(r.byGroup, g)
		}
	}
}

// Get returns a copy of the session for connID.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Has reports whether connID is registered.
func (r *Registry) Has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[connID]
	return ok
}

// IsUserConnected reports whether the user has at least one live connection.
func (r *Registry) IsUserConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserCount returns the number of distinct connected users.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ConnectionsForUser returns the connection ids open for userID.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// SessionsInGroup returns a snapshot of the sessions in group.
func (r *Registry) SessionsInGroup(group string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byGroup[group]
	if len(members) == 0 {
		return nil
	}
	out := make([]Session, 0, len(members))
	for connID := range members {
		if s, ok := r.sessions[connID]; ok {
			out = append(out, s.clone())
		}
	}
	return out
}

// GroupSize returns the number of connections in group.
func (r *Registry) GroupSize(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byGroup[group])
}

// All returns a snapshot of every live session.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}
