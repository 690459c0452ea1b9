// ABOUTME: Group naming and the channel capability policy
// ABOUTME: Derives the full membership set of a session from its identity

package room

import (
	"slices"
	"sort"
)

// Channel names an administrative, capability-gated destination.
type Channel string

// Administrative channels.
const (
	ChannelMetrics   Channel = "metrics"
	ChannelSessions  Channel = "sessions"
	ChannelBackups   Channel = "backups"
	ChannelUserAdmin Channel = "user-admin"
)

// Channels lists every administrative channel.
var Channels = []Channel{ChannelMetrics, ChannelSessions, ChannelBackups, ChannelUserAdmin}

// ParseChannel returns the channel named name.
func ParseChannel(name string) (Channel, bool) {
	ch := Channel(name)
	return ch, slices.Contains(Channels, ch)
}

// Well-known roles.
const (
	RoleSystemAdmin = "SYSTEM_ADMIN"
	RoleAdmin       = "ADMIN"
)

// UserGroup returns the group every connection of userID joins.
func UserGroup(userID string) string { return "user:" + userID }

// RoleGroup returns the group for role.
func RoleGroup(role string) string { return "role:" + role }

// OrgGroup returns the group for orgID.
func OrgGroup(orgID string) string { return "org:" + orgID }

// ChannelGroup returns the group for an administrative channel.
func ChannelGroup(ch Channel) string { return "admin:" + string(ch) }

// Policy maps each administrative channel to the roles allowed to join it.
type Policy map[Channel][]string

// DefaultPolicy returns the built-in capability table. The backups and
// user-admin channels are restricted to SYSTEM_ADMIN.
func DefaultPolicy() Policy {
	return Policy{
		ChannelMetrics:   {RoleSystemAdmin, RoleAdmin},
		ChannelSessions:  {RoleSystemAdmin, RoleAdmin},
		ChannelBackups:   {RoleSystemAdmin},
		ChannelUserAdmin: {RoleSystemAdmin},
	}
}

// Allows reports whether role may receive events on ch.
func (p Policy) Allows(role string, ch Channel) bool {
	return slices.Contains(p[ch], role)
}

// ChannelsFor returns the channels role may join, sorted by name.
func (p Policy) ChannelsFor(role string) []Channel {
	var out []Channel
	for ch, roles := range p {
		if slices.Contains(roles, role) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Elevated reports whether role has any administrative capability.
func (p Policy) Elevated(role string) bool {
	return len(p.ChannelsFor(role)) > 0
}

// Membership derives every group a session with the given identity belongs to.
func (p Policy) Membership(userID, role, orgID string) []string {
	groups := []string{UserGroup(userID), RoleGroup(role)}
	if orgID != "" {
		groups = append(groups, OrgGroup(orgID))
	}
	for _, ch := range p.ChannelsFor(role) {
		groups = append(groups, ChannelGroup(ch))
	}
	return groups
}
