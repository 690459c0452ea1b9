// ABOUTME: Serializable destination descriptor for routed events
// ABOUTME: Validated before routing so malformed targets never reach the router

package dispatch

import (
	"errors"
	"fmt"

	"github.com/2389/pulse-gateway/internal/room"
)

// TargetKind selects how a Target is resolved.
type TargetKind string

// Target kinds.
const (
	TargetUser      TargetKind = "user"
	TargetUsers     TargetKind = "users"
	TargetRole      TargetKind = "role"
	TargetOrg       TargetKind = "org"
	TargetChannel   TargetKind = "channel"
	TargetBroadcast TargetKind = "broadcast"
)

// ErrInvalidTarget is returned for a Target that cannot be routed.
var ErrInvalidTarget = errors.New("invalid target")

// Target names a logical destination.
type Target struct {
	Kind    TargetKind `json:"kind"`
	UserID  string     `json:"userId,omitempty"`
	UserIDs []string   `json:"userIds,omitempty"`
	Role    string     `json:"role,omitempty"`
	OrgID   string     `json:"orgId,omitempty"`
	Channel string     `json:"channel,omitempty"`
}

// Validate checks that the field required by Kind is set.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetUser:
		if t.UserID == "" {
			return fmt.Errorf("%w: user target needs userId", ErrInvalidTarget)
		}
	case TargetUsers:
		if len(t.UserIDs) == 0 {
			return fmt.Errorf("%w: users target needs userIds", ErrInvalidTarget)
		}
	case TargetRole:
		if t.Role == "" {
			return fmt.Errorf("%w: role target needs role", ErrInvalidTarget)
		}
	case TargetOrg:
		if t.OrgID == "" {
			return fmt.Errorf("%w: org target needs orgId", ErrInvalidTarget)
		}
	case TargetChannel:
		if _, ok := room.ParseChannel(t.Channel); !ok {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidTarget, t.Channel)
		}
	case TargetBroadcast:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, t.Kind)
	}
	return nil
}
