// ABOUTME: Tests for group derivation and destination routing
// ABOUTME: Uses a real session registry and a recording emitter

package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-gateway/internal/session"
)

type emitted struct {
	connID  string
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(connID, event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{connID, event, payload})
}

func (e *recordingEmitter) to(connID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if ev.connID == connID {
			out = append(out, ev.event)
		}
	}
	return out
}

type countingRecorder struct {
	calls map[string]int
}

func (c *countingRecorder) Delivered(destination string, recipients int) {
	c.calls[destination] += recipients
}

func setup(t *testing.T) (*session.Registry, *Router, *recordingEmitter) {
	t.Helper()
	reg := session.NewRegistry()
	em := &recordingEmitter{}
	return reg, NewRouter(RouterConfig{Sessions: reg, Emitter: em}), em
}

func connect(t *testing.T, reg *session.Registry, r *Router, connID, userID, role, org string) {
	t.Helper()
	_, err := reg.Add(session.Session{
		ConnID:      connID,
		UserID:      userID,
		Role:        role,
		OrgID:       org,
		ConnectedAt: time.Now(),
		Groups:      r.MembershipFor(userID, role, org),
	})
	require.NoError(t, err)
}

func TestMembership_BaseTriad(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, []string{"user:u1", "role:STUDENT", "org:I1"}, p.Membership("u1", "STUDENT", "I1"))
	assert.Equal(t, []string{"user:u1", "role:STUDENT"}, p.Membership("u1", "STUDENT", ""))
}

func TestMembership_AdminChannels(t *testing.T) {
	p := DefaultPolicy()

	sys := p.Membership("root", RoleSystemAdmin, "")
	assert.Contains(t, sys, ChannelGroup(ChannelBackups))
	assert.Contains(t, sys, ChannelGroup(ChannelUserAdmin))
	assert.Contains(t, sys, ChannelGroup(ChannelMetrics))
	assert.Contains(t, sys, ChannelGroup(ChannelSessions))

	admin := p.Membership("a", RoleAdmin, "I1")
	assert.Contains(t, admin, ChannelGroup(ChannelMetrics))
	assert.NotContains(t, admin, ChannelGroup(ChannelBackups))
	assert.NotContains(t, admin, ChannelGroup(ChannelUserAdmin))

	assert.False(t, p.Elevated("STUDENT"))
	assert.True(t, p.Elevated(RoleAdmin))
}

func TestChannelsFor_Sorted(t *testing.T) {
	got := DefaultPolicy().ChannelsFor(RoleSystemAdmin)
	assert.Equal(t, []Channel{ChannelBackups, ChannelMetrics, ChannelSessions, ChannelUserAdmin}, got)
}

func TestScenarioA_StudentReachedByRoleNotByBackups(t *testing.T) {
	reg, r, em := setup(t)
	connect(t, reg, r, "c1", "u1", "STUDENT", "I1")

	s, _ := reg.Get("c1")
	assert.ElementsMatch(t, []string{"user:u1", "role:STUDENT", "org:I1"}, s.Groups)

	r.ToRole("STUDENT", "x", map[string]any{})
	r.ToChannel(ChannelBackups, "y", map[string]any{})

	assert.Equal(t, []string{"x"}, em.to("c1"))
}

func TestToUser_AllConnections(t *testing.T) {
	reg, r, em := setup(t)
	connect(t, reg, r, "c1", "u1", "STUDENT", "")
	connect(t, reg, r, "c2", "u1", "STUDENT", "")
	connect(t, reg, r, "c3", "u2", "STUDENT", "")

	r.ToUser("u1", "notification", nil)

	assert.Equal(t, []string{"notification"}, em.to("c1"))
	assert.Equal(t, []string{"notification"}, em.to("c2"))
	assert.Empty(t, em.to("c3"))
}

func TestToUsers(t *testing.T) {
	reg, r, em := setup(t)
	connect(t, reg, r, "c1", "u1", "STUDENT", "")
	connect(t, reg, r, "c2", "u2", "STUDENT", "")
	connect(t, reg, r, "c3", "u3", "STUDENT", "")

	r.ToUsers([]string{"u1", "u3", "offline"}, "ping", nil)

	assert.Len(t, em.to("c1"), 1)
	assert.Empty(t, em.to("c2"))
	assert.Len(t, em.to("c3"), 1)
}

func TestToOrg(t *testing.T) {
	reg, r, em := setup(t)
	connect(t, reg, r, "c1", "u1", "STUDENT", "I1")
	connect(t, reg, r, "c2", "u2", "STUDENT", "I2")
	connect(t, reg, r, "c3", "u3", "STUDENT", "")

	r.ToOrg("I1", "orgEvent", nil)
	r.ToOrg("", "ignored", nil)

	assert.Equal(t, []string{"orgEvent"}, em.to("c1"))
	assert.Empty(t, em.to("c2"))
	assert.Empty(t, em.to("c3"))
}

func TestBroadcast(t *testing.T) {
	reg, r, em := setup(t)
	connect(t, reg, r, "c1", "u1", "STUDENT", "")
	connect(t, reg, r, "c2", "u2", RoleAdmin, "")

	r.Broadcast("maintenance", nil)

	assert.Len(t, em.to("c1"), 1)
	assert.Len(t, em.to("c2"), 1)
}

func TestEmptyGroupIsNoop(t *testing.T) {
	_, r, em := setup(t)

	r.ToRole("NOBODY", "x", nil)
	r.ToUser("ghost", "x", nil)
	r.ToChannel(ChannelMetrics, "x", nil)
	r.Broadcast("x", nil)

	assert.Empty(t, em.events)
}

func TestChannelIsolation_RepeatedPublishes(t *testing.T) {
	reg, r, em := setup(t)
	connect(t, reg, r, "student", "u1", "STUDENT", "I1")
	connect(t, reg, r, "admin", "u2", RoleAdmin, "I1")
	connect(t, reg, r, "root", "u3", RoleSystemAdmin, "")

	for i := 0; i < 50; i++ {
		r.ToChannel(ChannelBackups, "backupProgress", i)
		r.ToChannel(ChannelMetrics, "metricsUpdate", i)
	}

	assert.Empty(t, em.to("student"))
	assert.Len(t, em.to("admin"), 50)
	assert.Len(t, em.to("root"), 100)
}

// staleSource returns a member whose role no longer has the capability, as a
// misbehaving registry would.
type staleSource struct {
	sessions []session.Session
}

func (s staleSource) SessionsInGroup(string) []session.Session { return s.sessions }
func (s staleSource) All() []session.Session                   { return s.sessions }

func TestToChannel_FiltersMembersWithoutCapability(t *testing.T) {
	em := &recordingEmitter{}
	r := NewRouter(RouterConfig{
		Sessions: staleSource{sessions: []session.Session{
			{ConnID: "ok", Role: RoleSystemAdmin},
			{ConnID: "stale", Role: "STUDENT"},
		}},
		Emitter: em,
	})

	r.ToChannel(ChannelBackups, "backupProgress", nil)

	assert.Len(t, em.to("ok"), 1)
	assert.Empty(t, em.to("stale"))
}

func TestRecorderSeesFanoutSizes(t *testing.T) {
	reg := session.NewRegistry()
	em := &recordingEmitter{}
	rec := &countingRecorder{calls: map[string]int{}}
	r := NewRouter(RouterConfig{Sessions: reg, Emitter: em, Recorder: rec})
	connect(t, reg, r, "c1", "u1", "STUDENT", "")
	connect(t, reg, r, "c2", "u2", "STUDENT", "")

	r.ToRole("STUDENT", "x", nil)
	r.Broadcast("y", nil)

	assert.Equal(t, 2, rec.calls["role"])
	assert.Equal(t, 2, rec.calls["broadcast"])
}

func TestCustomPolicy(t *testing.T) {
	reg := session.NewRegistry()
	em := &recordingEmitter{}
	r := NewRouter(RouterConfig{
		Sessions: reg,
		Emitter:  em,
		Policy:   Policy{ChannelBackups: {"OPERATOR"}},
	})
	connect(t, reg, r, "op", "u1", "OPERATOR", "")
	connect(t, reg, r, "root", "u2", RoleSystemAdmin, "")

	r.ToChannel(ChannelBackups, "backupProgress", nil)

	assert.Len(t, em.to("op"), 1)
	assert.Empty(t, em.to("root"))
}
