// ABOUTME: End-to-end tests for the gateway HTTP surface and websocket transport
// ABOUTME: Runs the real handler tree on httptest with signed JWTs

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-gateway/internal/config"
	"github.com/2389/pulse-gateway/internal/protocol"
	"github.com/2389/pulse-gateway/internal/room"
	"github.com/2389/pulse-gateway/internal/store"
)

const testSecret = "pulse-gateway-test-secret-32byte"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
  handshake_timeout: "500ms"
auth:
  jwt_secret: %q
database:
  path: %q
metrics:
  enabled: true
`, testSecret, filepath.Join(t.TempDir(), "gateway.db"))
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return gw, srv
}

func signTestToken(t *testing.T, sub, role, org string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "role": role, "exp": time.Now().Add(ttl).Unix()}
	if org != "" {
		claims["org_id"] = org
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestWebsocket_QueryTokenConnects(t *testing.T) {
	gw, srv := newTestGateway(t)
	conn := dial(t, wsURL(srv, "token="+signTestToken(t, "u1", "STUDENT", "I1", time.Hour)), nil)

	env := readEvent(t, conn)
	require.Equal(t, protocol.EventConnected, env.Event)
	var id protocol.Identity
	require.NoError(t, json.Unmarshal(env.Data, &id))
	assert.Equal(t, "u1", id.UserID)
	assert.Contains(t, id.Groups, "org:I1")

	assert.True(t, gw.Manager().Registry().IsUserConnected("u1"))

	writeEvent(t, conn, protocol.EventHeartbeat, struct{}{})
	assert.Equal(t, protocol.EventHeartbeatAck, readEvent(t, conn).Event)
}

func TestWebsocket_AuthPayloadConnects(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, wsURL(srv, ""), nil)

	writeEvent(t, conn, protocol.EventAuth, protocol.TokenPayload{Token: signTestToken(t, "u1", "ADMIN", "", time.Hour)})
	env := readEvent(t, conn)
	assert.Equal(t, protocol.EventConnected, env.Event)
}

func TestWebsocket_BearerHeaderConnects(t *testing.T) {
	_, srv := newTestGateway(t)
	header := http.Header{"Authorization": {"Bearer " + signTestToken(t, "u1", "ADMIN", "", time.Hour)}}
	conn := dial(t, wsURL(srv, ""), header)

	assert.Equal(t, protocol.EventConnected, readEvent(t, conn).Event)
}

func TestWebsocket_RejectedCredentials(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T) string
		code  string
	}{
		{"expired", func(t *testing.T) string { return signTestToken(t, "u1", "STUDENT", "", -time.Minute) }, CodeAuthExpired},
		{"garbage", func(*testing.T) string { return "not-a-jwt" }, CodeAuthInvalid},
		{"none within handshake timeout", func(*testing.T) string { return "" }, CodeAuthMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, srv := newTestGateway(t)
			query := ""
			if tok := tt.token(t); tok != "" {
				query = "token=" + tok
			}
			conn := dial(t, wsURL(srv, query), nil)

			env := readEvent(t, conn)
			require.Equal(t, protocol.EventError, env.Event)
			var e protocol.Error
			require.NoError(t, json.Unmarshal(env.Data, &e))
			assert.Equal(t, tt.code, e.Code)

			_, _, err := conn.ReadMessage()
			assert.Error(t, err, "socket is closed after an auth error")
			assert.Equal(t, 0, gw.Manager().Registry().ConnectionCount())
		})
	}
}

func TestWebsocket_ClientCloseDisconnects(t *testing.T) {
	gw, srv := newTestGateway(t)
	conn := dial(t, wsURL(srv, "token="+signTestToken(t, "u1", "STUDENT", "", time.Hour)), nil)
	readEvent(t, conn)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	assert.Eventually(t, func() bool {
		return gw.Manager().Registry().ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_DispatchReachesClient(t *testing.T) {
	gw, srv := newTestGateway(t)
	student := dial(t, wsURL(srv, "token="+signTestToken(t, "u1", "STUDENT", "I1", time.Hour)), nil)
	admin := dial(t, wsURL(srv, "token="+signTestToken(t, "a1", "SYSTEM_ADMIN", "", time.Hour)), nil)
	readEvent(t, student)
	readEvent(t, admin)

	gw.Dispatcher().BackupProgress(protocol.BackupProgress{BackupID: "b1", Status: "running", ProgressPercent: 10})
	gw.Dispatcher().ToOrg("I1", protocol.EventServiceAlert, protocol.ServiceAlert{Service: "db", Severity: "warning"})

	env := readEvent(t, admin)
	assert.Equal(t, protocol.EventBackupProgress, env.Event)

	env = readEvent(t, student)
	assert.Equal(t, protocol.EventServiceAlert, env.Event, "students never see backup progress")
}

func TestWebsocket_NotifyPersistsAndDelivers(t *testing.T) {
	gw, srv := newTestGateway(t)
	conn := dial(t, wsURL(srv, "token="+signTestToken(t, "u1", "STUDENT", "", time.Hour)), nil)
	readEvent(t, conn)

	note := &store.Notification{UserID: "u1", Kind: "grade", Title: "Graded"}
	require.NoError(t, gw.Notifier().Notify(t.Context(), note))

	env := readEvent(t, conn)
	require.Equal(t, protocol.EventNotification, env.Event)
	var n protocol.Notification
	require.NoError(t, json.Unmarshal(env.Data, &n))
	assert.Equal(t, note.ID, n.ID)

	env = readEvent(t, conn)
	require.Equal(t, protocol.EventUnreadCount, env.Event)

	writeEvent(t, conn, protocol.EventMarkAsRead, protocol.MarkAsReadPayload{NotificationID: note.ID})
	assert.Equal(t, protocol.EventNotificationRead, readEvent(t, conn).Event)
	env = readEvent(t, conn)
	require.Equal(t, protocol.EventUnreadCount, env.Event)
	var c protocol.UnreadCount
	require.NoError(t, json.Unmarshal(env.Data, &c))
	assert.Equal(t, 0, c.Count)
}

func TestHTTP_Health(t *testing.T) {
	_, srv := newTestGateway(t)

	for _, path := range []string{"/health", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestHTTP_Stats(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, wsURL(srv, "token="+signTestToken(t, "u1", "STUDENT", "", time.Hour)), nil)
	readEvent(t, conn)

	get := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get("").StatusCode)
	assert.Equal(t, http.StatusForbidden, get(signTestToken(t, "u1", "STUDENT", "", time.Hour)).StatusCode)

	resp := get(signTestToken(t, "a1", room.RoleAdmin, "", time.Hour))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.ByRole["STUDENT"])
	assert.NotEmpty(t, stats.ServerID)
}

func TestHTTP_Metrics(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pulse_active_connections")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("https://app.example.com")))
	assert.True(t, check(req("HTTPS://APP.example.com")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, originChecker(nil)(req("https://anything.test")))
}

func TestServe_StopsOnCancel(t *testing.T) {
	gw, err := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
