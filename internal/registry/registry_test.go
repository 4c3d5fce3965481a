package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/store"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *store.Store, *httptest.Server) {
	t.Helper()
	st := store.New()
	reg := New(st, opts)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.HandleConn(ws)
	}))
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
	})
	return reg, st, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func initAs(t *testing.T, ws *websocket.Conn, account string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "init", AccountName: account}))
	var ack ServerMessage
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, "init_ack", ack.Type)
}

func TestInitBindsAndMarksVisible(t *testing.T) {
	reg, st, ts := newTestRegistry(t, Options{})

	ws := dial(t, ts)
	defer ws.Close()
	initAs(t, ws, "alice")

	require.Eventually(t, func() bool {
		return reg.IsConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := st.Get("alice")
	require.NoError(t, err)
	assert.True(t, sess.Visible)
	assert.Len(t, sess.ConnIDs, 1)
}

func TestInitWithoutAccountRejected(t *testing.T) {
	_, _, ts := newTestRegistry(t, Options{})

	ws := dial(t, ts)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "init"}))
	var msg ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestMultipleConnsSameAccount(t *testing.T) {
	reg, st, ts := newTestRegistry(t, Options{})

	ws1 := dial(t, ts)
	defer ws1.Close()
	initAs(t, ws1, "alice")
	ws2 := dial(t, ts)
	defer ws2.Close()
	initAs(t, ws2, "alice")

	require.Eventually(t, func() bool {
		return len(reg.ConnsFor("alice")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Closing one connection keeps the account visible.
	ws1.Close()
	require.Eventually(t, func() bool {
		return len(reg.ConnsFor("alice")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, reg.IsConnected("alice"))

	sess, err := st.Get("alice")
	require.NoError(t, err)
	assert.True(t, sess.Visible)

	// Closing the last one clears visibility; the record itself survives.
	ws2.Close()
	require.Eventually(t, func() bool {
		s, err := st.Get("alice")
		return err == nil && !s.Visible
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, reg.IsConnected("alice"))
}

func TestRebindMovesConnection(t *testing.T) {
	reg, st, ts := newTestRegistry(t, Options{})

	ws := dial(t, ts)
	defer ws.Close()
	initAs(t, ws, "alice")
	initAs(t, ws, "bob")

	require.Eventually(t, func() bool {
		return reg.IsConnected("bob") && !reg.IsConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)

	alice, err := st.Get("alice")
	require.NoError(t, err)
	assert.False(t, alice.Visible)
	bob, err := st.Get("bob")
	require.NoError(t, err)
	assert.True(t, bob.Visible)
}

func TestHeartbeatClosesSilentSessions(t *testing.T) {
	reg, _, ts := newTestRegistry(t, Options{HeartbeatInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.RunHeartbeat(ctx)

	ws := dial(t, ts)
	defer ws.Close()
	initAs(t, ws, "alice")

	require.Eventually(t, func() bool {
		return reg.IsConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)

	// Stay silent; the sweep must close the session after a full interval.
	require.Eventually(t, func() bool {
		return !reg.IsConnected("alice")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHeartbeatKeepsResponsiveSessions(t *testing.T) {
	reg, _, ts := newTestRegistry(t, Options{HeartbeatInterval: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.RunHeartbeat(ctx)

	ws := dial(t, ts)
	defer ws.Close()
	initAs(t, ws, "alice")

	// Answer pings for several sweep intervals.
	done := time.After(500 * time.Millisecond)
	for {
		select {
		case <-done:
			assert.True(t, reg.IsConnected("alice"))
			return
		default:
		}
		ws.SetReadDeadline(time.Now().Add(time.Second))
		var msg ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "ping" {
			require.NoError(t, ws.WriteJSON(ClientMessage{Type: "pong"}))
		}
	}
}

func TestSendToUnknownConn(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Options{})
	err := reg.Send("no-such-conn", ServerMessage{Type: "execute"})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestCloseAccount(t *testing.T) {
	reg, st, ts := newTestRegistry(t, Options{})

	ws := dial(t, ts)
	defer ws.Close()
	initAs(t, ws, "alice")
	require.Eventually(t, func() bool {
		return reg.IsConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)

	reg.CloseAccount("alice")
	assert.False(t, reg.IsConnected("alice"))

	sess, err := st.Get("alice")
	require.NoError(t, err)
	assert.False(t, sess.Visible)
}
