// Package registry owns the live WebSocket sessions opened by remote
// script-capable clients and the mapping from account to open connections.
//
// A session is anonymous until it sends an init message naming its account.
// Many sessions may bind to the same account (reconnect races); all are
// retained until closed. Liveness is tracked by a periodic ping sweep: a
// session that stays silent for a full interval is forcibly closed.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetdeck/fleetdeck/internal/logging"
	"github.com/fleetdeck/fleetdeck/internal/store"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// ErrConnClosed is returned when sending on a connection that is gone.
var ErrConnClosed = errors.New("connection closed")

// ClientMessage is the inbound session envelope.
type ClientMessage struct {
	Type        string          `json:"type"`
	AccountName string          `json:"accountName,omitempty"`
	PlaceID     json.Number     `json:"placeId,omitempty"`
	Timestamp   float64         `json:"timestamp,omitempty"`
	ExecID      string          `json:"execId,omitempty"`
	Success     bool            `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ServerMessage is the outbound session envelope.
type ServerMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success,omitempty"`
	ExecID  string `json:"execId,omitempty"`
	Script  string `json:"script,omitempty"`
	Message string `json:"message,omitempty"`
}

// conn is one live session. The write mutex serializes frames; gorilla
// conns do not support concurrent writers.
type conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	account  string
	lastSeen time.Time
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *conn) boundAccount() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Options tunes the registry.
type Options struct {
	// HeartbeatInterval is the ping sweep cadence; a session silent for a
	// full interval is closed (default 30s).
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	return o
}

// Registry is the connection table. Session handles are owned here and only
// ever referenced, never mutated, by other components.
type Registry struct {
	store *store.Store
	opts  Options

	mu        sync.RWMutex
	conns     map[string]*conn
	byAccount map[string]map[string]*conn
}

// New creates a registry over the session store.
func New(st *store.Store, opts Options) *Registry {
	return &Registry{
		store:     st,
		opts:      opts.withDefaults(),
		conns:     make(map[string]*conn),
		byAccount: make(map[string]map[string]*conn),
	}
}

// HandleConn runs the read loop for one upgraded WebSocket until the peer
// disconnects or the sweep closes it. Blocks; call from the HTTP handler
// goroutine.
func (r *Registry) HandleConn(ws *websocket.Conn) {
	c := &conn{id: uuid.NewString(), ws: ws, lastSeen: time.Now()}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	regLog.Debug("session_opened", slog.String("conn_id", c.id))
	defer r.closeConn(c)

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				regLog.Warn("session_closed_unexpectedly",
					slog.String("conn_id", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		c.touch()

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Malformed input gets an error envelope; the connection
			// stays open unless it also fails the heartbeat.
			_ = c.writeJSON(ServerMessage{Type: "error", Message: "invalid json payload"})
			continue
		}
		r.handleMessage(c, msg)
	}
}

func (r *Registry) handleMessage(c *conn, msg ClientMessage) {
	switch msg.Type {
	case "init":
		if msg.AccountName == "" {
			_ = c.writeJSON(ServerMessage{Type: "error", Message: "init requires accountName"})
			return
		}
		// Ack before the session becomes routable so no command can
		// race ahead of the handshake.
		_ = c.writeJSON(ServerMessage{Type: "init_ack", Success: true})
		r.bind(c, msg.AccountName, msg.PlaceID.String())
	case "ping":
		_ = c.writeJSON(ServerMessage{Type: "pong"})
	case "pong":
		// touch() above already refreshed liveness
	case "exec_result":
		// Fire-and-forget delivery: results are observed by execId in the
		// log, never stored.
		attrs := []any{
			slog.String("conn_id", c.id),
			slog.String("account", c.boundAccount()),
			slog.String("exec_id", msg.ExecID),
			slog.Bool("success", msg.Success),
		}
		if msg.Error != "" {
			attrs = append(attrs, slog.String("error", msg.Error))
		} else if len(msg.Result) > 0 {
			attrs = append(attrs, slog.String("result", string(msg.Result)))
		}
		regLog.Info("exec_result", attrs...)
	default:
		_ = c.writeJSON(ServerMessage{Type: "error", Message: "unsupported message type"})
	}
}

// bind attaches an anonymous session to an account and marks the account
// visible. Rebinding an already-bound session moves it.
func (r *Registry) bind(c *conn, account, placeID string) {
	c.mu.Lock()
	prev := c.account
	c.account = account
	c.mu.Unlock()

	r.mu.Lock()
	if prev != "" && prev != account {
		r.detachLocked(prev, c.id)
	}
	set, ok := r.byAccount[account]
	if !ok {
		set = make(map[string]*conn)
		r.byAccount[account] = set
	}
	set[c.id] = c
	r.mu.Unlock()

	if prev != "" && prev != account {
		_ = r.store.Update(prev, func(s *store.AccountSession) {
			delete(s.ConnIDs, c.id)
		})
	}
	r.store.Upsert(account, func(s *store.AccountSession) {
		s.ConnIDs[c.id] = struct{}{}
		if placeID != "" && placeID != "0" {
			s.PlaceID = placeID
		}
	})
	regLog.Info("session_bound",
		slog.String("conn_id", c.id),
		slog.String("account", account))
}

func (r *Registry) detachLocked(account, connID string) {
	if set, ok := r.byAccount[account]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byAccount, account)
		}
	}
}

// closeConn tears down a session: closes the socket, removes it from the
// table, and clears the account's visible flag when it was the last open
// connection. Classification is left untouched; visibility and health are
// independent signals.
func (r *Registry) closeConn(c *conn) {
	_ = c.ws.Close()

	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.id)
	account := c.boundAccount()
	if account != "" {
		r.detachLocked(account, c.id)
	}
	r.mu.Unlock()

	if account != "" {
		_ = r.store.Update(account, func(s *store.AccountSession) {
			delete(s.ConnIDs, c.id)
		})
	}
	regLog.Debug("session_removed",
		slog.String("conn_id", c.id),
		slog.String("account", account))
}

// IsConnected reports whether account has at least one open session.
func (r *Registry) IsConnected(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAccount[account]) > 0
}

// ConnsFor returns the open connection ids bound to account.
func (r *Registry) ConnsFor(account string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byAccount[account]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ConnectedAccounts returns every account with at least one open session.
func (r *Registry) ConnectedAccounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byAccount))
	for account := range r.byAccount {
		out = append(out, account)
	}
	return out
}

// Send writes v to a specific connection.
func (r *Registry) Send(connID string, v any) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnClosed
	}
	return c.writeJSON(v)
}

// CloseAccount closes every open session bound to account.
func (r *Registry) CloseAccount(account string) {
	r.mu.RLock()
	set := r.byAccount[account]
	conns := make([]*conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.closeConn(c)
	}
}

// RunHeartbeat pings all open sessions every interval and closes any that
// have stayed silent for a full interval. Blocks until ctx is cancelled.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.opts.HeartbeatInterval)

	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if c.seen().Before(cutoff) {
			regLog.Info("session_timed_out",
				slog.String("conn_id", c.id),
				slog.String("account", c.boundAccount()))
			r.closeConn(c)
			continue
		}
		if err := c.writeJSON(ServerMessage{Type: "ping"}); err != nil {
			r.closeConn(c)
		}
	}
}

// Close tears down every open session.
func (r *Registry) Close() {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.closeConn(c)
	}
}
