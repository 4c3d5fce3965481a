package web

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts any origin. Remote script clients connect without a
// browser origin header, and the token check already gates the upgrade.
func allowWSOrigin(r *http.Request) bool {
	return true
}

// handleSessionWS upgrades the connection and hands it to the registry,
// which runs the session protocol until the peer goes away.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		webLog.Warn("ws_upgrade_failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.deps.Registry.HandleConn(ws)
}
