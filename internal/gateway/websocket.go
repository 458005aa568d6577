// ABOUTME: Websocket endpoint upgrading clients into relay connections
// ABOUTME: Identity comes from the X-User-Id header at upgrade or from the first frame

package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/2389/cohora-gateway/internal/auth"
	"github.com/2389/cohora-gateway/internal/relay"
)

// Relay clients are agents and CLIs, not browsers, so any origin is accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket serves GET /ws. A request carrying X-User-Id is
// authenticated before the upgrade so an unknown id gets a plain 401;
// without the header the client must send an auth frame within the auth
// timeout. With a JWT secret configured both paths need a token.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claimed string
	if r.Header.Get(auth.HeaderUserID) != "" {
		id, err := auth.Authenticate(r, g.users, g.tokenVerifier(), g.authOptions())
		if err != nil {
			g.metrics.Authentication("rejected")
			g.sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		claimed = id.UserID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(g.bodyLimit())

	c := g.manager.Accept(relay.NewWebSocketTransport(conn))
	if claimed != "" {
		if err := g.manager.Authenticate(g.serveCtx, c, claimed); err != nil {
			g.logger.Warn("websocket authentication failed", "user_id", claimed, "error", err)
			return
		}
	}

	if err := g.manager.Serve(g.serveCtx, c); err != nil && !errors.Is(err, relay.ErrAuth) {
		g.logger.Debug("relay connection ended", "remote_addr", r.RemoteAddr, "error", err)
	}
}
