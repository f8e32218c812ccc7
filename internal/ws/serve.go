package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"teamspace-ws/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Validate origin in production
		return true
	},
}

// ServeWS returns the handshake handler for GET /ws/rooms/{roomID}. The
// credential is validated before anything is registered; a rejected client is
// closed with a policy-violation code over the upgraded socket so browser
// clients can read the reason, and is never partially registered.
func ServeWS(hub *Hub, authn auth.Authenticator, cursorMinInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if roomID == "" {
			http.Error(w, "room id required", http.StatusBadRequest)
			return
		}

		token := auth.ExtractToken(r)
		identity, authErr := authn.Validate(token)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("[WS] Failed to upgrade connection", "room", roomID, "error", err)
			return
		}

		if authErr != nil {
			slog.Warn("[WS] Rejecting connection", "room", roomID, "from", r.RemoteAddr, "error", authErr)
			closePolicyViolation(conn, "authentication failed")
			return
		}

		slog.Info("[WS] Connection authenticated", "room", roomID, "user", identity.UserID, "from", r.RemoteAddr)

		client := NewClient(hub, conn, roomID, identity.UserID, identity.Username, cursorMinInterval)
		hub.Connect(r.Context(), roomID, identity.UserID, identity.Username, client)

		// The request context dies when this handler returns; the pumps and
		// their cleanup must outlive it.
		go client.WritePump()
		go client.ReadPump(context.WithoutCancel(r.Context()))
	}
}

func closePolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}
