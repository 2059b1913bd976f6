package broadcast

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades the request and streams updates for the user named
// by the "user" query parameter.
func HandleWebSocket(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		NewClient(hub, conn, userID).Run(r.Context())
	}
}
