package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"presencewatch/internal/feed"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const wsWriteWait = 10 * time.Second

type presenceMessage struct {
	Type     string        `json:"type"`
	Presence []feed.Status `json:"presence,omitempty"`
	Update   *feed.Status  `json:"update,omitempty"`
}

// handlePresenceWS sends the current snapshot, then one message per
// applied feed record until the client goes away.
func (s *Server) handlePresenceWS(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		writeError(w, http.StatusNotFound, "feed disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, cancel := s.Feed.Subscribe(32)
	defer cancel()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(presenceMessage{Type: "snapshot", Presence: s.Feed.Tracker().Snapshot()}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(presenceMessage{Type: "update", Update: &st}); err != nil {
				if s.Logger != nil {
					s.Logger.Debug("presence websocket write failed", "err", err)
				}
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
