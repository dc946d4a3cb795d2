package orchestration

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mwork/depth-orchestrator/internal/events"
)

// Realtime connection tunables, copied verbatim from the teacher's
// chat.Handler websocket constants (internal/domain/chat/handler.go).
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscribe handles `GET /ws`: the realtime bridge for §4.8's `subscribe`
// operation. Grounded on chat.Handler.WebSocket/wsReader/wsWriter, with the
// room/auth-specific logic stripped since the Event Bus has no per-room
// concept — every subscriber receives every channel.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("realtime: upgrade failed")
		return
	}

	sub := h.svc.Subscribe(r.Context())

	go wsWriter(conn, sub)
	wsReader(conn, h.svc, sub)
}

// wsReader pumps inbound frames until the connection closes. The Event Bus
// accepts no inbound commands today (§4.6 describes a purely server-push
// channel), so this loop exists only to keep the read deadline/pong
// handling alive and to detect the peer going away.
func wsReader(conn *websocket.Conn, svc *Service, sub *events.Subscriber) {
	defer func() {
		svc.Unsubscribe(sub.ID)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("realtime: read error")
			}
			break
		}
	}
}

// wsWriter pumps Event Bus messages out to the subscriber, pinging on an
// idle ticker exactly like chat.Handler.wsWriter.
func wsWriter(conn *websocket.Conn, sub *events.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
