package progress

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeRoom upgrades r to a websocket connection and streams every frame
// published to room until the client disconnects (spec §6.3, teacher:
// gateway/ws_control_plane.go's upgrade-then-pump-loop shape).
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, room string) error {
	return h.serve(w, r, h.JoinRoom(room))
}

// ServeSession upgrades r and streams session-scoped push events (spec
// §6.3 "Consumers join by session id").
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) error {
	return h.serve(w, r, h.JoinSession(sessionID))
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, sub *Subscriber) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		return err
	}
	go h.pump(conn, sub)
	return nil
}

func (h *Hub) pump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Debug("progress ws write failed, closing", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// MarshalFrame is a test/debug helper that round-trips a Frame through
// JSON the same way the wire encoding does.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
