package hub

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Displays are served from other origins on the hospital LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketHandler serves display clients over a plain websocket.
func (h *Hub) WebsocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.WithField("module", "hub").WithError(err).Warn("websocket upgrade failed")
			return
		}
		client := NewClient(uuid.NewString())
		if poliID := r.URL.Query().Get("poli_id"); poliID != "" {
			client.Subscription.PoliID = poliID
		}
		h.Register(client)
		h.logger.WithFields(logrus.Fields{"module": "hub", "client_id": client.ID, "transport": "websocket"}).Info("client connected")

		go h.writePump(conn, client)
		go h.readPump(conn, client)
	})
}

func (h *Hub) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		h.Unregister(client)
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(client, data)
	}
}

func (h *Hub) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
