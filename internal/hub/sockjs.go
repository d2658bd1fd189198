package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/sirupsen/logrus"
)

// SockJSHandler serves browsers that cannot hold a raw websocket. prefix is the mount
// path, e.g. "/realtime".
func (h *Hub) SockJSHandler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := NewClient(uuid.NewString())
		if req := session.Request(); req != nil {
			client.Subscription.PoliID = req.URL.Query().Get("poli_id")
		}
		h.Register(client)
		defer h.Unregister(client)
		h.logger.WithFields(logrus.Fields{"module": "hub", "client_id": client.ID, "transport": "sockjs"}).Info("client connected")

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			h.handleMessage(client, []byte(msg))
		}
	})
}
