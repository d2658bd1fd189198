package hub

import (
	"context"
	"encoding/json"
	"sync"

	"simrs/internal/broadcast"

	"github.com/sirupsen/logrus"
)

const sendBuffer = 256

// Subscription narrows the events a client receives. Empty fields match everything.
type Subscription struct {
	PoliID   string
	DoctorID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  logrus.FieldLogger
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	PoliID   string `json:"poli_id"`
	DoctorID string `json:"doctor_id"`
}

func New(logger logrus.FieldLogger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func NewClient(id string) *Client {
	return &Client{ID: id, Send: make(chan []byte, sendBuffer)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast never blocks: a client whose buffer is full misses the message.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.WithFields(logrus.Fields{"module": "hub", "client_id": client.ID}).Warn("drop message for slow client")
		}
	}
}

// Publish makes the hub a broadcast.Publisher for single-instance deployments and
// for the Redis relay.
func (h *Hub) Publish(ctx context.Context, event broadcast.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.Broadcast(payload, Subscription{PoliID: event.PoliID, DoctorID: event.DoctorID})
	return nil
}

// handleMessage applies a subscribe or unsubscribe request; other messages are ignored.
func (h *Hub) handleMessage(client *Client, data []byte) {
	msg, ok := ParseSubscribe(data)
	if !ok {
		return
	}
	if msg.Action == "unsubscribe" {
		h.UpdateSubscription(client, Subscription{})
		return
	}
	h.UpdateSubscription(client, Subscription{PoliID: msg.PoliID, DoctorID: msg.DoctorID})
}

func match(sub Subscription, meta Subscription) bool {
	if sub.PoliID != "" && meta.PoliID != sub.PoliID {
		return false
	}
	if sub.DoctorID != "" && meta.DoctorID != sub.DoctorID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

var _ broadcast.Publisher = (*Hub)(nil)
