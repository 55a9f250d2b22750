package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wxclaw/wxclaw/pkg/bus"
	"github.com/wxclaw/wxclaw/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	clientBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is what clients receive for every inbound message.
type Frame struct {
	Type    string             `json:"type"`
	Message bus.InboundMessage `json:"message"`
}

// SendRequest is what clients write to have a message delivered.
type SendRequest struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub streams inbound bus traffic to websocket clients and turns client
// frames into outbound messages. It is the bus's inbound consumer.
type Hub struct {
	bus            *bus.MessageBus
	defaultChannel string

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	count      atomic.Int32
}

func NewHub(messageBus *bus.MessageBus, defaultChannel string) *Hub {
	return &Hub{
		bus:            messageBus,
		defaultChannel: defaultChannel,
		clients:        make(map[*client]struct{}),
		register:       make(chan *client),
		unregister:     make(chan *client),
		broadcast:      make(chan []byte, clientBuffer),
	}
}

// Run owns the client set until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	go h.consumeInbound(ctx)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(0)
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			logger.DebugCF("gateway", "Websocket client registered", map[string]interface{}{
				"remote":  c.conn.RemoteAddr().String(),
				"clients": len(h.clients),
			})
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.count.Store(int32(len(h.clients)))
			}
		case data := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					logger.WarnCF("gateway", "Websocket client too slow, dropping", map[string]interface{}{
						"remote": c.conn.RemoteAddr().String(),
					})
					delete(h.clients, c)
					close(c.send)
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

func (h *Hub) consumeInbound(ctx context.Context) {
	for {
		msg, ok := h.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		data, err := json.Marshal(Frame{Type: "inbound", Message: msg})
		if err != nil {
			logger.ErrorCF("gateway", "Failed to encode inbound frame", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		select {
		case h.broadcast <- data:
		case <-ctx.Done():
			return
		}
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "Websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(ctx)
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req SendRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnCF("gateway", "Websocket read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
		c.hub.publish(ctx, req)
	}
}

func (h *Hub) publish(ctx context.Context, req SendRequest) {
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = h.defaultChannel
	}
	if strings.TrimSpace(req.ChatID) == "" {
		logger.WarnC("gateway", "Dropping send frame without chat_id")
		return
	}
	h.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:  channel,
		ChatID:   req.ChatID,
		Content:  req.Content,
		Media:    req.Media,
		Metadata: req.Metadata,
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
