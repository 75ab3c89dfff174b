package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

// NewHandler creates the WebSocket HTTP handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, log: log}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.log)
	h.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames. Clients are receive-only; the pump
// exists to service control frames and to notice the peer going away.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pushes broadcast frames and keepalive pings to the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Forwarder relays every named bus event into the hub.
type Forwarder struct {
	subs []bus.Subscription
}

// NewForwarder subscribes to every named subject and feeds the hub.
func NewForwarder(eventBus bus.EventBus, hub *Hub) (*Forwarder, error) {
	f := &Forwarder{}
	relay := func(ctx context.Context, event *bus.Event) error {
		hub.BroadcastEvent(event)
		return nil
	}
	for _, subject := range events.AllSubjects() {
		sub, err := eventBus.Subscribe(subject, relay)
		if err != nil {
			_ = f.Stop()
			return nil, err
		}
		f.subs = append(f.subs, sub)
	}
	return f, nil
}

// Stop detaches the forwarder from the bus.
func (f *Forwarder) Stop() error {
	var first error
	for _, sub := range f.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetupWebSocketRoutes registers the streaming endpoint.
func SetupWebSocketRoutes(router *gin.RouterGroup, hub *Hub, log *logger.Logger) {
	handler := NewHandler(hub, log)
	router.GET("/ws", handler.HandleWebSocket)
}
