package http

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Hub fans event notifications out to connected websocket clients. The
// payload carries only the event type; clients re-fetch state over the REST
// API, so a dropped or late message costs nothing but an extra fetch.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	log   *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{conns: map[*websocket.Conn]struct{}{}, log: log}
}

// Register mounts the websocket endpoint on the app.
func (h *Hub) Register(app *fiber.App, path string) {
	app.Use(path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(path, websocket.New(h.serve))
}

func (h *Hub) serve(c *websocket.Conn) {
	h.add(c)
	defer h.remove(c)

	// Reads are discarded; the socket exists for server pushes. The read loop
	// still runs so close frames and errors are noticed.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends the event type to every connected client. Failed writes
// drop the connection.
func (h *Hub) Broadcast(eventType string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		if err := conn.WriteJSON(fiber.Map{"type": eventType}); err != nil {
			h.log.Debug("dropping websocket client", zap.Error(err))
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	h.log.Debug("websocket client connected", zap.Int("clients", len(h.conns)))
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	c.Close()
}
