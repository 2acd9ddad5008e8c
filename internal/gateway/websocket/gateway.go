// Package websocket streams meeting status events to WebSocket clients.
package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/logger"
	"github.com/vexly/botmanager/internal/events"
	"github.com/vexly/botmanager/internal/events/bus"
	"github.com/vexly/botmanager/internal/meeting/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// Gateway upgrades HTTP connections and forwards the meeting's status
// subject to the client. Each connection holds its own bus subscription;
// there is no cross-connection state to coordinate.
type Gateway struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a gateway backed by the given event bus.
func New(b bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		bus:    b,
		logger: log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// RegisterRoutes adds the streaming endpoint to the router group.
func (g *Gateway) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/ws", g.Stream)
}

// Stream handles GET /ws?platform=...&native_meeting_id=...: it subscribes
// to the meeting's status subject and forwards every event verbatim.
func (g *Gateway) Stream(c *gin.Context) {
	platform := c.Query("platform")
	nativeID := c.Query("native_meeting_id")
	if _, ok := models.ParsePlatform(platform); !ok || nativeID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "platform and native_meeting_id are required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	log := g.logger.WithFields(
		zap.String("client_id", clientID),
		zap.String("platform", platform),
		zap.String("native_meeting_id", nativeID),
	)

	client := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: log,
	}

	subject := events.StatusSubject(platform, nativeID)
	sub, err := g.bus.Subscribe(subject, func(_ context.Context, _ string, data []byte) error {
		client.enqueue(data)
		return nil
	})
	if err != nil {
		log.Error("Failed to subscribe to status subject",
			zap.String("subject", subject), zap.Error(err))
		_ = conn.Close()
		return
	}

	log.Info("WebSocket client connected", zap.String("subject", subject))

	go client.writePump()
	go func() {
		client.readPump()
		if err := sub.Unsubscribe(); err != nil {
			log.Warn("Failed to unsubscribe", zap.Error(err))
		}
		log.Info("WebSocket client disconnected")
	}()
}

// client is one WebSocket connection with a buffered outbound queue.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *logger.Logger
}

// enqueue queues a payload for delivery, dropping it if the client cannot
// keep up. Status events are snapshots; the next one supersedes a drop.
func (cl *client) enqueue(data []byte) {
	select {
	case <-cl.done:
	case cl.send <- data:
	default:
		cl.logger.Warn("Dropping status event, client send buffer full")
	}
}

// readPump consumes inbound frames until the peer closes; clients send
// nothing meaningful, the pump only services close and pong handling.
func (cl *client) readPump() {
	defer func() {
		close(cl.done)
		_ = cl.conn.Close()
	}()

	cl.conn.SetReadLimit(1024)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards queued events to the peer and keeps the connection
// alive with pings.
func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case <-cl.done:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
