// -----------------------------------------------------------------------
// WebSocketHandler - dashboard event feed at /ws/events
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// WSMessage is the frame envelope sent to websocket clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler fans every progress bus event out to connected dashboard
// clients. Unlike the per-job SSE streams this feed carries all jobs.
type WebSocketHandler struct {
	logger      arbor.ILogger
	bus         interfaces.ProgressBus
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex
}

func NewWebSocketHandler(bus interfaces.ProgressBus, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		logger:      logger,
		bus:         bus,
		clients:     make(map[*websocket.Conn]bool),
		clientMutex: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Run subscribes to the bus feed and broadcasts until ctx is cancelled or
// the bus closes. Call from a goroutine at startup.
func (h *WebSocketHandler) Run(ctx context.Context) {
	events, cancel, err := h.bus.SubscribeAll(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to subscribe websocket hub to progress bus")
		return
	}
	defer cancel()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.logger.Debug().Msg("Progress bus feed closed, stopping websocket broadcasts")
				return
			}
			h.broadcast(event)
		case <-ctx.Done():
			return
		}
	}
}

// HandleWebSocket handles GET /ws/events
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	mutex := &sync.Mutex{}
	h.clientMutex[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendHello(conn, mutex)

	pingCtx, stopPing := context.WithCancel(r.Context())
	common.SafeGo(h.logger, "ws-ping", func() {
		h.pingLoop(pingCtx, conn, mutex)
	})

	defer func() {
		stopPing()

		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read loop keeps the connection alive and refreshes the deadline on pong
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn, mutex *sync.Mutex) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			mutex.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) sendHello(conn *websocket.Conn, mutex *sync.Mutex) {
	msg := WSMessage{
		Type: "connected",
		Payload: map[string]interface{}{
			"connected_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal hello message")
		return
	}

	mutex.Lock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()

	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send hello to client")
	}
}

// broadcast sends one bus event to every connected client. The frame is
// marshalled once; per-connection mutexes serialize writes with the ping loop.
func (h *WebSocketHandler) broadcast(event models.ProgressEvent) {
	msg := WSMessage{
		Type:    string(event.Type),
		Payload: event,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal progress event message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send progress event to client")
		}
	}
}

// ClientCount reports connected clients, used by tests and the ready probe
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
