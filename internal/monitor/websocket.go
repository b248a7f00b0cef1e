package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketManager fans status events (BroadcastStatus, fed by the
// server's status callback) and listener-ready events (BroadcastReady) out
// to every connected dashboard client.
type WebSocketManager struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
}

// WebSocketClient is a single connected dashboard.
type WebSocketClient struct {
	manager *WebSocketManager
	conn    *websocket.Conn
	send    chan WebSocketMessage
}

// WebSocketMessage is the envelope for every event pushed to clients.
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// NewWebSocketManager creates a manager. Call Start to begin its event loop.
func NewWebSocketManager() *WebSocketManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketManager{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the manager's event loop.
func (wsm *WebSocketManager) Start() {
	go wsm.run()
}

// Stop ends the event loop and disconnects every client.
func (wsm *WebSocketManager) Stop() {
	wsm.cancel()
	wsm.mu.Lock()
	for client := range wsm.clients {
		close(client.send)
		delete(wsm.clients, client)
	}
	wsm.mu.Unlock()
}

func (wsm *WebSocketManager) run() {
	for {
		select {
		case client := <-wsm.register:
			wsm.mu.Lock()
			wsm.clients[client] = true
			wsm.mu.Unlock()
			log.Info().Msg("monitor websocket client connected")

		case client := <-wsm.unregister:
			wsm.mu.Lock()
			if _, ok := wsm.clients[client]; ok {
				delete(wsm.clients, client)
				close(client.send)
			}
			wsm.mu.Unlock()
			log.Info().Msg("monitor websocket client disconnected")

		case message := <-wsm.broadcast:
			wsm.mu.RLock()
			clients := make([]*WebSocketClient, 0, len(wsm.clients))
			for client := range wsm.clients {
				clients = append(clients, client)
			}
			wsm.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					wsm.mu.Lock()
					delete(wsm.clients, client)
					close(client.send)
					wsm.mu.Unlock()
				}
			}

		case <-wsm.ctx.Done():
			return
		}
	}
}

// HandleWebSocket upgrades the request and starts the client's pumps.
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Hijacker); !ok {
		log.Error().Msg("monitor websocket: response does not implement http.Hijacker")
		http.Error(w, "WebSocket not supported", http.StatusInternalServerError)
		return
	}

	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("monitor websocket upgrade failed")
		return
	}

	client := &WebSocketClient{
		manager: wsm,
		conn:    conn,
		send:    make(chan WebSocketMessage, 256),
	}

	wsm.register <- client

	go client.writePump()
	go client.readPump()
}

// BroadcastStatus sends a status-callback event to every connected client.
func (wsm *WebSocketManager) BroadcastStatus(forwardID, kind string, errMsg string) {
	msg := WebSocketMessage{
		Type: "status",
		Payload: map[string]interface{}{
			"forward_id": forwardID,
			"kind":       kind,
			"error":      errMsg,
		},
		Time: time.Now(),
	}
	wsm.enqueue(msg)
}

// BroadcastReady sends a listener-ready event to every connected client.
func (wsm *WebSocketManager) BroadcastReady(forwardID, remoteHost string, remotePort int, listenHost string, listenPort int) {
	msg := WebSocketMessage{
		Type: "ready",
		Payload: map[string]interface{}{
			"forward_id":  forwardID,
			"remote_host": remoteHost,
			"remote_port": remotePort,
			"listen_host": listenHost,
			"listen_port": listenPort,
		},
		Time: time.Now(),
	}
	wsm.enqueue(msg)
}

func (wsm *WebSocketManager) enqueue(msg WebSocketMessage) {
	select {
	case wsm.broadcast <- msg:
	case <-time.After(100 * time.Millisecond):
		log.Warn().Msg("monitor websocket broadcast channel full, dropping message")
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.manager.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("monitor websocket read error")
			}
			break
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal monitor websocket message")
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Msg("monitor websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.manager.ctx.Done():
			return
		}
	}
}

// GetClientCount returns the number of connected clients.
func (wsm *WebSocketManager) GetClientCount() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.clients)
}
