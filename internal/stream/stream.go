package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/mycoool/goota/internal/types"
)

// StreamManager fans update-cycle events out to connected websocket
// clients. The update-applying event doubles as the quiesce signal for
// cooperating components.
type StreamManager struct {
	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
}

// global websocket manager instance
var Global = &StreamManager{
	clients: make(map[*websocket.Conn]bool),
}

// websocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local management surface, allow cross-origin
	},
}

// AddClient registers a websocket connection.
func (m *StreamManager) AddClient(conn *websocket.Conn) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	m.clients[conn] = true
}

// RemoveClient removes a websocket connection.
func (m *StreamManager) RemoveClient(conn *websocket.Conn) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	delete(m.clients, conn)
}

// Broadcast sends a message to all connected clients.
func (m *StreamManager) Broadcast(msgType string, data interface{}) {
	message := types.WSMessage{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return
	}

	var dead []*websocket.Conn

	m.clientsMux.RLock()
	for client := range m.clients {
		if err := client.WriteMessage(websocket.TextMessage, raw); err != nil {
			dead = append(dead, client)
		}
	}
	m.clientsMux.RUnlock()

	// drop failed connections after releasing the read lock
	for _, conn := range dead {
		m.RemoveClient(conn)
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (m *StreamManager) ClientCount() int {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()
	return len(m.clients)
}

// HandleWebSocket upgrades the request and parks the connection until
// the peer goes away.
func HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "WebSocket upgrade failed"})
		return
	}
	defer func() {
		Global.RemoveClient(conn)
		conn.Close()
	}()

	Global.AddClient(conn)
	log.Debugf("websocket client connected (%d total)", Global.ClientCount())

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
