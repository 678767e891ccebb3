package eventsink

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSFanout is a Sink that broadcasts every Event to all connected
// websocket subscribers, grounded in pkg/webui/websocket.go's
// WSClient/writePump/readPump pattern.
type WSFanout struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	log     *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewWSFanout constructs an empty fanout sink.
func NewWSFanout(log *slog.Logger) *WSFanout {
	return &WSFanout{clients: make(map[*wsClient]struct{}), log: log}
}

// HandleWebSocket upgrades the request and registers the connection as
// a subscriber.
func (f *WSFanout) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{conn: conn, send: make(chan Event, 256)}

	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	go f.writePump(c)
	go f.readPump(c)
}

// Publish fans an event out to every connected client without blocking:
// a subscriber whose send buffer is full is skipped for this event.
func (f *WSFanout) Publish(evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- evt:
		default:
			f.log.Warn("websocket subscriber send buffer full, dropping event", "event_type", evt.Type)
		}
	}
}

// Close disconnects every subscriber.
func (f *WSFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		close(c.send)
		delete(f.clients, c)
	}
	return nil
}

func (f *WSFanout) writePump(c *wsClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *WSFanout) readPump(c *wsClient) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.log.Debug("websocket subscriber closed unexpectedly", "error", err)
			}
			return
		}
		// Subscribers are read-only consumers; inbound frames are discarded.
	}
}
