package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/pkg/logger"
)

// Message types pushed to clients
const (
	MessageTypeReflectionTranscribed = "reflection_transcribed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Message represents a WebSocket message
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type envelope struct {
	userID  int64
	message *Message
}

// Client is one authenticated WebSocket connection
type Client struct {
	conn   *websocket.Conn
	send   chan *Message
	server *Server
	userID int64
}

// Server fans messages out to the connections of a single user. A user only
// ever receives events about their own reflections.
type Server struct {
	clients    map[int64]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	publish    chan envelope
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewServer creates a new WebSocket server. allowedOrigins may contain "*".
func NewServer(allowedOrigins []string, log *logger.Logger) *Server {
	return &Server{
		clients:    make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan envelope, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: log.Named("web-socket"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil // same-origin only
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run dispatches messages until ctx is cancelled, then closes every client
func (s *Server) Run(ctx context.Context) {
	s.logger.Info("Starting WebSocket server")
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for _, set := range s.clients {
				for client := range set {
					close(client.send)
				}
			}
			s.clients = make(map[int64]map[*Client]bool)
			s.mu.Unlock()
			s.logger.Info("WebSocket server stopped")
			return

		case client := <-s.register:
			s.mu.Lock()
			set, ok := s.clients[client.userID]
			if !ok {
				set = make(map[*Client]bool)
				s.clients[client.userID] = set
			}
			set[client] = true
			s.mu.Unlock()
			s.logger.Debug("Client registered", logger.Int64("user_id", client.userID), logger.Int("user_clients", len(set)))

		case client := <-s.unregister:
			s.remove(client)

		case env := <-s.publish:
			s.mu.RLock()
			var slow []*Client
			for client := range s.clients[env.userID] {
				select {
				case client.send <- env.message:
				default:
					slow = append(slow, client)
				}
			}
			s.mu.RUnlock()

			for _, client := range slow {
				s.logger.Warn("Dropping slow WebSocket client", logger.Int64("user_id", client.userID))
				s.remove(client)
			}
		}
	}
}

func (s *Server) remove(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.clients[client.userID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(s.clients, client.userID)
	}
	close(client.send)
	s.logger.Debug("Client unregistered", logger.Int64("user_id", client.userID))
}

// ClientCount returns the number of open connections for a user
func (s *Server) ClientCount(userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[userID])
}

// HandleConnection upgrades the request and attaches the connection to userID.
// The caller is responsible for authenticating the request first.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan *Message, sendBuffer),
		server: s,
		userID: userID,
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// PublishToUser queues a message for every connection of userID. It never
// blocks once the server has stopped.
func (s *Server) PublishToUser(userID int64, message *Message) {
	select {
	case s.publish <- envelope{userID: userID, message: message}:
	case <-s.done:
	}
}

// ReflectionTranscribed tells the owner that their reflection has a transcript
func (s *Server) ReflectionTranscribed(record *sqlite.ReflectionRecord) {
	s.PublishToUser(record.UserID, &Message{
		Type: MessageTypeReflectionTranscribed,
		Data: map[string]any{"reflection": record},
	})
}

// readPump only watches for the connection closing; clients send nothing we act on
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.server.logger.Error("Failed to marshal message", logger.Error(err))
				continue
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
