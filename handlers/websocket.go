package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"jobchat/metrics"
	"jobchat/middleware"
	"jobchat/models"
	"jobchat/socket"
)

const (
	authWait   = 10 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client is one connected socket session, over either transport.
type Client struct {
	ID          string
	Participant models.Participant
	Transport   string
	Send        chan []byte

	lastSeen  time.Time
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(p models.Participant, transport string) *Client {
	return &Client{
		ID:          uuid.NewString(),
		Participant: p,
		Transport:   transport,
		Send:        make(chan []byte, sendBuffer),
		lastSeen:    time.Now(),
		done:        make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// close signals the client's goroutines to stop. Send is never closed so
// concurrent writers cannot panic.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues a frame, waiting for buffer space unless the client is gone.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	case <-c.done:
		return false
	}
}

// Hub maintains the set of active clients and their job rooms
type Hub struct {
	clients    map[*Client]string // client -> joined job
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan BroadcastPayload
	mutex      sync.RWMutex
	metrics    *metrics.DevServer
	log        log.FieldLogger
	stopped    chan struct{}
}

// BroadcastPayload is a frame addressed to every client in a job room.
type BroadcastPayload struct {
	JobID   string
	Message []byte
}

// NewHub returns a hub; Run must be running for registrations and broadcasts to be processed.
func NewHub(m *metrics.DevServer, logger log.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]string),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastPayload, 256),
		metrics:    m,
		log:        logger,
		stopped:    make(chan struct{}),
	}
}

// Run processes hub events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.close()
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			if _, ok := h.clients[client]; !ok {
				h.clients[client] = ""
			}
			h.mutex.Unlock()
			h.metrics.Clients.WithLabelValues(client.Transport).Inc()
			h.log.WithFields(log.Fields{"client": client.ID, "participant": client.Participant.ID, "transport": client.Transport}).Info("client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if room, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.leave(client, room)
				h.metrics.Clients.WithLabelValues(client.Transport).Dec()
			}
			h.mutex.Unlock()
			client.close()
			h.log.WithField("client", client.ID).Info("client disconnected")

		case payload := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.rooms[payload.JobID] {
				select {
				case client.Send <- payload.Message:
				default:
					h.log.WithField("client", client.ID).Warn("send buffer full, dropping client")
					client.close()
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// Register adds a client. A client registered after the hub stopped is closed.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
		c.close()
	}
}

// Unregister removes a client from the hub and its room.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
		c.close()
	}
}

// Join moves c into jobID's room, leaving any previous room.
func (h *Hub) Join(c *Client, jobID string) {
	select {
	case <-c.done:
		return
	default:
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	// Join may run before Run has processed the registration.
	prev := h.clients[c]
	if prev == jobID {
		return
	}
	h.leave(c, prev)
	if h.rooms[jobID] == nil {
		h.rooms[jobID] = make(map[*Client]bool)
	}
	h.rooms[jobID][c] = true
	h.clients[c] = jobID
}

func (h *Hub) leave(c *Client, jobID string) {
	if jobID == "" {
		return
	}
	delete(h.rooms[jobID], c)
	if len(h.rooms[jobID]) == 0 {
		delete(h.rooms, jobID)
	}
}

// Room returns the job c has joined, or "".
func (h *Hub) Room(c *Client) string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.clients[c]
}

// RoomSize returns the number of clients in jobID's room.
func (h *Hub) RoomSize(jobID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[jobID])
}

// Emit sends event with payload to every client in jobID's room.
func (h *Hub) Emit(jobID, event string, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- BroadcastPayload{JobID: jobID, Message: data}:
		return nil
	case <-h.stopped:
		return errors.New("hub stopped")
	}
}

// HandleWebSocket handles WebSocket connections. The participant comes from
// the bearer header or token query, else from the auth frame every client sends first.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade error")
		return
	}

	participant, ok := middleware.GetParticipantFromContext(r)
	conn.SetReadDeadline(time.Now().Add(authWait))
	var auth models.Envelope
	if err := conn.ReadJSON(&auth); err != nil || auth.Event != models.EventAuth {
		s.rejectWebSocket(conn, "expected auth frame")
		return
	}
	conn.SetReadDeadline(time.Time{})
	if !ok {
		var payload models.AuthPayload
		_ = json.Unmarshal(auth.Payload, &payload)
		participant, ok = s.auth.Authenticate(payload.Token)
	}
	if !ok {
		s.rejectWebSocket(conn, "unauthorized")
		return
	}

	client := newClient(participant, socket.TransportWebSocket)
	hello, _ := models.NewEnvelope(models.EventConnect, models.ConnectPayload{SID: client.ID})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return
	}

	s.hub.Register(client)

	// Start goroutines for reading and writing
	go client.writePump(conn)
	go s.readPump(client, conn)
}

func (s *Server) rejectWebSocket(conn *websocket.Conn, message string) {
	env, _ := models.NewEnvelope(models.EventConnectError, models.ErrorPayload{Message: message})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(env)
	conn.Close()
}

func (s *Server) readPump(c *Client, conn *websocket.Conn) {
	defer func() {
		s.hub.Unregister(c)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Warn("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		s.handleFrame(c, env)
	}
}

func (c *Client) writePump(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case message := <-c.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
