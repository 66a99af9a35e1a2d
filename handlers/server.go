// Package handlers implements the development chat backend: the socket
// endpoint over both transports, job rooms, and the REST history route.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"jobchat/database"
	"jobchat/metrics"
	"jobchat/middleware"
	"jobchat/models"
	"jobchat/socket"
)

const storeTimeout = 5 * time.Second

// Config wires a Server to its dependencies.
type Config struct {
	Store   *database.Store
	Auth    *middleware.Authenticator
	Metrics *metrics.DevServer
	Logger  log.FieldLogger
	// SocketPath defaults to socket.DefaultPath.
	SocketPath string
	// MetricsHandler, when set, is served at /metrics.
	MetricsHandler http.Handler
}

// Server is the development backend.
type Server struct {
	hub     *Hub
	store   *database.Store
	auth    *middleware.Authenticator
	metrics *metrics.DevServer
	log     log.FieldLogger
	router  *mux.Router

	sessionsMu sync.Mutex
	sessions   map[string]*Client
}

// NewServer builds a Server and its routes. Run must be started before clients connect.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewDevServer(nil)
	}
	if cfg.Auth == nil {
		cfg.Auth = middleware.NewAuthenticator(nil)
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = socket.DefaultPath
	}
	s := &Server{
		hub:      NewHub(cfg.Metrics, cfg.Logger),
		store:    cfg.Store,
		auth:     cfg.Auth,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		sessions: make(map[string]*Client),
	}

	r := mux.NewRouter()
	r.Handle(cfg.SocketPath, s.auth.OptionalAuth(http.HandlerFunc(s.HandleWebSocket))).
		Queries("transport", socket.TransportWebSocket)
	r.Handle(cfg.SocketPath, s.auth.OptionalAuth(http.HandlerFunc(s.HandlePolling))).
		Queries("transport", socket.TransportPolling)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Auth)
	api.HandleFunc("/jobs/{jobId}/messages", s.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}/messages", s.SendMessage).Methods(http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the server's room hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run processes hub events and expires idle polling sessions until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.reapPolling(ctx)
	s.hub.Run(ctx)
}

// handleFrame dispatches one client frame. Replies go through the client's send queue.
func (s *Server) handleFrame(c *Client, env models.Envelope) {
	switch env.Event {
	case models.EventJoin:
		s.ack(c, env, s.join(c, env.Payload))
	case models.EventSend:
		s.ack(c, env, s.send(c, env.Payload))
	case models.EventAuth:
		// Repeated auth frames are ignored.
	default:
		reply, _ := models.NewEnvelope(models.EventError, models.ErrorPayload{Message: "unknown event " + env.Event})
		s.reply(c, reply)
	}
}

func (s *Server) join(c *Client, raw json.RawMessage) models.JoinAck {
	var req models.JoinRequest
	_ = json.Unmarshal(raw, &req)
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		s.metrics.Joins.WithLabelValues("rejected").Inc()
		return models.JoinAck{OK: false, Message: "jobId is required"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	threadID, err := s.store.EnsureThread(ctx, jobID)
	if err != nil {
		s.log.WithError(err).WithField("job", jobID).Error("failed to resolve thread")
		s.metrics.Joins.WithLabelValues("error").Inc()
		return models.JoinAck{OK: false, Message: "unable to open job chat"}
	}
	s.hub.Join(c, jobID)
	s.metrics.Joins.WithLabelValues("ok").Inc()
	s.log.WithFields(log.Fields{"client": c.ID, "job": jobID}).Debug("client joined job")
	return models.JoinAck{OK: true, ThreadID: threadID}
}

func (s *Server) send(c *Client, raw json.RawMessage) models.SendAck {
	var req models.SendRequest
	_ = json.Unmarshal(raw, &req)
	jobID := strings.TrimSpace(req.JobID)
	text := strings.TrimSpace(req.Text)
	if jobID == "" || text == "" {
		return failedSend("jobId and text are required")
	}
	if s.hub.Room(c) != jobID {
		return failedSend("join the job chat before sending")
	}
	if _, err := s.publish(jobID, c.Participant, text); err != nil {
		s.log.WithError(err).WithField("job", jobID).Error("failed to store message")
		return failedSend("failed to send message")
	}
	ok := true
	return models.SendAck{OK: &ok}
}

// publish stores a message and broadcasts it to the job's room.
func (s *Server) publish(jobID string, sender models.Participant, text string) (models.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	msg, err := s.store.CreateMessage(ctx, jobID, sender, text)
	if err != nil {
		return msg, err
	}
	s.metrics.Messages.Inc()
	if err := s.hub.Emit(jobID, models.EventMessage, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func failedSend(message string) models.SendAck {
	ok := false
	return models.SendAck{OK: &ok, Message: message}
}

func (s *Server) ack(c *Client, req models.Envelope, payload interface{}) {
	if req.ID == "" {
		return
	}
	reply, err := models.NewEnvelope(models.EventAck, payload)
	if err != nil {
		return
	}
	reply.Ack = req.ID
	s.reply(c, reply)
}

func (s *Server) reply(c *Client, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(data)
}
