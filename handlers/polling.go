package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"jobchat/middleware"
	"jobchat/models"
	"jobchat/socket"
)

const (
	maxPollFrames = 64
	maxFrameBytes = 1 << 20
	// pollIdle is how long a polling session may go without a request before it is dropped.
	pollIdle = 2 * socket.LongPollWait
)

// HandlePolling serves the long-polling transport. A POST without a sid opens
// a session; with a sid, GET polls for frames, POST delivers one frame and
// DELETE closes the session.
func (s *Server) HandlePolling(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusBadRequest, "sid is required")
			return
		}
		s.openPolling(w, r)
		return
	}

	c := s.session(sid)
	if c == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.poll(w, r, c)
	case http.MethodPost:
		var env models.Envelope
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFrameBytes)).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid frame")
			return
		}
		s.handleFrame(c, env)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		s.closePolling(c)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) openPolling(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var auth models.Envelope
	_ = json.NewDecoder(io.LimitReader(r.Body, maxFrameBytes)).Decode(&auth)
	participant, ok := middleware.GetParticipantFromContext(r)
	if !ok && auth.Event == models.EventAuth {
		var payload models.AuthPayload
		_ = json.Unmarshal(auth.Payload, &payload)
		participant, ok = s.auth.Authenticate(payload.Token)
	}
	if !ok {
		reply, _ := models.NewEnvelope(models.EventConnectError, models.ErrorPayload{Message: "unauthorized"})
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(reply)
		return
	}

	client := newClient(participant, socket.TransportPolling)
	s.sessionsMu.Lock()
	s.sessions[client.ID] = client
	s.sessionsMu.Unlock()
	s.hub.Register(client)

	reply, _ := models.NewEnvelope(models.EventConnect, models.ConnectPayload{SID: client.ID})
	json.NewEncoder(w).Encode(reply)
}

func (s *Server) session(sid string) *Client {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	c, ok := s.sessions[sid]
	if !ok {
		return nil
	}
	c.lastSeen = time.Now()
	return c
}

// poll holds the request until at least one frame is queued or the wait elapses.
func (s *Server) poll(w http.ResponseWriter, r *http.Request, c *Client) {
	timer := time.NewTimer(socket.LongPollWait)
	defer timer.Stop()

	var frames []json.RawMessage
	select {
	case data := <-c.Send:
		frames = append(frames, data)
	case <-timer.C:
	case <-r.Context().Done():
		return
	case <-c.Done():
		writeError(w, http.StatusNotFound, "session closed")
		return
	}
drain:
	for len(frames) > 0 && len(frames) < maxPollFrames {
		select {
		case data := <-c.Send:
			frames = append(frames, data)
		default:
			break drain
		}
	}

	s.session(c.ID)
	if len(frames) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frames)
}

func (s *Server) closePolling(c *Client) {
	s.sessionsMu.Lock()
	_, ok := s.sessions[c.ID]
	delete(s.sessions, c.ID)
	s.sessionsMu.Unlock()
	if ok {
		s.hub.Unregister(c)
	}
}

func (s *Server) reapPolling(ctx context.Context) {
	ticker := time.NewTicker(socket.LongPollWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var stale []*Client
			s.sessionsMu.Lock()
			for _, c := range s.sessions {
				select {
				case <-c.Done():
					stale = append(stale, c)
					continue
				default:
				}
				if now.Sub(c.lastSeen) > pollIdle {
					stale = append(stale, c)
				}
			}
			s.sessionsMu.Unlock()
			for _, c := range stale {
				s.log.WithField("client", c.ID).Info("expiring idle polling session")
				s.closePolling(c)
			}
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorPayload{Message: message})
}
