package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"jobchat/middleware"
	"jobchat/models"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

// GetMessages returns a job's full message history, oldest first.
// limit and offset page from the start of the history when given.
func (s *Server) GetMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	jobID := strings.TrimSpace(mux.Vars(r)["jobId"])
	if jobID == "" {
		http.Error(w, `{"message": "Invalid job ID"}`, http.StatusBadRequest)
		return
	}

	offset := 0
	limit := -1
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	messages, err := s.store.LoadMessages(ctx, jobID)
	if err != nil {
		s.log.WithError(err).WithField("job", jobID).Error("failed to load messages")
		http.Error(w, `{"message": "Failed to get messages"}`, http.StatusInternalServerError)
		return
	}

	if offset > len(messages) {
		offset = len(messages)
	}
	messages = messages[offset:]
	if limit >= 0 && limit < len(messages) {
		messages = messages[:limit]
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	json.NewEncoder(w).Encode(messages)
}

// SendMessage creates a message over REST and broadcasts it to the job's room.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	participant, ok := middleware.GetParticipantFromContext(r)
	if !ok {
		http.Error(w, `{"message": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	jobID := strings.TrimSpace(mux.Vars(r)["jobId"])
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"message": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if jobID == "" || text == "" {
		http.Error(w, `{"message": "Message text is required"}`, http.StatusBadRequest)
		return
	}

	message, err := s.publish(jobID, participant, text)
	if err != nil {
		s.log.WithError(err).WithField("job", jobID).Error("failed to send message")
		http.Error(w, `{"message": "Failed to send message"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(message)
}
