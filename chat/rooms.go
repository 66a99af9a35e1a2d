package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"jobchat/models"
)

// RoomTracker keeps the connection joined to a single job room.
type RoomTracker struct {
	conn    *Manager
	log     log.FieldLogger
	timeout time.Duration

	mu      sync.Mutex
	joined  string
	want    string
	pending map[string]bool
	threads map[string]string
}

func newRoomTracker(conn *Manager, logger log.FieldLogger, timeout time.Duration) *RoomTracker {
	return &RoomTracker{
		conn:    conn,
		log:     logger,
		timeout: timeout,
		pending: make(map[string]bool),
		threads: make(map[string]string),
	}
}

// EnsureJoined requests the room for jobID unless it is already the joined
// room or a join for it is in flight. While disconnected the request is
// deferred to the next connect.
func (r *RoomTracker) EnsureJoined(jobID string) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return
	}
	r.mu.Lock()
	r.want = jobID
	if r.joined == jobID || r.pending[jobID] {
		r.mu.Unlock()
		return
	}
	if !r.conn.IsConnected() {
		r.mu.Unlock()
		r.log.WithField("job", jobID).Debug("join deferred until connected")
		return
	}
	r.pending[jobID] = true
	r.mu.Unlock()

	go r.join(jobID)
}

func (r *RoomTracker) join(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	raw, err := r.conn.Request(ctx, models.EventJoin, models.JoinRequest{JobID: jobID})

	r.mu.Lock()
	delete(r.pending, jobID)
	r.mu.Unlock()

	if err != nil {
		r.conn.report(&Error{
			Kind:    ErrorTransport,
			JobID:   jobID,
			Message: "join request failed: " + err.Error(),
			Err:     errors.Wrap(err, "join"),
		})
		return
	}
	ack := models.ParseJoinAck(raw)
	if !ack.OK {
		msg := ack.Message
		if msg == "" {
			msg = "unable to join job chat"
		}
		r.conn.report(&Error{Kind: ErrorProtocol, JobID: jobID, Message: msg})
		return
	}

	r.mu.Lock()
	r.joined = jobID
	if ack.ThreadID != "" {
		r.threads[jobID] = ack.ThreadID
	}
	r.mu.Unlock()

	r.log.WithFields(log.Fields{"job": jobID, "thread": ack.ThreadID}).Info("joined job chat")
	r.conn.notifyJoined(JoinedEvent{JobID: jobID, ThreadID: ack.ThreadID})
}

// Joined returns the last successfully joined job, or "".
func (r *RoomTracker) Joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}

// ThreadID returns the thread resolved for jobID by its last successful join.
func (r *RoomTracker) ThreadID(jobID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[jobID]
}

// onConnect rejoins the most recently requested room on a fresh transport.
func (r *RoomTracker) onConnect() {
	r.mu.Lock()
	want := r.want
	r.mu.Unlock()
	if want != "" {
		r.EnsureJoined(want)
	}
}

// onDisconnect drops the joined room: membership does not outlive the transport.
func (r *RoomTracker) onDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = ""
}

func (r *RoomTracker) forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = ""
	r.want = ""
	r.threads = make(map[string]string)
}
