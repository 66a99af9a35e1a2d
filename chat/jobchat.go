// Package chat keeps the per-job conversations of the marketplace apps in
// sync: one socket for live messages, REST for history backfill, and unread
// counters gated by which chat the UI has open.
package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"jobchat/metrics"
	"jobchat/models"
	"jobchat/socket"
)

const (
	// DefaultRequestTimeout bounds the wait for a join or send acknowledgment.
	DefaultRequestTimeout = 20 * time.Second
	// DefaultHistoryTimeout bounds one REST history fetch.
	DefaultHistoryTimeout = 15 * time.Second
	cacheWriteTimeout     = 5 * time.Second
)

// Cache persists job logs across process restarts.
type Cache interface {
	SaveMessages(ctx context.Context, jobID string, msgs []models.ChatMessage) error
	LoadMessages(ctx context.Context, jobID string) ([]models.ChatMessage, error)
	DeleteJob(ctx context.Context, jobID string) error
	Purge(ctx context.Context) error
}

// Options configures a JobChat.
type Options struct {
	// URL is the backend base URL.
	URL        string
	SocketPath string
	Transports []string

	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ConnectTimeout    time.Duration
	// RequestTimeout bounds the wait for join and send acknowledgments.
	RequestTimeout time.Duration
	HistoryTimeout time.Duration

	History    HistoryFetcher
	Cache      Cache
	HTTPClient *http.Client
	Logger     log.FieldLogger
	Registerer prometheus.Registerer
	// NewSocket overrides socket construction.
	NewSocket SocketFactory
}

// JobChat is the chat synchronization core. Construct one per session with New.
type JobChat struct {
	log     log.FieldLogger
	metrics *metrics.Chat
	timeout time.Duration
	cache   Cache

	conn    *Manager
	rooms   *RoomTracker
	store   *Store
	unread  *UnreadTracker
	history *HistorySync
	active  *state[string]

	// ingest makes a socket append and its unread count one step with respect to clears.
	ingest sync.Mutex
}

// New wires a JobChat. Nothing connects until Connect is called.
func New(opts Options) *JobChat {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "jobchat")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = DefaultHistoryTimeout
	}
	m := metrics.NewChat(opts.Registerer)

	base := socket.Options{
		URL:               opts.URL,
		Path:              opts.SocketPath,
		Transports:        opts.Transports,
		ReconnectDelay:    opts.ReconnectDelay,
		ReconnectDelayMax: opts.ReconnectDelayMax,
		Timeout:           opts.ConnectTimeout,
		HTTPClient:        opts.HTTPClient,
		Logger:            logger.WithField("component", "socket"),
	}
	if base.Path == "" {
		base.Path = socket.DefaultPath
	}

	j := &JobChat{
		log:     logger,
		metrics: m,
		timeout: opts.RequestTimeout,
		cache:   opts.Cache,
		store:   NewStore(),
		unread:  NewUnreadTracker(),
		active:  newState(""),
	}
	j.conn = newManager(base, opts.NewSocket, logger, m)
	j.rooms = newRoomTracker(j.conn, logger, opts.RequestTimeout)
	j.history = &HistorySync{
		fetcher: opts.History,
		timeout: opts.HistoryTimeout,
		merge:   j.MergeFromHistory,
		report:  j.conn.report,
		log:     logger,
		metrics: m,
	}

	j.conn.messageL.Subscribe(func(raw json.RawMessage) { j.AppendFromSocket(raw) })
	j.conn.connectL.Subscribe(func(struct{}) { j.rooms.onConnect() })
	j.conn.disconnectL.Subscribe(func(error) { j.rooms.onDisconnect() })
	return j
}

// Connect opens or reuses the socket for credential.
func (j *JobChat) Connect(credential string) {
	j.conn.Connect(credential)
}

// Disconnect closes the socket. Messages and counters are kept.
func (j *JobChat) Disconnect() {
	j.conn.Disconnect()
}

// Reset tears the session down for logout: socket, every log, every counter,
// the active job and the local cache.
func (j *JobChat) Reset() {
	j.conn.Disconnect()
	j.rooms.forget()
	j.ingest.Lock()
	j.store.ClearAll()
	j.unread.ClearAll()
	j.ingest.Unlock()
	j.metrics.UnreadTotal.Set(0)
	j.active.set("")
	if j.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := j.cache.Purge(ctx); err != nil {
			j.log.WithError(err).Warn("failed to purge message cache")
		}
	}
}

// IsConnected reports the transport state.
func (j *JobChat) IsConnected() bool {
	return j.conn.IsConnected()
}

// Connected is the live transport state.
func (j *JobChat) Connected() View[bool] {
	return j.conn.connected
}

// LastError is the most recent failure message.
func (j *JobChat) LastError() View[string] {
	return j.conn.lastError
}

// SetActiveJob marks the job inbound messages without a jobId are attributed to.
func (j *JobChat) SetActiveJob(jobID string) {
	j.active.set(strings.TrimSpace(jobID))
}

// ActiveJob is the live active job.
func (j *JobChat) ActiveJob() View[string] {
	return j.active
}

// EnsureJoined joins jobID's room unless already joined. Completion is
// reported through OnJoined or OnError.
func (j *JobChat) EnsureJoined(jobID string) {
	j.rooms.EnsureJoined(jobID)
}

// JoinedJob returns the last successfully joined job.
func (j *JobChat) JoinedJob() string {
	return j.rooms.Joined()
}

// ThreadID returns the thread id resolved when jobID was joined.
func (j *JobChat) ThreadID(jobID string) string {
	return j.rooms.ThreadID(jobID)
}

// SendMessage emits text to jobID's room. The message is not added locally;
// it arrives back as a regular inbound message. A rejected send is reported
// through OnError and the returned channel.
func (j *JobChat) SendMessage(jobID, text string) <-chan error {
	result := make(chan error, 1)
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.TrimSpace(text) == "" {
		result <- errors.New("send needs a job id and non-empty text")
		close(result)
		return result
	}

	go func() {
		defer close(result)
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		raw, err := j.conn.Request(ctx, models.EventSend, models.SendRequest{JobID: jobID, Text: text})
		if err != nil {
			e := &Error{Kind: ErrorTransport, JobID: jobID, Message: "send failed: " + err.Error(), Err: err}
			j.conn.report(e)
			result <- e
			return
		}
		ack := models.ParseSendAck(raw)
		if !ack.Succeeded() {
			msg := ack.Message
			if msg == "" {
				msg = "message was not accepted"
			}
			e := &Error{Kind: ErrorProtocol, JobID: jobID, Message: msg}
			j.conn.report(e)
			result <- e
			return
		}
		result <- nil
	}()
	return result
}

// Sync backfills jobID from the REST history endpoint.
func (j *JobChat) Sync(jobID, credential string) <-chan error {
	return j.history.Sync(jobID, credential)
}

// Restore seeds jobID's log from the local cache without touching unread counters.
func (j *JobChat) Restore(ctx context.Context, jobID string) error {
	if j.cache == nil {
		return nil
	}
	msgs, err := j.cache.LoadMessages(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "restoring job %s from cache", jobID)
	}
	j.merge(metrics.SourceCache, jobID, msgs)
	return nil
}

// AppendFromSocket ingests one inbound message payload. The payload's jobId
// wins; otherwise the active job is used; otherwise the message is dropped.
func (j *JobChat) AppendFromSocket(raw []byte) {
	msg, err := models.ParseMessage(raw)
	if err != nil {
		j.metrics.Errors.WithLabelValues(string(ErrorParse)).Inc()
		j.log.WithError(err).Warn("dropping unparseable chat message")
		return
	}
	jobID := msg.JobID
	if jobID == "" {
		jobID = j.active.Load()
	}
	if jobID == "" {
		j.log.WithField("id", msg.ID).Debug("dropping chat message with no job to attribute it to")
		return
	}
	j.ingest.Lock()
	if !j.store.Append(jobID, msg) {
		j.ingest.Unlock()
		j.metrics.Duplicates.WithLabelValues(metrics.SourceSocket).Inc()
		return
	}
	counted := j.unread.IncrementUnlessOpen(jobID)
	j.ingest.Unlock()

	j.metrics.Messages.WithLabelValues(metrics.SourceSocket).Inc()
	if counted {
		j.metrics.UnreadTotal.Set(float64(j.unread.ObserveTotal().Load()))
	}
	if msg.JobID == "" {
		msg.JobID = jobID
	}
	j.persist(jobID, []models.ChatMessage{msg})
}

// MergeFromHistory unions msgs into jobID's log. Unread counters are not touched.
func (j *JobChat) MergeFromHistory(jobID string, msgs []models.ChatMessage) {
	j.merge(metrics.SourceHistory, jobID, msgs)
}

func (j *JobChat) merge(source, jobID string, msgs []models.ChatMessage) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return
	}
	added := j.store.Merge(jobID, msgs)
	j.metrics.Messages.WithLabelValues(source).Add(float64(added))
	j.metrics.Duplicates.WithLabelValues(source).Add(float64(len(msgs) - added))
	if source != metrics.SourceCache && len(msgs) > 0 {
		j.persist(jobID, j.store.Snapshot(jobID))
	}
}

func (j *JobChat) persist(jobID string, msgs []models.ChatMessage) {
	if j.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := j.cache.SaveMessages(ctx, jobID, msgs); err != nil {
		j.log.WithError(err).WithField("job", jobID).Warn("failed to cache messages")
	}
}

// Observe is the live message log of jobID in store order. Sort by
// createdAt for chronological display.
func (j *JobChat) Observe(jobID string) View[[]models.ChatMessage] {
	return j.store.Observe(jobID)
}

// SetOpen records whether jobID's chat is visible.
func (j *JobChat) SetOpen(jobID string, open bool) {
	j.unread.SetOpen(jobID, open)
	j.metrics.UnreadTotal.Set(float64(j.unread.ObserveTotal().Load()))
}

// IsOpen reports whether jobID's chat is visible.
func (j *JobChat) IsOpen(jobID string) bool {
	return j.unread.IsOpen(jobID)
}

// ObserveUnread is the live unread counter of jobID.
func (j *JobChat) ObserveUnread(jobID string) View[int] {
	return j.unread.Observe(jobID)
}

// ObserveTotalUnread is the live sum of unread counters.
func (j *JobChat) ObserveTotalUnread() View[int] {
	return j.unread.ObserveTotal()
}

// ClearJob drops jobID's messages, unread counter and cached rows.
func (j *JobChat) ClearJob(jobID string) {
	j.ingest.Lock()
	j.store.Clear(jobID)
	j.unread.Clear(jobID)
	j.ingest.Unlock()
	j.metrics.UnreadTotal.Set(float64(j.unread.ObserveTotal().Load()))
	if j.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := j.cache.DeleteJob(ctx, jobID); err != nil {
			j.log.WithError(err).WithField("job", jobID).Warn("failed to delete cached messages")
		}
	}
}

// OnConnect subscribes to transport connects.
func (j *JobChat) OnConnect(fn func()) (unsubscribe func()) {
	return j.conn.connectL.Subscribe(func(struct{}) { fn() })
}

// OnDisconnect subscribes to transport disconnects.
func (j *JobChat) OnDisconnect(fn func(error)) (unsubscribe func()) {
	return j.conn.disconnectL.Subscribe(fn)
}

// OnError subscribes to every reported failure.
func (j *JobChat) OnError(fn func(*Error)) (unsubscribe func()) {
	return j.conn.errorL.Subscribe(fn)
}

// OnJoined subscribes to successful room joins.
func (j *JobChat) OnJoined(fn func(JoinedEvent)) (unsubscribe func()) {
	return j.conn.joinedL.Subscribe(fn)
}

// OnMessage subscribes to raw inbound message payloads.
func (j *JobChat) OnMessage(fn func(json.RawMessage)) (unsubscribe func()) {
	return j.conn.messageL.Subscribe(fn)
}
