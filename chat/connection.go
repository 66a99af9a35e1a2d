package chat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"jobchat/metrics"
	"jobchat/models"
	"jobchat/socket"
)

// Socket is the connection surface the manager drives. *socket.Client implements it.
type Socket interface {
	OnConnect(fn func())
	OnDisconnect(fn func(error))
	OnConnectError(fn func(error))
	On(event string, fn func(json.RawMessage))
	RemoveAllListeners()
	Connect()
	Connected() bool
	Close()
	Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error)
}

// SocketFactory builds a Socket for the given options.
type SocketFactory func(opts socket.Options) Socket

func newSocketClient(opts socket.Options) Socket {
	return socket.New(opts)
}

// Fingerprint identifies a credential without revealing it.
func Fingerprint(credential string) string {
	sum := blake2b.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

type target struct {
	endpoint    string
	fingerprint string
}

// Manager keeps exactly one socket per (endpoint, credential) and fans its
// events out to subscribers.
type Manager struct {
	base      socket.Options
	newSocket SocketFactory
	log       log.FieldLogger
	metrics   *metrics.Chat

	mu     sync.Mutex
	sock   Socket
	target target

	connected *state[bool]
	lastError *state[string]

	connectL    Listeners[struct{}]
	disconnectL Listeners[error]
	errorL      Listeners[*Error]
	messageL    Listeners[json.RawMessage]
	joinedL     Listeners[JoinedEvent]
}

// JoinedEvent is emitted after the server acknowledges a room join.
type JoinedEvent struct {
	JobID    string
	ThreadID string
}

func newManager(base socket.Options, factory SocketFactory, logger log.FieldLogger, m *metrics.Chat) *Manager {
	if factory == nil {
		factory = newSocketClient
	}
	return &Manager{
		base:      base,
		newSocket: factory,
		log:       logger,
		metrics:   m,
		connected: newState(false),
		lastError: newState(""),
	}
}

func (m *Manager) endpoint() string {
	return strings.TrimRight(m.base.URL, "/") + "/" + strings.TrimLeft(m.base.Path, "/")
}

// Connect ensures a socket authenticated with credential exists and is
// connecting. A blank credential is ignored.
func (m *Manager) Connect(credential string) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		m.log.Warn("connect skipped: no session credential")
		return
	}
	t := target{endpoint: m.endpoint(), fingerprint: Fingerprint(credential)}
	logger := m.log.WithFields(log.Fields{"endpoint": t.endpoint, "fingerprint": t.fingerprint})

	m.mu.Lock()
	if cur := m.sock; cur != nil && m.target == t {
		m.mu.Unlock()
		if !cur.Connected() {
			logger.Debug("socket exists but is disconnected, reconnecting")
			cur.Connect()
		}
		return
	}
	old := m.sock
	opts := m.base
	opts.Credential = credential
	s := m.newSocket(opts)
	m.wire(s)
	m.sock = s
	m.target = t
	m.mu.Unlock()

	if old != nil {
		logger.Info("connection target changed, replacing socket")
		m.teardown(old)
		m.disconnectL.emit(socket.ErrClosed)
	}
	m.connected.set(false)
	m.metrics.Connected.Set(0)
	logger.Info("connecting chat socket")
	s.Connect()
}

// Disconnect closes the socket and forgets the connection target. Safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.sock
	m.sock = nil
	m.target = target{}
	m.mu.Unlock()

	m.connected.set(false)
	m.metrics.Connected.Set(0)
	if s == nil {
		return
	}
	m.teardown(s)
	m.log.Info("chat socket disconnected")
	m.disconnectL.emit(socket.ErrClosed)
}

func (m *Manager) teardown(s Socket) {
	s.RemoveAllListeners()
	s.Close()
}

// IsConnected reflects the transport's connect and disconnect events.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

func (m *Manager) current(s Socket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock == s
}

func (m *Manager) wire(s Socket) {
	s.OnConnect(func() {
		if !m.current(s) {
			return
		}
		m.connected.set(true)
		m.metrics.Connected.Set(1)
		m.connectL.emit(struct{}{})
	})
	s.OnDisconnect(func(err error) {
		if !m.current(s) {
			return
		}
		m.connected.set(false)
		m.metrics.Connected.Set(0)
		m.disconnectL.emit(err)
		if err != nil && !errors.Is(err, socket.ErrClosed) {
			m.report(&Error{Kind: ErrorTransport, Message: "connection lost: " + err.Error(), Err: err})
		}
	})
	s.OnConnectError(func(err error) {
		if !m.current(s) {
			return
		}
		m.report(&Error{Kind: ErrorTransport, Message: "connect failed: " + err.Error(), Err: err})
	})
	s.On(models.EventError, func(raw json.RawMessage) {
		if !m.current(s) {
			return
		}
		m.report(&Error{Kind: ErrorProtocol, Message: models.ErrorMessage(raw, "server reported an error")})
	})
	s.On(models.EventMessage, func(raw json.RawMessage) {
		if !m.current(s) {
			return
		}
		m.messageL.emit(raw)
	})
}

// Request forwards an acknowledged request over the current socket.
func (m *Manager) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	s := m.sock
	m.mu.Unlock()
	if s == nil {
		return nil, socket.ErrNotConnected
	}
	return s.Request(ctx, event, payload)
}

func (m *Manager) report(e *Error) {
	m.metrics.Errors.WithLabelValues(string(e.Kind)).Inc()
	entry := m.log.WithField("kind", e.Kind)
	if e.JobID != "" {
		entry = entry.WithField("job", e.JobID)
	}
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}
	entry.Warn(e.Message)
	m.lastError.set(e.Message)
	m.errorL.emit(e)
}

func (m *Manager) notifyJoined(ev JoinedEvent) {
	m.joinedL.emit(ev)
}
