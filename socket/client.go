package socket

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"jobchat/models"
)

var (
	// ErrNotConnected is returned when emitting while no transport is attached.
	ErrNotConnected = errors.New("socket is not connected")
	// ErrDisconnected fails requests whose connection dropped before the ack arrived.
	ErrDisconnected = errors.New("socket disconnected before acknowledgment")
	// ErrClosed is reported once the client has been closed.
	ErrClosed = errors.New("socket closed")
)

// Client owns one logical connection. After Connect it keeps a transport
// attached, reconnecting without an attempt limit until Close.
type Client struct {
	opts Options
	log  log.FieldLogger

	mu           sync.Mutex
	conn         transport
	started      bool
	closed       bool
	cancel       context.CancelFunc
	pending      map[string]chan models.Envelope
	onConnect    []func()
	onDisconnect []func(error)
	onConnectErr []func(error)
	handlers     map[string][]func(json.RawMessage)

	connected atomic.Bool
	kick      chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
}

// New returns an idle client; nothing is dialed until Connect.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		pending:  make(map[string]chan models.Envelope),
		handlers: make(map[string][]func(json.RawMessage)),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// OnConnect registers fn to run each time a transport is attached.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers fn to run each time an attached transport is lost.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// OnConnectError registers fn to run on every failed connection attempt.
func (c *Client) OnConnectError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectErr = append(c.onConnectErr, fn)
}

// On registers fn for a server-pushed event. Handlers run on the read loop
// and must not wait on Request.
func (c *Client) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// RemoveAllListeners drops every registered callback.
func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = nil
	c.onDisconnect = nil
	c.onConnectErr = nil
	c.handlers = make(map[string][]func(json.RawMessage))
}

// Connect starts the connection loop. If it is already running, a pending
// reconnect delay is skipped.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.log.Warn("connect called on a closed socket")
		return
	}
	if !c.started {
		c.started = true
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.run(ctx)
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Connected reports whether a transport is currently attached.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Done is closed once the client is closed and its loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops reconnecting and closes the attached transport. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !started {
		c.doneOnce.Do(func() { close(c.done) })
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return errors.Wrapf(err, "encoding %s payload", event)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(env)
}

// Request sends event with a fresh request id and waits for the matching ack payload.
func (c *Client) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s payload", event)
	}
	env.ID = uuid.NewString()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	ch := make(chan models.Envelope, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := conn.Write(env); err != nil {
		return nil, errors.Wrapf(err, "sending %s", event)
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return reply.Payload, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s acknowledgment", event)
	}
}

func (c *Client) newBackoff() *wait.Backoff {
	return &wait.Backoff{
		Duration: c.opts.ReconnectDelay,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      c.opts.ReconnectDelayMax,
	}
}

func (c *Client) run(ctx context.Context) {
	defer c.doneOnce.Do(func() { close(c.done) })

	backoff := c.newBackoff()
	for attempt := 1; ; attempt++ {
		conn, hello, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).WithField("attempt", attempt).Debug("socket connection attempt failed")
			c.fireConnectError(err)
		} else {
			if !c.attach(conn) {
				conn.Close()
				return
			}
			attempt = 0
			backoff = c.newBackoff()
			c.log.WithFields(log.Fields{"transport": conn.Name(), "sid": hello.SID}).Info("socket connected")
			c.fireConnect()

			err = c.readLoop(conn)
			c.detach(conn)
			conn.Close()
			if ctx.Err() != nil {
				err = ErrClosed
			}
			c.log.WithError(err).WithField("transport", conn.Name()).Info("socket disconnected")
			c.fireDisconnect(err)
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		case <-time.After(backoff.Step()):
		}
	}
}

func (c *Client) dial(ctx context.Context) (transport, models.ConnectPayload, error) {
	var lastErr error
	for _, name := range c.opts.Transports {
		var (
			t     transport
			hello models.ConnectPayload
			err   error
		)
		switch name {
		case TransportWebSocket:
			t, hello, err = dialWebSocket(ctx, c.opts)
		case TransportPolling:
			t, hello, err = dialPolling(ctx, c.opts)
		default:
			err = errors.Errorf("unknown transport %q", name)
		}
		if err == nil {
			return t, hello, nil
		}
		if ctx.Err() != nil {
			return nil, hello, ctx.Err()
		}
		c.log.WithError(err).WithField("transport", name).Debug("transport unavailable")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no transports configured")
	}
	return nil, models.ConnectPayload{}, lastErr
}

func (c *Client) attach(conn transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	c.connected.Store(true)
	return true
}

func (c *Client) detach(conn transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connected.Store(false)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(conn transport) error {
	for {
		env, err := conn.Read()
		if err != nil {
			var mf *malformedFrameError
			if errors.As(err, &mf) {
				c.log.WithError(err).Warn("dropping malformed frame")
				continue
			}
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env models.Envelope) {
	if env.Event == models.EventAck {
		c.mu.Lock()
		ch, ok := c.pending[env.Ack]
		delete(c.pending, env.Ack)
		c.mu.Unlock()
		if !ok {
			c.log.WithField("ack", env.Ack).Debug("acknowledgment for unknown request")
			return
		}
		ch <- env
		return
	}

	c.mu.Lock()
	fns := append([]func(json.RawMessage){}, c.handlers[env.Event]...)
	c.mu.Unlock()
	if len(fns) == 0 {
		c.log.WithField("event", env.Event).Debug("no handler for event")
		return
	}
	for _, fn := range fns {
		fn(env.Payload)
	}
}

func (c *Client) fireConnect() {
	c.mu.Lock()
	fns := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) fireDisconnect(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) fireConnectError(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onConnectErr...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
