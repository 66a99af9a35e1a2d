package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobchat/models"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// echoServer acknowledges every request with its own payload, except
// "hang" which is never acknowledged. It pushes a message and a malformed
// frame after each handshake.
type echoServer struct {
	t       *testing.T
	token   string
	accepts atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var auth models.Envelope
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	var payload models.AuthPayload
	json.Unmarshal(auth.Payload, &payload)
	if payload.Token != s.token || r.URL.Query().Get("token") != s.token || r.Header.Get("Authorization") != "Bearer "+s.token {
		reply, _ := models.NewEnvelope(models.EventConnectError, models.ErrorPayload{Message: "bad token"})
		conn.WriteJSON(reply)
		return
	}
	hello, _ := models.NewEnvelope(models.EventConnect, models.ConnectPayload{SID: "sid-1"})
	conn.WriteJSON(hello)
	s.accepts.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	push, _ := models.NewEnvelope(models.EventMessage, map[string]string{"_id": "m1"})
	conn.WriteJSON(push)

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.ID == "" || env.Event == "hang" {
			continue
		}
		conn.WriteJSON(models.Envelope{Event: models.EventAck, Ack: env.ID, Payload: env.Payload})
	}
}

// dropAll closes every live server-side connection.
func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func newEchoClient(t *testing.T, token string) (*Client, *echoServer) {
	t.Helper()
	es := &echoServer{t: t, token: "tok-1"}
	ts := httptest.NewServer(es)
	t.Cleanup(ts.Close)
	c := New(Options{
		URL:               ts.URL,
		Credential:        token,
		Transports:        []string{TransportWebSocket},
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 50 * time.Millisecond,
		Timeout:           time.Second,
	})
	t.Cleanup(c.Close)
	return c, es
}

func Test_Endpoint(t *testing.T) {
	o := Options{URL: "https://api.example.com/v1/", Path: "/socket", Credential: "a b"}.withDefaults()

	u, err := endpoint(o, TransportWebSocket, nil)
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "wss", parsed.Scheme)
	assert.Equal(t, "/v1/socket", parsed.Path)
	assert.Equal(t, "websocket", parsed.Query().Get("transport"))
	assert.Equal(t, "a b", parsed.Query().Get("token"))

	u, err = endpoint(o, TransportPolling, url.Values{"sid": {"s1"}})
	require.NoError(t, err)
	parsed, _ = url.Parse(u)
	assert.Equal(t, "https", parsed.Scheme)
	assert.Equal(t, "s1", parsed.Query().Get("sid"))

	_, err = endpoint(Options{URL: "not a url"}, TransportPolling, nil)
	assert.Error(t, err)
}

func Test_Backoff(t *testing.T) {
	c := New(Options{ReconnectDelay: time.Second, ReconnectDelayMax: 8 * time.Second})
	b := c.newBackoff()
	var steps []time.Duration
	for i := 0; i < 7; i++ {
		steps = append(steps, b.Step())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, steps)
}

func Test_ClientRequest(t *testing.T) {
	c, _ := newEchoClient(t, "tok-1")
	var pushed atomic.Int32
	c.On(models.EventMessage, func(json.RawMessage) { pushed.Add(1) })

	_, err := c.Request(context.Background(), "job:join", models.JoinRequest{JobID: "j"})
	assert.ErrorIs(t, err, ErrNotConnected)

	c.Connect()
	require.Eventually(t, c.Connected, waitFor, tick)
	require.Eventually(t, func() bool { return pushed.Load() == 1 }, waitFor, tick, "malformed frame must not stop the read loop")

	raw, err := c.Request(context.Background(), models.EventJoin, models.JoinRequest{JobID: "job-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobId": "job-1"}`, string(raw))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Request(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_ClientReconnects(t *testing.T) {
	c, es := newEchoClient(t, "tok-1")
	var connects, disconnects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })
	c.OnDisconnect(func(error) { disconnects.Add(1) })

	c.Connect()
	require.Eventually(t, func() bool { return connects.Load() == 1 }, waitFor, tick)

	pending := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "hang", nil)
		pending <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	}, waitFor, tick)

	es.dropAll()
	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(waitFor):
		t.Fatal("pending request not failed on disconnect")
	}
	require.Eventually(t, func() bool { return connects.Load() == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, int32(2), es.accepts.Load())
}

func Test_ClientConnectError(t *testing.T) {
	c, es := newEchoClient(t, "wrong")
	errs := make(chan error, 8)
	c.OnConnectError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	c.Connect()

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "bad token")
	case <-time.After(waitFor):
		t.Fatal("no connect error")
	}
	assert.False(t, c.Connected())
	assert.Equal(t, int32(0), es.accepts.Load())
}

func Test_ClientClose(t *testing.T) {
	c, _ := newEchoClient(t, "tok-1")
	c.Connect()
	require.Eventually(t, c.Connected, waitFor, tick)

	c.Close()
	c.Close()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("run loop did not exit")
	}
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Emit("x", nil), ErrNotConnected)

	idle := New(Options{URL: "http://unused.test"})
	idle.Close()
	<-idle.Done()
}
