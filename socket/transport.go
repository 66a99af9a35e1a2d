package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"jobchat/models"
)

const (
	writeWait = 10 * time.Second
	// LongPollWait is how long the server may hold a polling GET open.
	LongPollWait = 25 * time.Second
	closeWait    = 2 * time.Second
)

// transport is one established, authenticated connection.
// Read is only called from the client's read loop; Write may be called concurrently.
type transport interface {
	Name() string
	Read() (models.Envelope, error)
	Write(env models.Envelope) error
	Close() error
}

type malformedFrameError struct {
	err error
}

func (e *malformedFrameError) Error() string {
	return "malformed frame: " + e.err.Error()
}

func (e *malformedFrameError) Unwrap() error {
	return e.err
}

// endpoint builds the socket URL for a transport, carrying the credential as a query parameter.
func endpoint(o Options, transportName string, extra url.Values) (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid socket url %q", o.URL)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Errorf("invalid socket url %q", o.URL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(o.Path, "/")
	q := u.Query()
	q.Set("transport", transportName)
	if o.Credential != "" {
		q.Set("token", o.Credential)
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	if transportName == TransportWebSocket {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	return u.String(), nil
}

func authHeader(credential string) http.Header {
	h := http.Header{}
	if credential != "" {
		h.Set("Authorization", "Bearer "+credential)
	}
	return h
}

func authFrame(credential string) (models.Envelope, error) {
	return models.NewEnvelope(models.EventAuth, models.AuthPayload{Token: credential})
}

// handshakeReply interprets the first frame the server sends after auth.
func handshakeReply(env models.Envelope) (models.ConnectPayload, error) {
	var hello models.ConnectPayload
	switch env.Event {
	case models.EventConnect:
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &hello)
		}
		return hello, nil
	case models.EventConnectError:
		return hello, errors.New(models.ErrorMessage(env.Payload, "connection refused"))
	default:
		return hello, errors.Errorf("unexpected handshake frame %q", env.Event)
	}
}

type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func dialWebSocket(ctx context.Context, o Options) (transport, models.ConnectPayload, error) {
	var hello models.ConnectPayload
	u, err := endpoint(o, TransportWebSocket, nil)
	if err != nil {
		return nil, hello, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: o.Timeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	conn, resp, err := dialer.DialContext(ctx, u, authHeader(o.Credential))
	if err != nil {
		if resp != nil {
			return nil, hello, errors.Wrapf(err, "websocket handshake failed with status %d", resp.StatusCode)
		}
		return nil, hello, errors.Wrap(err, "websocket dial failed")
	}
	t := &wsTransport{conn: conn}

	auth, err := authFrame(o.Credential)
	if err != nil {
		conn.Close()
		return nil, hello, err
	}
	if err := t.Write(auth); err != nil {
		conn.Close()
		return nil, hello, errors.Wrap(err, "sending auth frame")
	}
	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	env, err := t.Read()
	if err != nil {
		conn.Close()
		return nil, hello, errors.Wrap(err, "waiting for handshake")
	}
	conn.SetReadDeadline(time.Time{})
	if hello, err = handshakeReply(env); err != nil {
		conn.Close()
		return nil, hello, err
	}
	return t, hello, nil
}

func (t *wsTransport) Name() string {
	return TransportWebSocket
}

func (t *wsTransport) Read() (models.Envelope, error) {
	var env models.Envelope
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, &malformedFrameError{err: err}
	}
	return env, nil
}

func (t *wsTransport) Write(env models.Envelope) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	t.wmu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWait))
	t.wmu.Unlock()
	return t.conn.Close()
}

// pollTransport emulates a duplex connection with HTTP long-polling.
type pollTransport struct {
	o      Options
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	buf    []models.Envelope
}

func dialPolling(ctx context.Context, o Options) (transport, models.ConnectPayload, error) {
	var hello models.ConnectPayload
	u, err := endpoint(o, TransportPolling, nil)
	if err != nil {
		return nil, hello, err
	}
	auth, err := authFrame(o.Credential)
	if err != nil {
		return nil, hello, err
	}
	body, err := json.Marshal(auth)
	if err != nil {
		return nil, hello, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(dialCtx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, hello, err
	}
	req.Header = authHeader(o.Credential)
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return nil, hello, errors.Wrap(err, "polling handshake failed")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, hello, errors.Wrap(err, "reading polling handshake")
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, hello, errors.Errorf("polling handshake failed with status %d", resp.StatusCode)
		}
		return nil, hello, errors.Wrap(err, "decoding polling handshake")
	}
	if hello, err = handshakeReply(env); err != nil {
		return nil, hello, err
	}
	if hello.SID == "" {
		return nil, hello, errors.New("polling handshake carried no session id")
	}

	sessionURL, err := endpoint(o, TransportPolling, url.Values{"sid": {hello.SID}})
	if err != nil {
		return nil, hello, err
	}
	tctx, tcancel := context.WithCancel(context.Background())
	return &pollTransport{o: o, url: sessionURL, ctx: tctx, cancel: tcancel}, hello, nil
}

func (t *pollTransport) Name() string {
	return TransportPolling
}

func (t *pollTransport) Read() (models.Envelope, error) {
	for len(t.buf) == 0 {
		frames, err := t.poll()
		if err != nil {
			return models.Envelope{}, err
		}
		t.buf = frames
	}
	env := t.buf[0]
	t.buf = t.buf[1:]
	return env, nil
}

func (t *pollTransport) poll() ([]models.Envelope, error) {
	ctx, cancel := context.WithTimeout(t.ctx, LongPollWait+t.o.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = authHeader(t.o.Credential)
	resp, err := t.o.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "poll failed")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, errors.Errorf("poll failed with status %d", resp.StatusCode)
	}
	var frames []models.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, &malformedFrameError{err: err}
	}
	return frames, nil
}

func (t *pollTransport) Write(env models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, writeWait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = authHeader(t.o.Credential)
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.o.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "poll write failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("poll write failed with status %d", resp.StatusCode)
	}
	return nil
}

func (t *pollTransport) Close() error {
	t.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	req.Header = authHeader(t.o.Credential)
	resp, err := t.o.HTTPClient.Do(req)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}
