// Package socket maintains a persistent, authenticated, auto-reconnecting
// event connection to the chat backend.
package socket

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Transport names, in the order they are tried by default.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Connection defaults applied to zero Options fields.
const (
	// DefaultPath is the socket endpoint path on the backend.
	DefaultPath = "/socket"
	// DefaultReconnectDelay is the first reconnect wait; it doubles per attempt.
	DefaultReconnectDelay = time.Second
	// DefaultReconnectDelayMax caps the reconnect wait.
	DefaultReconnectDelayMax = 8 * time.Second
	// DefaultTimeout bounds one connection attempt.
	DefaultTimeout = 20 * time.Second
	// DefaultRequestTimeout bounds the wait for an acknowledgment.
	DefaultRequestTimeout = 20 * time.Second
)

// Options configures a Client.
type Options struct {
	// URL is the backend base URL, e.g. https://api.example.com.
	URL string
	// Path is appended to URL for the socket endpoint.
	Path string
	// Credential is sent in the auth frame, the token query parameter and a bearer header.
	Credential string
	// Transports lists transports to try on each connection attempt.
	Transports []string

	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	// Timeout bounds a single connection attempt, handshake included.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     log.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if len(o.Transports) == 0 {
		o.Transports = []string{TransportWebSocket, TransportPolling}
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = DefaultReconnectDelayMax
		if o.ReconnectDelayMax < o.ReconnectDelay {
			o.ReconnectDelayMax = o.ReconnectDelay
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = log.WithField("component", "socket")
	}
	return o
}
