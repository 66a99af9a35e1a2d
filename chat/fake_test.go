package chat

import (
	"context"
	"encoding/json"
	"sync"

	"jobchat/models"
	"jobchat/socket"
)

type fakeRequest struct {
	event   string
	payload interface{}
}

type replyFunc func(event string, payload interface{}) (json.RawMessage, error)

// fakeSocket connects synchronously and answers requests through reply.
type fakeSocket struct {
	opts  socket.Options
	reply replyFunc

	mu           sync.Mutex
	connected    bool
	closed       bool
	connectCalls int
	requests     []fakeRequest
	onConnect    []func()
	onDisconnect []func(error)
	onConnectErr []func(error)
	handlers     map[string][]func(json.RawMessage)
}

func (s *fakeSocket) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

func (s *fakeSocket) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

func (s *fakeSocket) OnConnectError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectErr = append(s.onConnectErr, fn)
}

func (s *fakeSocket) On(event string, fn func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string][]func(json.RawMessage))
	}
	s.handlers[event] = append(s.handlers[event], fn)
}

func (s *fakeSocket) RemoveAllListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect, s.onDisconnect, s.onConnectErr, s.handlers = nil, nil, nil, nil
}

func (s *fakeSocket) Connect() {
	s.mu.Lock()
	s.connectCalls++
	if s.connected || s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	fns := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.connected = false
}

func (s *fakeSocket) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, socket.ErrNotConnected
	}
	s.requests = append(s.requests, fakeRequest{event: event, payload: payload})
	s.mu.Unlock()
	if s.reply == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return s.reply(event, payload)
}

// drop simulates a lost transport.
func (s *fakeSocket) drop(err error) {
	s.mu.Lock()
	s.connected = false
	fns := append([]func(error){}, s.onDisconnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *fakeSocket) failConnect(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.onConnectErr...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *fakeSocket) deliver(event string, payload string) {
	s.mu.Lock()
	fns := append([]func(json.RawMessage){}, s.handlers[event]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(json.RawMessage(payload))
	}
}

func (s *fakeSocket) requestsFor(event string) []fakeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fakeRequest
	for _, r := range s.requests {
		if r.event == event {
			out = append(out, r)
		}
	}
	return out
}

type fakeFactory struct {
	reply replyFunc

	mu      sync.Mutex
	sockets []*fakeSocket
}

func (f *fakeFactory) New(opts socket.Options) Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSocket{opts: opts, reply: f.reply}
	f.sockets = append(f.sockets, s)
	return s
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *fakeFactory) last() *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// joinReply acknowledges joins with a thread id and sends with ok.
func joinReply(threadID string) replyFunc {
	return func(event string, payload interface{}) (json.RawMessage, error) {
		if event == models.EventJoin {
			return json.Marshal(models.JoinAck{OK: true, ThreadID: threadID})
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
}

type fakeFetcher struct {
	msgs []models.ChatMessage
	err  error
	// batches, when set, are handed out one per call in call order.
	batches [][]models.ChatMessage

	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, jobID, credential string) ([]models.ChatMessage, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()
	if len(f.batches) > 0 {
		return f.batches[n%len(f.batches)], f.err
	}
	return f.msgs, f.err
}

type memCache struct {
	mu   sync.Mutex
	jobs map[string][]models.ChatMessage
}

func newMemCache() *memCache {
	return &memCache{jobs: make(map[string][]models.ChatMessage)}
}

func (c *memCache) SaveMessages(ctx context.Context, jobID string, msgs []models.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := c.jobs[jobID]
	for _, m := range msgs {
		replaced := false
		for i := range existing {
			if existing[i].CompositeKey() == m.CompositeKey() || (m.HasID() && existing[i].ID == m.ID) {
				existing[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, m)
		}
	}
	c.jobs[jobID] = existing
	return nil
}

func (c *memCache) LoadMessages(ctx context.Context, jobID string) ([]models.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChatMessage(nil), c.jobs[jobID]...), nil
}

func (c *memCache) DeleteJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
	return nil
}

func (c *memCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = make(map[string][]models.ChatMessage)
	return nil
}
