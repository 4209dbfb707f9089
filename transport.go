package writing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/bt-bridge/writing-session/shared"
	"github.com/bt-bridge/writing-session/tools"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

type ConnState int

const (
	ConnStateConnecting ConnState = iota
	ConnStateOpen
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateOpen:
		return "open"
	case ConnStateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Subscriber receives every parsed inbound message of a URL. Implementations
// must be comparable (pointer types are) because subscriptions form a set.
type Subscriber interface {
	OnMessage(url string, msg *Response)
}

type subscriberFunc struct {
	fn func(url string, msg *Response)
}

func (s *subscriberFunc) OnMessage(url string, msg *Response) {
	s.fn(url, msg)
}

// SubscriberFunc adapts fn. Keep the returned value to unsubscribe later;
// two calls with the same fn yield two distinct subscribers.
func SubscriberFunc(fn func(url string, msg *Response)) Subscriber {
	return &subscriberFunc{fn: fn}
}

type outbound struct {
	req      *Request
	data     []byte
	attempts int
}

type connection struct {
	url    string
	logURL string

	// wake nudges the writer; buffered so Send never blocks on it.
	wake chan struct{}

	mu      sync.Mutex
	state   ConnState
	sock    Socket
	queue   []*outbound
	writing *outbound
	subs    []Subscriber
	last    *Response
}

// Transport keeps one self-reconnecting socket per URL. Messages sent while a
// socket is not open wait in a per-URL FIFO queue that survives reconnects.
type Transport struct {
	logger    shared.LoggerAdapter
	dialer    Dialer
	cfg       shared.TransportConfig
	sendRetry tools.RetryPolicy
	reconnect tools.RetryPolicy

	conns map[string]*connection
	urls  []string

	mu     sync.Mutex
	opened bool
	closed bool
	cancel context.CancelFunc
}

func NewTransport(logger shared.LoggerAdapter, dialer Dialer, cfg shared.TransportConfig, urls ...string) (*Transport, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if len(urls) == 0 {
		return nil, shared.ErrNoURLs
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating transport config: %w", err)
	}
	if dialer == nil {
		dialer = new(WebSocketDialer)
	}
	t := &Transport{
		logger: logger,
		dialer: dialer,
		cfg:    cfg,
		sendRetry: tools.RetryPolicy{
			MaxAttempts: cfg.MaxSendAttempts,
			Min:         cfg.ReconnectMin,
			Max:         cfg.ReconnectMax,
		},
		reconnect: tools.RetryPolicy{
			Min: cfg.ReconnectMin,
			Max: cfg.ReconnectMax,
		},
		conns: make(map[string]*connection, len(urls)),
	}
	for _, u := range urls {
		if _, ok := t.conns[u]; ok {
			continue
		}
		t.urls = append(t.urls, u)
		t.conns[u] = &connection{
			url:    u,
			logURL: redactURL(u),
			state:  ConnStateConnecting,
			wake:   make(chan struct{}, 1),
		}
	}
	return t, nil
}

// Open starts the connect loop of every URL. Calling it again is a no-op.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrTransportClosed
	}
	if t.opened {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.opened = true
	for _, u := range t.urls {
		go t.run(ctx, t.conns[u])
	}
	return nil
}

// Close closes every socket with a normal closure and drops all
// subscribers. Queued messages are abandoned. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	var errs []error
	for _, u := range t.urls {
		c := t.conns[u]
		c.mu.Lock()
		c.state = ConnStateClosed
		c.subs = nil
		sock := c.sock
		c.sock = nil
		c.mu.Unlock()
		if sock != nil {
			if err := sock.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", c.logURL, err))
			}
		}
	}
	if cancel != nil {
		cancel()
	}
	return errors.Join(errs...)
}

// Send appends req to the URL's queue and wakes its writer; it never waits
// on the socket. A nil req is ignored with a warning.
func (t *Transport) Send(url string, req *Request) error {
	if req == nil {
		t.logger.Warn("ignoring empty send", zap.String("url", redactURL(url)))
		return nil
	}
	c, ok := t.conns[url]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrUnknownURL, redactURL(url))
	}
	data, err := req.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	c.mu.Lock()
	if c.state == ConnStateClosed {
		c.mu.Unlock()
		return shared.ErrTransportClosed
	}
	c.queue = append(c.queue, &outbound{req: req, data: data})
	queued := len(c.queue)
	c.mu.Unlock()
	c.signal()

	t.logger.Debug(
		"request queued",
		zap.String("url", c.logURL),
		zap.String("action", string(req.Action)),
		zap.String("request_id", req.ID),
		zap.Int("queued", queued),
	)
	return nil
}

// Withdraw removes req from the queue if it has not been handed to the
// socket yet. It reports whether req was removed.
func (t *Transport) Withdraw(url string, req *Request) bool {
	c, ok := t.conns[url]
	if !ok || req == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.queue, func(ob *outbound) bool { return ob.req == req })
	if i < 0 || c.queue[i] == c.writing {
		return false
	}
	c.queue = slices.Delete(c.queue, i, i+1)
	return true
}

// Subscribe adds subs to the URL's subscriber set. Adding one twice has no effect.
func (t *Transport) Subscribe(url string, subs ...Subscriber) error {
	c, ok := t.conns[url]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrUnknownURL, redactURL(url))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnStateClosed {
		return shared.ErrTransportClosed
	}
	for _, s := range subs {
		if s == nil || slices.Contains(c.subs, s) {
			continue
		}
		c.subs = append(c.subs, s)
	}
	return nil
}

func (t *Transport) Unsubscribe(url string, subs ...Subscriber) error {
	c, ok := t.conns[url]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrUnknownURL, redactURL(url))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = slices.DeleteFunc(c.subs, func(s Subscriber) bool {
		return slices.Contains(subs, s)
	})
	return nil
}

// Get returns the last message received on url, nil before the first one.
func (t *Transport) Get(url string) *Response {
	c, ok := t.conns[url]
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (t *Transport) State(url string) ConnState {
	c, ok := t.conns[url]
	if !ok {
		return ConnStateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Queued lists the requests still waiting to be written, oldest first.
func (t *Transport) Queued(url string) []*Request {
	c, ok := t.conns[url]
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, 0, len(c.queue))
	for _, ob := range c.queue {
		out = append(out, ob.req)
	}
	return out
}

func (t *Transport) run(ctx context.Context, c *connection) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			delay := t.reconnect.Delay(attempt)
			t.logger.Debug(
				"reconnecting",
				zap.String("url", c.logURL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		sock, err := t.dialer.Dial(ctx, c.url)
		if err != nil {
			attempt++
			if ctx.Err() == nil {
				t.logger.Warn(
					"dialing failed",
					zap.String("url", c.logURL),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			}
			continue
		}
		if !t.attach(c, sock) {
			_ = sock.Close(websocket.StatusNormalClosure, "client closing")
			return
		}
		attempt = 0
		done := make(chan struct{})
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			t.writeLoop(ctx, c, sock, done)
		}()
		t.readLoop(ctx, c, sock)
		t.detach(c, sock)
		close(done)
		<-writerDone
		attempt = 1
	}
}

func (t *Transport) attach(c *connection, sock Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnStateClosed {
		return false
	}
	c.sock = sock
	c.state = ConnStateOpen
	t.logger.Info("connection open", zap.String("url", c.logURL), zap.Int("queued", len(c.queue)))
	c.signal()
	return true
}

func (c *connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) detach(c *connection, sock Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != sock {
		return
	}
	c.sock = nil
	if c.state != ConnStateClosed {
		c.state = ConnStateConnecting
	}
	_ = sock.Close(websocket.StatusGoingAway, "reconnecting")
}

func (t *Transport) readLoop(ctx context.Context, c *connection, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && t.State(c.url) != ConnStateClosed {
				t.logger.Warn(
					"connection lost",
					zap.String("url", c.logURL),
					zap.Int("close_status", int(websocket.CloseStatus(err))),
					zap.Error(err),
				)
			}
			return
		}
		msg := new(Response)
		if err := msg.UnmarshalJSON(data); err != nil {
			t.logger.Error(
				"can not unmarshal response",
				err,
				zap.String("url", c.logURL),
				zap.ByteString("data", data),
			)
			continue
		}
		c.mu.Lock()
		c.last = msg
		subs := slices.Clone(c.subs)
		c.mu.Unlock()
		t.logger.Trace("received response", zap.String("url", c.logURL), zap.Int("subscribers", len(subs)))
		for _, s := range subs {
			s.OnMessage(c.url, msg)
		}
	}
}

// writeLoop is the only writer of sock. It writes queued messages in order
// whenever woken. A failed message stays at the front and is retried after a
// backoff delay; once its attempts are used up it is dropped. It returns
// when done is closed or the socket is replaced.
func (t *Transport) writeLoop(ctx context.Context, c *connection, sock Socket, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-c.wake:
		}
		for {
			ob := c.next(sock)
			if ob == nil {
				break
			}
			wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
			err := sock.Write(wctx, ob.data)
			cancel()
			delay, ok := t.written(c, sock, ob, err)
			if !ok {
				return
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case <-time.After(delay):
				}
			}
		}
	}
}

// next marks the front of the queue as being written, nil when there is
// nothing to write on sock.
func (c *connection) next(sock Socket) *outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing = nil
	if c.sock != sock || c.state != ConnStateOpen || len(c.queue) == 0 {
		return nil
	}
	c.writing = c.queue[0]
	return c.writing
}

// written records the outcome of writing ob and returns how long to wait
// before the next write. ok is false once sock is no longer the live socket;
// the message then stays queued for the next one without spending an attempt.
func (t *Transport) written(c *connection, sock Socket, ob *outbound, err error) (delay time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing = nil
	fields := []zap.Field{
		zap.String("url", c.logURL),
		zap.String("action", string(ob.req.Action)),
		zap.String("request_id", ob.req.ID),
	}
	if err == nil {
		c.remove(ob)
		t.logger.Trace("request sent", fields...)
		return 0, true
	}
	if c.sock != sock {
		return 0, false
	}
	ob.attempts++
	fields = append(fields, zap.Int("attempt", ob.attempts))
	if t.sendRetry.Exhausted(ob.attempts) {
		t.logger.Error("dropping request after repeated send failures", err, fields...)
		c.remove(ob)
	} else {
		t.logger.Error("sending request failed, keeping it queued", err, fields...)
	}
	return t.sendRetry.Delay(ob.attempts), true
}

func (c *connection) remove(ob *outbound) {
	c.queue = slices.DeleteFunc(c.queue, func(q *outbound) bool { return q == ob })
}

// redactURL drops the query string so connection tokens stay out of logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
