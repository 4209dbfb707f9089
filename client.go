package writing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bt-bridge/writing-session/shared"
	"go.uber.org/zap"
)

type ClientOption func(*clientOptions)

type clientOptions struct {
	dialer          Dialer
	transport       shared.TransportConfig
	responseTimeout time.Duration
	closeTriggers   []<-chan struct{}
}

func WithDialer(d Dialer) ClientOption {
	return func(o *clientOptions) { o.dialer = d }
}

func WithTransportConfig(cfg shared.TransportConfig) ClientOption {
	return func(o *clientOptions) { o.transport = cfg }
}

// WithResponseTimeout bounds every ReceiveResponse call. Zero waits forever.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.responseTimeout = d }
}

// WithCloseTriggers closes the client as soon as any trigger fires, e.g.
// when the user navigates away from the writing page.
func WithCloseTriggers(triggers ...<-chan struct{}) ClientOption {
	return func(o *clientOptions) { o.closeTriggers = append(o.closeTriggers, triggers...) }
}

type pendingRequest struct {
	req       *Request
	action    Action
	resp      chan *Response
	delivered bool
}

// Client drives one writing session over a socket scoped to a leaderboard.
// Callers set the action, send it and then wait for its response; only one
// request may await a response at a time.
type Client struct {
	logger        shared.LoggerAdapter
	leaderboardID int
	wsBase        string
	tokens        TokenSource
	opts          clientOptions
	sub           Subscriber

	mu        sync.Mutex
	action    Action
	state     *SessionState
	transport *Transport
	url       string
	pre       []*Request
	pending   *pendingRequest
	stale     int
	closed    bool
	connErr   error

	connected chan struct{}
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

// NewClient returns immediately; the connection token is fetched and the
// socket opened in the background. Requests sent before that are queued.
// Connected is closed once connecting finished, successfully or not; Err
// reports the failure. Cancelling ctx closes the client.
func NewClient(
	ctx context.Context,
	logger shared.LoggerAdapter,
	tokens TokenSource,
	wsBase string,
	leaderboardID int,
	opts ...ClientOption,
) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if tokens == nil {
		return nil, shared.ErrNoTokenSource
	}
	if wsBase == "" {
		return nil, errors.New("websocket base URL is required")
	}
	if leaderboardID == 0 {
		return nil, fmt.Errorf("%w: leaderboard id is required", shared.ErrInvalidPayload)
	}
	o := clientOptions{transport: shared.DefaultTransportConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	c := &Client{
		logger:        logger.With(zap.Int("leaderboard_id", leaderboardID)),
		leaderboardID: leaderboardID,
		wsBase:        wsBase,
		tokens:        tokens,
		opts:          o,
		state:         NewSessionState(leaderboardID),
		connected:     make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.sub = &dispatcher{c: c}

	go c.connect()
	go func() {
		<-c.ctx.Done()
		if err := c.Close(); err != nil {
			c.logger.Error("closing client", err)
		}
	}()
	for _, trigger := range o.closeTriggers {
		go func(trigger <-chan struct{}) {
			select {
			case <-trigger:
				c.logger.Debug("close trigger fired")
				if err := c.Close(); err != nil {
					c.logger.Error("closing client", err)
				}
			case <-c.ctx.Done():
			}
		}(trigger)
	}
	return c, nil
}

func (c *Client) connect() {
	defer close(c.connected)

	token, err := c.tokens.Token(c.ctx, c.leaderboardID)
	if err == nil && token == "" {
		err = shared.ErrNoToken
	}
	if err != nil {
		c.fail(fmt.Errorf("fetching connection token: %w", err))
		return
	}
	url, err := ConnectionURL(c.wsBase, c.leaderboardID, token)
	if err != nil {
		c.fail(err)
		return
	}
	tr, err := NewTransport(c.logger, c.opts.dialer, c.opts.transport, url)
	if err != nil {
		c.fail(fmt.Errorf("creating transport: %w", err))
		return
	}
	if err := tr.Subscribe(url, c.sub); err != nil {
		c.fail(fmt.Errorf("subscribing: %w", err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := tr.Open(c.ctx); err != nil {
		c.connErr = fmt.Errorf("%w: opening transport: %w", shared.ErrNotConnected, err)
		c.logger.Error("connecting session failed", c.connErr)
		return
	}
	c.transport = tr
	c.url = url
	for _, req := range c.pre {
		if err := tr.Send(url, req); err != nil {
			c.logger.Error("flushing early request", err, zap.String("request_id", req.ID))
		}
	}
	c.pre = nil
	c.logger.Info("session transport ready")
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.connErr = fmt.Errorf("%w: %w", shared.ErrNotConnected, err)
	c.mu.Unlock()
	c.logger.Error("connecting session failed", err)
}

func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err reports why connecting failed. Nil while connecting or once connected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

func (c *Client) Action() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action
}

func (c *Client) SetAction(a Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.action = a
}

// State returns a snapshot of the session state.
func (c *Client) State() *SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Queued lists requests not yet written to the socket, oldest first.
func (c *Client) Queued() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return append([]*Request(nil), c.pre...)
	}
	return c.transport.Queued(c.url)
}

// SendUserAction builds the request for the current action and hands it to
// the transport. Actions without a request (including none) do nothing.
// Payload problems are returned without anything being sent.
func (c *Client) SendUserAction(payload RequestParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrClientClosed
	}
	action := c.action
	if !action.Sendable() {
		c.logger.Debug("no request for action", zap.String("action", string(action)))
		return nil
	}
	if c.pending != nil {
		return fmt.Errorf("%w: %s", shared.ErrRequestInFlight, c.pending.action)
	}
	req, err := NewRequest(action, payload)
	if err != nil {
		return err
	}
	if sp, ok := req.Param.(*StartParam); ok {
		if !shared.IsKnownModel(sp.Model) {
			c.logger.Warn("unrecognized model", zap.String("model", sp.Model))
		}
		c.state.LeaderboardID = sp.LeaderboardID
	}

	c.pending = &pendingRequest{req: req, action: action, resp: make(chan *Response, 1)}
	if c.transport == nil {
		c.pre = append(c.pre, req)
		if c.connErr != nil {
			c.logger.Warn("request held by a client that failed to connect", zap.Error(c.connErr))
		}
		c.logger.Debug(
			"request held until connected",
			zap.String("action", string(action)),
			zap.String("request_id", req.ID),
		)
		return nil
	}
	if err := c.transport.Send(c.url, req); err != nil {
		c.pending = nil
		return fmt.Errorf("sending %s: %w", action, err)
	}
	return nil
}

// ReceiveResponse waits for the response to the request in flight, merges
// it into the session state and returns a snapshot. Expiry of the response
// timeout yields ErrResponseTimeout; in both that case and ctx cancellation
// the request is abandoned so a new one can be sent. A response that already
// arrived is always merged, even when ctx is done.
func (c *Client) ReceiveResponse(ctx context.Context) (*SessionState, error) {
	c.mu.Lock()
	p, closed := c.pending, c.closed
	c.mu.Unlock()
	if closed {
		return nil, shared.ErrClientClosed
	}
	if p == nil {
		return nil, shared.ErrNoPendingRequest
	}

	select {
	case resp := <-p.resp:
		return c.complete(p, resp)
	default:
	}

	var timeout <-chan time.Time
	if c.opts.responseTimeout > 0 {
		timer := time.NewTimer(c.opts.responseTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-p.resp:
		return c.complete(p, resp)
	case <-timeout:
		if resp, ok := c.abandon(p); ok {
			return c.complete(p, resp)
		}
		return nil, fmt.Errorf("%w: %s after %s", shared.ErrResponseTimeout, p.action, c.opts.responseTimeout)
	case <-ctx.Done():
		if resp, ok := c.abandon(p); ok {
			return c.complete(p, resp)
		}
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, shared.ErrClientClosed
	}
}

func (c *Client) complete(p *pendingRequest, resp *Response) (*SessionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == p {
		c.pending = nil
	}
	if err := c.state.Merge(p.action, resp); err != nil {
		return nil, fmt.Errorf("merging %s response: %w", p.action, err)
	}
	c.logger.Debug(
		"response merged",
		zap.String("action", string(p.action)),
		zap.String("request_id", p.req.ID),
	)
	return c.state.Clone(), nil
}

// abandon gives up waiting for p. If its response raced in, that response is
// returned instead. A request that never reached the socket is withdrawn;
// otherwise the next inbound frame is its late answer and gets dropped.
func (c *Client) abandon(p *pendingRequest) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != p {
		return nil, false
	}
	if p.delivered {
		select {
		case resp := <-p.resp:
			return resp, true
		default:
			return nil, false
		}
	}
	c.pending = nil
	withdrawn := c.withdrawLocked(p.req)
	if !withdrawn {
		c.stale++
	}
	c.logger.Warn(
		"abandoning request without response",
		zap.String("action", string(p.action)),
		zap.String("request_id", p.req.ID),
		zap.Bool("withdrawn", withdrawn),
	)
	return nil, false
}

// withdrawLocked takes req back if it is still held or queued. c.mu must be held.
func (c *Client) withdrawLocked(req *Request) bool {
	if i := slices.Index(c.pre, req); i >= 0 {
		c.pre = slices.Delete(c.pre, i, i+1)
		return true
	}
	return c.transport != nil && c.transport.Withdraw(c.url, req)
}

// Close unsubscribes from and closes the connection. Later calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tr, url := c.transport, c.url
	c.transport = nil
	c.pre = nil
	c.mu.Unlock()

	var err error
	if tr != nil {
		if uerr := tr.Unsubscribe(url, c.sub); uerr != nil {
			c.logger.Error("unsubscribing", uerr)
		}
		err = tr.Close()
	}
	c.cancel(shared.ErrClientClosed)
	c.logger.Info("session client closed")
	return err
}

// dispatcher hands inbound messages to the request in flight, after
// dropping any still owed to abandoned requests.
type dispatcher struct {
	c *Client
}

func (d *dispatcher) OnMessage(url string, msg *Response) {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale > 0 {
		c.stale--
		c.logger.Warn("dropping late response to an abandoned request", zap.Int("still_expected", c.stale))
		return
	}
	p := c.pending
	if p == nil || p.delivered {
		c.logger.Warn("dropping response with no request awaiting it")
		return
	}
	p.delivered = true
	p.resp <- msg
}
