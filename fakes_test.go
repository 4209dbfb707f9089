package writing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bt-bridge/writing-session/shared"
	"github.com/coder/websocket"
	"pgregory.net/rapid"
)

var errWriteFailed = errors.New("write failed")

type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	mu         sync.Mutex
	written    [][]byte
	failWrites int
	stall      chan struct{}
	closeCode  websocket.StatusCode
	closeOnce  sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.in:
		return b, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	stall := s.stall
	s.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	if s.failWrites > 0 {
		s.failWrites--
		return errWriteFailed
	}
	b := append([]byte(nil), data...)
	s.written = append(s.written, b)
	select {
	case s.out <- b:
	default:
	}
	return nil
}

func (s *fakeSocket) Close(code websocket.StatusCode, reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// drop simulates the peer going away.
func (s *fakeSocket) drop() {
	_ = s.Close(websocket.StatusGoingAway, "dropped")
}

func (s *fakeSocket) setFailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

// stallWrites makes writes hang until the returned channel is closed.
func (s *fakeSocket) stallWrites() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = make(chan struct{})
	return s.stall
}

func (s *fakeSocket) Written() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, 0, len(s.written))
	for _, b := range s.written {
		req := new(Request)
		if err := req.UnmarshalJSON(b); err != nil {
			continue
		}
		out = append(out, req)
	}
	return out
}

func (s *fakeSocket) CloseCode() websocket.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// respond answers every written request with whatever h returns.
func (s *fakeSocket) respond(h func(req *Request) *Response) {
	go func() {
		for {
			select {
			case b := <-s.out:
				req := new(Request)
				if err := req.UnmarshalJSON(b); err != nil {
					continue
				}
				resp := h(req)
				if resp == nil {
					continue
				}
				data, err := resp.MarshalJSON()
				if err != nil {
					continue
				}
				s.in <- data
			case <-s.closed:
				return
			}
		}
	}()
}

// fakeDialer hands out sockets pushed by the test, blocking until one is.
type fakeDialer struct {
	next chan *fakeSocket

	mu   sync.Mutex
	urls []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{next: make(chan *fakeSocket, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	select {
	case s := <-d.next:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// connect queues a fresh socket for the next dial.
func (d *fakeDialer) connect() *fakeSocket {
	s := newFakeSocket()
	d.next <- s
	return s
}

func testTransportConfig() shared.TransportConfig {
	return shared.TransportConfig{
		ReconnectMin:    5 * time.Millisecond,
		ReconnectMax:    20 * time.Millisecond,
		WriteTimeout:    100 * time.Millisecond,
		MaxSendAttempts: 3,
	}
}

func waitFor(cond func() bool, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func hintRequest(t rapid.TB, content string) *Request {
	t.Helper()
	req, err := NewRequest(ActionHint, &HintParam{Content: content, CreatedAt: testTime})
	if err != nil {
		t.Fatalf("building hint request: %v", err)
	}
	return req
}

func hintContents(reqs []*Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if p, ok := r.Param.(*HintParam); ok {
			out = append(out, p.Content)
		}
	}
	return out
}
