package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory transport handle.
type fakeConn struct {
	inbound   chan []byte
	peer      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	peerOnce  sync.Once

	mu       sync.Mutex
	sent     [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		peer:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.peer:
		return nil, ErrPeerClosed
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// closeFromPeer simulates the backend closing the connection.
func (c *fakeConn) closeFromPeer() {
	c.peerOnce.Do(func() { close(c.peer) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.sent))
	for i, data := range c.sent {
		out[i] = string(data)
	}
	return out
}

// fakeDialer hands out fakeConns and can be told to fail upcoming dials.
type fakeDialer struct {
	mu    sync.Mutex
	fail  int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail > 0 {
		d.fail--
		d.conns = append(d.conns, nil)
		return nil, &TransportError{URL: url, Err: errors.New("connection refused")}
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent successfully dialed connection.
func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i] != nil {
			return d.conns[i]
		}
	}
	return nil
}

// stateRecorder collects lifecycle transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
