package channel

import (
	"encoding/json"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbcorrales/gestalyze/internal/protocol"
)

const testReconnectDelay = 20 * time.Millisecond

func newTestManager(d *fakeDialer) (*Manager, *stateRecorder) {
	m := NewManager(Config{URL: "ws://backend.test/ws", ReconnectDelay: testReconnectDelay}, d, nil)
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	return m, rec
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{URL: "ws://x"}, &fakeDialer{}, nil)

	if m.cfg.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("ReconnectDelay = %v, want %v", m.cfg.ReconnectDelay, DefaultReconnectDelay)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %v, want closed", m.State())
	}
}

func TestManager_ConnectOpens(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(d)
	defer m.Close()

	var opens atomic.Int32
	m.OnOpen(func() { opens.Add(1) })

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")

	want := []State{StateConnecting, StateOpen}
	eventually(t, func() bool { return reflect.DeepEqual(rec.States(), want) }, "connecting then open")

	if got := opens.Load(); got != 1 {
		t.Errorf("on-open hook ran %d times, want 1", got)
	}
	if got := m.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d, want 0 after open", got)
	}
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d)
	defer m.Close()

	m.Connect()
	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")
	m.Connect()

	time.Sleep(3 * testReconnectDelay)
	if got := d.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_SendRequiresOpen(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d)
	defer m.Close()

	if m.Send(protocol.Control{EnableASL: true, ModelType: protocol.ModelCustom}) {
		t.Error("Send() before Connect should return false")
	}

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")

	if !m.Send(protocol.Control{EnableASL: true, ModelType: protocol.ModelCustom}) {
		t.Fatal("Send() while open should return true")
	}

	sent := d.Last().Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0] != `{"enable_asl":true,"model_type":"custom"}` {
		t.Errorf("sent %s", sent[0])
	}
}

func TestManager_SendUnencodable(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d)
	defer m.Close()

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")

	if m.Send(make(chan int)) {
		t.Error("Send() of unencodable value should return false")
	}
	if m.State() != StateOpen {
		t.Error("encoding failure must not affect the connection")
	}
}

func TestManager_WriteErrorTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d)
	defer m.Close()

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")

	first := d.Last()
	first.mu.Lock()
	first.writeErr = errConnClosed
	first.mu.Unlock()

	if m.Send(protocol.FrameMessage{Image: "x"}) {
		t.Error("Send() should report the failed write")
	}

	eventually(t, func() bool { return d.Dials() == 2 && m.State() == StateOpen }, "reconnect after write error")
	if !first.isClosed() {
		t.Error("first connection should be closed")
	}
}

func TestManager_PeerCloseReconnects(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(d)
	defer m.Close()

	var opens atomic.Int32
	m.OnOpen(func() { opens.Add(1) })

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")

	first := d.Last()
	dropped := time.Now()
	first.closeFromPeer()

	eventually(t, func() bool { return d.Dials() == 2 && m.State() == StateOpen }, "second open")
	if elapsed := time.Since(dropped); elapsed < testReconnectDelay {
		t.Errorf("reconnected after %v, want at least %v", elapsed, testReconnectDelay)
	}

	want := []State{StateConnecting, StateOpen, StateClosed, StateConnecting, StateOpen}
	eventually(t, func() bool { return reflect.DeepEqual(rec.States(), want) }, "full transition sequence")

	if !first.isClosed() {
		t.Error("previous handle should be closed before reconnecting")
	}
	if got := opens.Load(); got != 2 {
		t.Errorf("on-open hook ran %d times, want 2", got)
	}
}

func TestManager_DialFailureIsFailedAndRetried(t *testing.T) {
	d := &fakeDialer{fail: 2}
	m, rec := newTestManager(d)
	defer m.Close()

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open after failures")

	want := []State{
		StateConnecting, StateFailed,
		StateConnecting, StateFailed,
		StateConnecting, StateOpen,
	}
	eventually(t, func() bool { return reflect.DeepEqual(rec.States(), want) }, "failed transitions")

	if got := d.Dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestManager_AttemptsCountFailures(t *testing.T) {
	d := &fakeDialer{fail: 1000}
	m := NewManager(Config{URL: "ws://x", ReconnectDelay: time.Hour}, d, nil)
	defer m.Close()

	m.Connect()
	eventually(t, func() bool { return m.State() == StateFailed }, "failed")

	if got := m.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}

	// A manual connect replaces the pending timer.
	m.Connect()
	eventually(t, func() bool { return d.Dials() == 2 }, "second dial")
	eventually(t, func() bool { return m.State() == StateFailed }, "failed again")
	if got := m.Attempts(); got != 2 {
		t.Errorf("Attempts() = %d, want 2", got)
	}
}

func TestManager_InboundDispatch(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(d)
	defer m.Close()

	var mu sync.Mutex
	var got []protocol.Record
	m.OnMessage(func(r protocol.Record) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")

	conn := d.Last()
	conn.inbound <- []byte(`{"hand_detected":true}`)
	conn.inbound <- []byte(`garbage`)
	conn.inbound <- []byte(`{"finger_count":3}`)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "two records")

	mu.Lock()
	defer mu.Unlock()
	var count int
	if err := json.Unmarshal(got[1][protocol.FieldFingerCount], &count); err != nil || count != 3 {
		t.Errorf("second record finger_count = %d (err %v), want 3", count, err)
	}
	if m.State() != StateOpen {
		t.Error("malformed message must not affect the connection")
	}
}

func TestManager_CloseCancelsReconnect(t *testing.T) {
	d := &fakeDialer{fail: 1}
	m, rec := newTestManager(d)

	m.Connect()
	eventually(t, func() bool { return m.State() == StateFailed }, "failed")

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	seen := len(rec.States())

	time.Sleep(5 * testReconnectDelay)

	if got := d.Dials(); got != 1 {
		t.Errorf("dials = %d after Close, want 1", got)
	}
	if got := len(rec.States()); got != seen {
		t.Errorf("received %d notifications after Close", got-seen)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %v, want closed", m.State())
	}

	m.Connect()
	time.Sleep(2 * testReconnectDelay)
	if got := d.Dials(); got != 1 {
		t.Error("Connect() after Close should be a no-op")
	}
}

func TestManager_CloseReleasesConnection(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(d)

	var received atomic.Int32
	m.OnMessage(func(protocol.Record) { received.Add(1) })

	m.Connect()
	eventually(t, func() bool { return m.State() == StateOpen }, "open")
	conn := d.Last()

	m.Close()
	seen := len(rec.States())

	if !conn.isClosed() {
		t.Error("Close() should close the live connection")
	}
	if m.Send(protocol.FrameMessage{Image: "x"}) {
		t.Error("Send() after Close should return false")
	}

	conn.inbound <- []byte(`{"hand_detected":true}`)
	time.Sleep(3 * testReconnectDelay)

	if received.Load() != 0 {
		t.Error("no message should be delivered after Close")
	}
	if got := len(rec.States()); got != seen {
		t.Errorf("received %d notifications after Close", got-seen)
	}
	if d.Dials() != 1 {
		t.Error("Close() must not trigger a reconnect")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:     "closed",
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateFailed:     "failed",
		State(42):       "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
