package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbcorrales/gestalyze/internal/capture"
	"github.com/rbcorrales/gestalyze/internal/channel"
	"github.com/rbcorrales/gestalyze/internal/config"
	"github.com/rbcorrales/gestalyze/internal/store"
)

// fakeBackend answers every frame with a fixed annotation and records the controls it saw.
type fakeBackend struct {
	mu       sync.Mutex
	controls []map[string]any
	frames   int
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		b.mu.Lock()
		if _, ok := msg["image"]; ok {
			b.frames++
		} else {
			b.controls = append(b.controls, msg)
		}
		b.mu.Unlock()

		if _, ok := msg["image"]; ok {
			reply := `{"hand_detected": true, "finger_count": 0, "hand_view": "palm", "handedness": "right", "lifted_fingers": [], "asl_letter": "A", "asl_probabilities": {"A": 0.92}}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}
}

func (b *fakeBackend) stats() (int, []map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames, append([]map[string]any(nil), b.controls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.URL = backendURL
	cfg.Backend.ReconnectDelay = 50 * time.Millisecond
	cfg.Camera.Interval = 50 * time.Millisecond
	cfg.ASL.Enabled = true
	cfg.Store.Path = filepath.Join(t.TempDir(), "gestalyze.db")
	cfg.Server.Enabled = false
	cfg.Tray.Enabled = false
	return cfg
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestApp_MockCameraRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	backend := &fakeBackend{}
	ts := httptest.NewServer(backend)
	defer ts.Close()

	pub := &recordingPublisher{}
	cfg := testConfig(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	a, err := New(cfg, Options{Mock: true, Publisher: pub}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.Tray() != nil {
		t.Error("tray should be nil when disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	eventually(t, func() bool {
		snap := a.Session().Snapshot()
		return snap.Connection == channel.StateOpen &&
			snap.Annotation.Letter != nil && *snap.Annotation.Letter == "A"
	}, "annotated letter")

	snap := a.Session().Snapshot()
	if snap.Confidence != "92.0%" {
		t.Errorf("Confidence = %q, want 92.0%%", snap.Confidence)
	}
	if snap.Selected == nil || snap.Selected.ID != "mock" {
		t.Errorf("Selected = %v, want mock", snap.Selected)
	}

	frames, controls := backend.stats()
	if frames == 0 {
		t.Error("backend received no frames")
	}
	if len(controls) == 0 || controls[0]["enable_asl"] != true || controls[0]["model_type"] != "custom" {
		t.Errorf("first control = %v, want enable_asl true with custom model", controls)
	}

	eventually(t, func() bool {
		topics := pub.Topics()
		return len(topics) >= 2
	}, "relay publications")
	topics := pub.Topics()
	if topics[0] != "gestalyze/hand/status" || topics[1] != "gestalyze/gesture/recognized" {
		t.Errorf("topics = %v", topics)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if a.Camera().Streaming() {
		t.Error("camera still streaming after Run returned")
	}
	// The startup default is not an explicit choice and is not remembered.
	if _, err := a.Store().Preferences().Get(capture.PreferredCameraKey); err != store.ErrNotFound {
		t.Errorf("preferred camera lookup error = %v, want ErrNotFound", err)
	}
}

func TestApp_NewRejectsBadEndpoint(t *testing.T) {
	cfg := testConfig(t, "http://localhost:8000/ws")
	if _, err := New(cfg, Options{}, nil); err == nil {
		t.Fatal("New() should reject a non-WebSocket backend URL")
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	a, err := New(cfg, Options{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
