// Package relay republishes hand status and recognized letters to an MQTT broker.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbcorrales/gestalyze/internal/session"
)

// Topic suffixes under the configured prefix.
const (
	TopicHandStatus        = "hand/status"
	TopicGestureRecognized = "gesture/recognized"
)

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// HandStatus is published whenever the tracked hand changes.
type HandStatus struct {
	Timestamp       string  `json:"timestamp"`
	Hand            *string `json:"hand"`
	Orientation     *string `json:"orientation"`
	ExtendedFingers []int   `json:"extended_fingers"`
}

// GestureEvent is published whenever the recognized letter changes.
type GestureEvent struct {
	Timestamp       string  `json:"timestamp"`
	Gesture         string  `json:"gesture"`
	Confidence      float64 `json:"confidence"`
	Hand            *string `json:"hand"`
	Orientation     *string `json:"orientation"`
	ExtendedFingers []int   `json:"extended_fingers"`
}

// Relay turns session snapshots into MQTT events. Only changes are published.
type Relay struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastStatus  string
	lastGesture string
}

// New creates a Relay publishing under prefix.
func New(pub Publisher, prefix string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pub:    pub,
		prefix: prefix,
		logger: logger.With("component", "relay"),
		now:    time.Now,
	}
}

// Topic returns the full topic for suffix.
func (r *Relay) Topic(suffix string) string {
	if r.prefix == "" {
		return suffix
	}
	return r.prefix + "/" + suffix
}

// Handle inspects a snapshot and publishes what changed. It is registered with
// Coordinator.OnUpdate.
func (r *Relay) Handle(snap session.Snapshot) {
	a := snap.Annotation
	if a.HandDetected == nil || !*a.HandDetected {
		r.mu.Lock()
		r.lastStatus, r.lastGesture = "", ""
		r.mu.Unlock()
		return
	}

	fingers := a.LiftedFingers
	if fingers == nil {
		fingers = []int{}
	}
	ts := r.now().UTC().Format(time.RFC3339Nano)

	status := HandStatus{
		Timestamp:       ts,
		Hand:            a.Handedness,
		Orientation:     a.HandView,
		ExtendedFingers: fingers,
	}
	if r.changed(&r.lastStatus, statusKey(status)) {
		r.publish(TopicHandStatus, status)
	}

	if !snap.Control.EnableASL || a.Letter == nil {
		return
	}
	event := GestureEvent{
		Timestamp:       ts,
		Gesture:         *a.Letter,
		Confidence:      a.Probabilities[*a.Letter],
		Hand:            a.Handedness,
		Orientation:     a.HandView,
		ExtendedFingers: fingers,
	}
	if r.changed(&r.lastGesture, gestureKey(event)) {
		r.publish(TopicGestureRecognized, event)
	}
}

func (r *Relay) changed(last *string, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *last == key {
		return false
	}
	*last = key
	return true
}

func (r *Relay) publish(suffix string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to encode event", "topic", suffix, "error", err)
		return
	}
	topic := r.Topic(suffix)
	if err := r.pub.Publish(topic, payload); err != nil {
		r.logger.Warn("failed to publish event", "topic", topic, "error", err)
		return
	}
	r.logger.Debug("event published", "topic", topic, "bytes", len(payload))
}

func statusKey(s HandStatus) string {
	return fmt.Sprintf("%s|%s|%v", deref(s.Hand), deref(s.Orientation), s.ExtendedFingers)
}

func gestureKey(e GestureEvent) string {
	return fmt.Sprintf("%s|%s|%s|%v", e.Gesture, deref(e.Hand), deref(e.Orientation), e.ExtendedFingers)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
