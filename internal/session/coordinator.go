// Package session glues the backend channel and the camera together. A single loop
// goroutine owns the annotation state and the outbound control pair.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbcorrales/gestalyze/internal/capture"
	"github.com/rbcorrales/gestalyze/internal/channel"
	"github.com/rbcorrales/gestalyze/internal/protocol"
)

var (
	// ErrUnknownModel is returned when a model identifier is not one of protocol.Models.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoCamera is recorded when the enumeration has no source to start.
	ErrNoCamera = errors.New("no camera available")
	// ErrStopped is returned by actions issued after Run has returned.
	ErrStopped = errors.New("session stopped")
)

const eventBuffer = 64

// Channel is the backend connection used by the Coordinator.
type Channel interface {
	Connect()
	Send(v any) bool
	OnOpen(func())
	OnStateChange(func(channel.State))
	OnMessage(func(protocol.Record))
	Close() error
}

// Camera is the capture side used by the Coordinator.
type Camera interface {
	ListSources(ctx context.Context) ([]capture.Source, error)
	SelectSource(id string) (capture.Source, bool)
	Start(ctx context.Context, id string) error
	Stop()
	SetInterval(d time.Duration) time.Duration
	IncrementInterval() time.Duration
	DecrementInterval() time.Duration
	Sources() []capture.Source
	Selected() (capture.Source, bool)
	Interval() time.Duration
	Streaming() bool
	Bounds() (lo, hi, step time.Duration)
	OnFrame(capture.FrameHandler)
	OnPreview(func([]byte))
}

// Config holds the Coordinator settings.
type Config struct {
	// Control is the initial feature toggle pair.
	Control protocol.Control
	// Camera is the source requested at startup. Empty selects the default.
	Camera string
}

// Snapshot is a read-only copy of the session state for presentation.
type Snapshot struct {
	Connection    channel.State    `json:"connection"`
	Annotation    Annotation       `json:"annotation"`
	Confidence    string           `json:"confidence,omitempty"`
	Control       protocol.Control `json:"control"`
	Sources       []capture.Source `json:"sources"`
	Selected      *capture.Source  `json:"selected"`
	IntervalMS    int64            `json:"interval_ms"`
	IntervalMinMS int64            `json:"interval_min_ms"`
	IntervalMaxMS int64            `json:"interval_max_ms"`
	Streaming     bool             `json:"streaming"`
	PreviewLive   bool             `json:"preview_live"`
	CameraError   string           `json:"camera_error,omitempty"`
	FramesSent    uint64           `json:"frames_sent"`
	FramesDropped uint64           `json:"frames_dropped"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Coordinator mediates between channel readiness, sampled frames and inbound records.
type Coordinator struct {
	cfg    Config
	ch     Channel
	cam    Camera
	logger *slog.Logger

	events chan func()
	frames chan capture.Frame
	done   chan struct{}
	ran    atomic.Bool

	// Owned by the loop goroutine.
	state      channel.State
	control    protocol.Control
	annotation Annotation
	cameraErr  error

	sent        atomic.Uint64
	dropped     atomic.Uint64
	previewLive atomic.Bool

	// camMu serializes camera actions with shutdown so no track is acquired after Stop.
	camMu      sync.Mutex
	camStopped bool

	snapMu sync.RWMutex
	snap   Snapshot

	subsMu sync.Mutex
	subs   []func(Snapshot)
}

// New creates a Coordinator and subscribes it to ch and cam. Run starts it.
func New(cfg Config, ch Channel, cam Camera, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Control.ModelType == "" {
		cfg.Control.ModelType = protocol.ModelCustom
	}

	c := &Coordinator{
		cfg:     cfg,
		ch:      ch,
		cam:     cam,
		logger:  logger.With("component", "session"),
		events:  make(chan func(), eventBuffer),
		frames:  make(chan capture.Frame, 1),
		done:    make(chan struct{}),
		state:   channel.StateClosed,
		control: cfg.Control,
	}

	ch.OnOpen(func() {
		c.post(func() {
			c.state = channel.StateOpen
			c.announce()
		})
	})
	ch.OnStateChange(func(s channel.State) {
		c.post(func() { c.state = s })
	})
	ch.OnMessage(func(rec protocol.Record) {
		c.post(func() { c.merge(rec) })
	})
	cam.OnFrame(c.offerFrame)
	cam.OnPreview(c.previewChanged)

	c.snap = c.buildSnapshot()
	return c
}

// OnUpdate registers a presentation callback invoked from the loop goroutine after every
// change. Callbacks must not block.
func (c *Coordinator) OnUpdate(fn func(Snapshot)) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs = append(c.subs, fn)
}

// Snapshot returns the latest published state.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Run connects the channel, starts the camera and processes events until ctx is done.
// On return the camera is released and the channel is closed.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer c.shutdown()

	c.logger.Info("session starting",
		"enable_asl", c.control.EnableASL,
		"model", c.control.ModelType,
	)
	c.ch.Connect()
	go c.cameraAction(func() error { return c.startCamera(ctx, c.cfg.Camera, false) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
			c.publish()
		case frame := <-c.frames:
			c.forward(frame)
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.done)

	c.camMu.Lock()
	c.camStopped = true
	c.cam.Stop()
	c.camMu.Unlock()

	if err := c.ch.Close(); err != nil {
		c.logger.Warn("failed to close channel", "error", err)
	}
	c.logger.Info("session stopped",
		"frames_sent", c.sent.Load(),
		"frames_dropped", c.dropped.Load(),
	)
}

// post queues fn for the loop. It returns false once the session has stopped.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() {
		fn()
		close(finished)
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// announce sends the control pair when the loop's view of the channel is Open.
func (c *Coordinator) announce() {
	if c.state != channel.StateOpen {
		return
	}
	if c.ch.Send(c.control) {
		c.logger.Info("control announced",
			"enable_asl", c.control.EnableASL,
			"model", c.control.ModelType,
		)
	}
}

func (c *Coordinator) merge(rec protocol.Record) {
	for _, err := range c.annotation.Merge(rec) {
		c.logger.Warn("dropping malformed field", "error", err)
	}
}

// offerFrame stores f in the single-slot mailbox, replacing an unsent older frame.
func (c *Coordinator) offerFrame(f capture.Frame) {
	select {
	case c.frames <- f:
		return
	default:
	}

	select {
	case <-c.frames:
		c.dropped.Add(1)
	default:
	}

	select {
	case c.frames <- f:
	default:
		c.dropped.Add(1)
	}
}

// previewChanged republishes when the camera starts or stops delivering images.
func (c *Coordinator) previewChanged(jpeg []byte) {
	live := jpeg != nil
	if c.previewLive.Swap(live) != live {
		c.post(func() {})
	}
}

// forward sends a frame while Open and drops it otherwise.
func (c *Coordinator) forward(f capture.Frame) {
	if c.state != channel.StateOpen {
		c.dropped.Add(1)
		return
	}
	if !c.ch.Send(protocol.NewFrameMessage(f.JPEG)) {
		c.dropped.Add(1)
		return
	}
	c.sent.Add(1)
}

// SetASLEnabled updates the feature flag and announces it if the channel is Open.
// While not Open the value is held for the next Open.
func (c *Coordinator) SetASLEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() {
		if c.control.EnableASL == enabled {
			return
		}
		c.control.EnableASL = enabled
		c.announce()
	})
}

// ToggleASL flips the feature flag and returns the new value.
func (c *Coordinator) ToggleASL(ctx context.Context) (bool, error) {
	var enabled bool
	err := c.do(ctx, func() {
		c.control.EnableASL = !c.control.EnableASL
		enabled = c.control.EnableASL
		c.announce()
	})
	return enabled, err
}

// SetModel selects the classification model.
func (c *Coordinator) SetModel(ctx context.Context, model protocol.ModelType) error {
	if !model.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return c.do(ctx, func() {
		if c.control.ModelType == model {
			return
		}
		c.control.ModelType = model
		c.announce()
	})
}

// PatchControl applies the given toggles on the loop and returns the resulting pair. A nil
// field keeps its current value. A change is announced as one message.
func (c *Coordinator) PatchControl(ctx context.Context, enableASL *bool, model *protocol.ModelType) (protocol.Control, error) {
	if model != nil && !model.Valid() {
		return protocol.Control{}, fmt.Errorf("%w: %q", ErrUnknownModel, *model)
	}
	var got protocol.Control
	err := c.do(ctx, func() {
		next := c.control
		if enableASL != nil {
			next.EnableASL = *enableASL
		}
		if model != nil {
			next.ModelType = *model
		}
		got = next
		if c.control == next {
			return
		}
		c.control = next
		c.announce()
	})
	return got, err
}

// SelectCamera switches the stream to source id, falling back to the default source
// when id is not enumerated.
func (c *Coordinator) SelectCamera(ctx context.Context, id string) error {
	return c.cameraAction(func() error { return c.startCamera(ctx, id, false) })
}

// RefreshCameras re-enumerates sources. The running stream is kept if its source is
// still present; otherwise the default source is started.
func (c *Coordinator) RefreshCameras(ctx context.Context) error {
	return c.cameraAction(func() error { return c.startCamera(ctx, "", true) })
}

// SetInterval applies a new sampling interval and returns the effective value.
func (c *Coordinator) SetInterval(d time.Duration) (time.Duration, error) {
	return c.intervalAction(func() time.Duration { return c.cam.SetInterval(d) })
}

// IncrementInterval lengthens the sampling interval by one step.
func (c *Coordinator) IncrementInterval() (time.Duration, error) {
	return c.intervalAction(c.cam.IncrementInterval)
}

// DecrementInterval shortens the sampling interval by one step.
func (c *Coordinator) DecrementInterval() (time.Duration, error) {
	return c.intervalAction(c.cam.DecrementInterval)
}

func (c *Coordinator) intervalAction(fn func() time.Duration) (time.Duration, error) {
	var got time.Duration
	err := c.withCamera(func() error {
		got = fn()
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.post(func() {})
	return got, nil
}

// cameraAction runs fn on the caller's goroutine, records its outcome and republishes.
// Device acquisition can block, so it never runs on the loop.
func (c *Coordinator) cameraAction(fn func() error) error {
	err := c.withCamera(fn)
	if errors.Is(err, ErrStopped) {
		return err
	}
	c.post(func() { c.cameraErr = err })
	return err
}

func (c *Coordinator) withCamera(fn func() error) error {
	c.camMu.Lock()
	defer c.camMu.Unlock()

	if c.camStopped {
		return ErrStopped
	}
	return fn()
}

func (c *Coordinator) startCamera(ctx context.Context, id string, refresh bool) error {
	if len(c.cam.Sources()) == 0 || refresh {
		if _, err := c.cam.ListSources(ctx); err != nil {
			c.logger.Warn("camera enumeration failed", "error", err)
			return err
		}
	}

	if refresh {
		if _, ok := c.cam.Selected(); ok && c.cam.Streaming() {
			return nil
		}
	}

	src, ok := c.cam.SelectSource(id)
	if !ok {
		c.cam.Stop()
		c.logger.Warn("no camera to start")
		return ErrNoCamera
	}
	return c.cam.Start(ctx, src.ID)
}

func (c *Coordinator) publish() {
	snap := c.buildSnapshot()

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	c.subsMu.Lock()
	subs := append([]func(Snapshot){}, c.subs...)
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (c *Coordinator) buildSnapshot() Snapshot {
	snap := Snapshot{
		Connection:    c.state,
		Annotation:    c.annotation.Clone(),
		Control:       c.control,
		Sources:       c.cam.Sources(),
		IntervalMS:    c.cam.Interval().Milliseconds(),
		Streaming:     c.cam.Streaming(),
		PreviewLive:   c.previewLive.Load(),
		FramesSent:    c.sent.Load(),
		FramesDropped: c.dropped.Load(),
		UpdatedAt:     time.Now(),
	}
	snap.Confidence = snap.Annotation.ConfidenceLabel()
	lo, hi, _ := c.cam.Bounds()
	snap.IntervalMinMS, snap.IntervalMaxMS = lo.Milliseconds(), hi.Milliseconds()
	if src, ok := c.cam.Selected(); ok {
		snap.Selected = &src
	}
	if c.cameraErr != nil {
		snap.CameraError = c.cameraErr.Error()
	}
	return snap
}
