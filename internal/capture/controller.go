package capture

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Sampling defaults.
const (
	DefaultInterval    = 300 * time.Millisecond
	DefaultMinInterval = 50 * time.Millisecond
	DefaultMaxInterval = 2000 * time.Millisecond
	DefaultStep        = 10 * time.Millisecond
	DefaultQuality     = 80

	// PreferredCameraKey is the preference under which the chosen source is remembered.
	PreferredCameraKey   = "preferred_camera"
	DefaultPreferenceTTL = 30 * 24 * time.Hour
)

// Config holds the Controller settings.
type Config struct {
	Interval      time.Duration
	MinInterval   time.Duration
	MaxInterval   time.Duration
	Step          time.Duration
	Quality       int
	Width         int
	Height        int
	PreferenceTTL time.Duration
}

// DefaultConfig returns the default sampling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      DefaultInterval,
		MinInterval:   DefaultMinInterval,
		MaxInterval:   DefaultMaxInterval,
		Step:          DefaultStep,
		Quality:       DefaultQuality,
		Width:         DefaultWidth,
		Height:        DefaultHeight,
		PreferenceTTL: DefaultPreferenceTTL,
	}
}

// Frame is one sampled still.
type Frame struct {
	Seq        uint64
	JPEG       []byte
	Width      int
	Height     int
	CapturedAt time.Time
	Source     string
}

// FrameHandler receives sampled frames. It is called from the sampling goroutine and must
// not block.
type FrameHandler func(Frame)

// Opener creates the device track for a source.
type Opener func(id string) Camera

// Preferences is the durable key/value store used to remember the chosen source.
type Preferences interface {
	Get(key string) (string, error)
	Set(key, value string, ttl time.Duration) error
}

// Controller owns the camera. At most one StreamSession (device track plus sampling loop)
// is active at a time.
type Controller struct {
	cfg        Config
	enumerator Enumerator
	open       Opener
	prefs      Preferences
	encode     func(*gocv.Mat, int) ([]byte, error)
	logger     *slog.Logger

	// opMu serializes Start, Stop and SetInterval.
	opMu sync.Mutex

	mu         sync.Mutex
	sources    []Source
	selected   string
	active     Source
	camera     Camera
	interval   time.Duration
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	onFrame    FrameHandler
	preview    []byte
	onPreview  []func([]byte)

	seq         atomic.Uint64
	activeLoops atomic.Int32
}

// NewController creates a Controller. A nil opener uses NewCamera; prefs may be nil.
func NewController(cfg Config, enumerator Enumerator, open Opener, prefs Preferences, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if cfg.PreferenceTTL <= 0 {
		cfg.PreferenceTTL = def.PreferenceTTL
	}
	if open == nil {
		open = NewCamera
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:        cfg,
		enumerator: enumerator,
		open:       open,
		prefs:      prefs,
		encode:     EncodeJPEG,
		logger:     logger.With("component", "capture"),
	}
	c.interval = c.clamp(cfg.Interval)
	return c
}

// OnFrame registers the frame handler, replacing any previous one.
func (c *Controller) OnFrame(fn FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// OnPreview registers fn to receive every sampled JPEG, and nil when the StreamSession
// ends. fn must not block.
func (c *Controller) OnPreview(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPreview = append(c.onPreview, fn)
}

// Preview returns the latest JPEG sampled by the active StreamSession, or nil while no
// frame has arrived yet.
func (c *Controller) Preview() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preview
}

func (c *Controller) setPreview(data []byte) {
	c.mu.Lock()
	if data == nil && c.preview == nil {
		c.mu.Unlock()
		return
	}
	c.preview = data
	subs := append([]func([]byte){}, c.onPreview...)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(data)
	}
}

// ListSources enumerates the available sources and records them as the current
// enumeration. A selection that is no longer present is cleared.
func (c *Controller) ListSources(ctx context.Context) ([]Source, error) {
	sources, err := c.enumerator.Enumerate(ctx)
	if err != nil {
		var enumErr *DeviceEnumerationError
		if !errors.As(err, &enumErr) {
			err = &DeviceEnumerationError{Err: err}
		}
		return nil, err
	}

	c.mu.Lock()
	c.sources = append([]Source(nil), sources...)
	if _, ok := findSource(c.sources, c.selected); !ok {
		c.selected = ""
	}
	c.mu.Unlock()

	c.logger.Info("cameras enumerated", "count", len(sources))
	return sources, nil
}

// SelectSource selects id if it is a member of the last enumeration and remembers the
// choice. Otherwise it falls back to the remembered preference if still present, else the
// second source, else the first. It returns false when there is nothing to select.
func (c *Controller) SelectSource(id string) (Source, bool) {
	c.mu.Lock()
	if src, ok := findSource(c.sources, id); ok {
		c.selected = src.ID
		c.mu.Unlock()
		c.remember(src.ID)
		return src, true
	}
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()

	src, ok := c.defaultSource(sources)

	c.mu.Lock()
	c.selected = src.ID
	c.mu.Unlock()

	if id != "" {
		c.logger.Info("camera not found, using fallback", "requested", id, "selected", src.ID)
	}
	return src, ok
}

// DefaultSource returns the source SelectSource would fall back to.
func (c *Controller) DefaultSource() (Source, bool) {
	return c.defaultSource(c.Sources())
}

func (c *Controller) defaultSource(sources []Source) (Source, bool) {
	if c.prefs != nil {
		if id, err := c.prefs.Get(PreferredCameraKey); err == nil {
			if src, ok := findSource(sources, id); ok {
				return src, true
			}
		}
	}

	switch {
	case len(sources) >= 2:
		return sources[1], true
	case len(sources) == 1:
		return sources[0], true
	default:
		return Source{}, false
	}
}

func (c *Controller) remember(id string) {
	if c.prefs == nil {
		return
	}
	if err := c.prefs.Set(PreferredCameraKey, id, c.cfg.PreferenceTTL); err != nil {
		c.logger.Warn("failed to remember camera", "camera", id, "error", err)
	}
}

// Start tears down the current StreamSession and starts a new one on source id. The old
// sampling loop has exited and the old track is released before the new track is opened.
func (c *Controller) Start(ctx context.Context, id string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stopLocked()

	c.mu.Lock()
	src, ok := findSource(c.sources, id)
	c.mu.Unlock()
	if !ok {
		return &DeviceAcquisitionError{SourceID: id, Err: ErrUnknownSource}
	}
	if err := ctx.Err(); err != nil {
		return &DeviceAcquisitionError{SourceID: id, Err: err}
	}

	cam := c.open(id)
	if err := cam.Open(Constraints{Width: c.cfg.Width, Height: c.cfg.Height}); err != nil {
		cam.Close()
		c.logger.Warn("camera acquisition failed", "camera", id, "error", err)
		return &DeviceAcquisitionError{SourceID: id, Err: err}
	}

	c.mu.Lock()
	c.selected = src.ID
	c.active = src
	c.camera = cam
	c.mu.Unlock()

	c.startLoopLocked()
	c.logger.Info("camera started", "camera", id, "label", src.Label, "interval", c.Interval())
	return nil
}

// Stop cancels the sampling loop and releases the device track. It is idempotent.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked()
}

// SetInterval clamps d to [MinInterval, MaxInterval] and applies it immediately by
// restarting the sampling loop. It returns the effective interval.
func (c *Controller) SetInterval(d time.Duration) time.Duration {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.setIntervalLocked(d)
}

// IncrementInterval lengthens the interval by one step.
func (c *Controller) IncrementInterval() time.Duration {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.setIntervalLocked(c.Interval() + c.cfg.Step)
}

// DecrementInterval shortens the interval by one step.
func (c *Controller) DecrementInterval() time.Duration {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.setIntervalLocked(c.Interval() - c.cfg.Step)
}

func (c *Controller) setIntervalLocked(d time.Duration) time.Duration {
	d = c.clamp(d)

	c.mu.Lock()
	changed := d != c.interval
	c.interval = d
	streaming := c.camera != nil
	c.mu.Unlock()

	if changed && streaming {
		c.stopLoopLocked()
		c.startLoopLocked()
	}
	return d
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	if d < c.cfg.MinInterval {
		return c.cfg.MinInterval
	}
	if d > c.cfg.MaxInterval {
		return c.cfg.MaxInterval
	}
	return d
}

func (c *Controller) stopLocked() {
	c.stopLoopLocked()

	c.mu.Lock()
	cam := c.camera
	id := c.active.ID
	c.camera = nil
	c.active = Source{}
	c.mu.Unlock()
	c.setPreview(nil)

	if cam == nil {
		return
	}
	if err := cam.Close(); err != nil {
		c.logger.Warn("failed to release camera", "camera", id, "error", err)
	}
	c.logger.Info("camera stopped", "camera", id)
}

// stopLoopLocked cancels the sampling loop and waits for it to return.
func (c *Controller) stopLoopLocked() {
	c.mu.Lock()
	cancel, done := c.loopCancel, c.loopDone
	c.loopCancel, c.loopDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	cam, src, interval := c.camera, c.active, c.interval
	c.loopCancel, c.loopDone = cancel, done
	c.mu.Unlock()

	c.activeLoops.Add(1)
	go c.sample(ctx, cam, src, interval, done)
}

func (c *Controller) sample(ctx context.Context, cam Camera, src Source, interval time.Duration, done chan struct{}) {
	defer close(done)
	defer c.activeLoops.Add(-1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(cam, src)
		}
	}
}

// tick samples one frame. A feed that is not ready is skipped.
func (c *Controller) tick(cam Camera, src Source) {
	mat, err := cam.ReadFrame()
	if err != nil {
		c.logger.Debug("skipping tick", "camera", src.ID, "error", err)
		return
	}
	defer mat.Close()

	data, err := c.encode(mat, c.cfg.Quality)
	if err != nil {
		c.logger.Warn("failed to encode frame", "camera", src.ID, "error", err)
		return
	}
	c.setPreview(data)

	c.mu.Lock()
	handler := c.onFrame
	c.mu.Unlock()
	if handler == nil {
		return
	}

	handler(Frame{
		Seq:        c.seq.Add(1),
		JPEG:       data,
		Width:      mat.Cols(),
		Height:     mat.Rows(),
		CapturedAt: time.Now(),
		Source:     src.ID,
	})
}

// Sources returns the last enumeration.
func (c *Controller) Sources() []Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Source(nil), c.sources...)
}

// Selected returns the selected source, if any.
func (c *Controller) Selected() (Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return findSource(c.sources, c.selected)
}

// Interval returns the effective sampling interval.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Streaming reports whether a StreamSession is active.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera != nil
}

// Bounds returns the interval clamp and step.
func (c *Controller) Bounds() (lo, hi, step time.Duration) {
	return c.cfg.MinInterval, c.cfg.MaxInterval, c.cfg.Step
}

// EncodeJPEG compresses mat as JPEG at the given quality (1-100).
func EncodeJPEG(mat *gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *mat, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	return bytes.Clone(buf.GetBytes()), nil
}
