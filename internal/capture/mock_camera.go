package capture

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockCamera plays back pre-recorded frames. It stands in for a device in tests and in
// the --mock run mode.
type MockCamera struct {
	frames  []*gocv.Mat
	index   int
	loop    bool
	mu      sync.Mutex
	running bool

	// OpenErr is returned by Open when set.
	OpenErr error
	// NotReady makes the next N reads report ErrFrameNotReady.
	NotReady int

	opens       int
	closes      int
	constraints Constraints
}

// NewMockCamera creates a MockCamera over frames. With loop set, playback wraps around
// instead of running dry.
func NewMockCamera(frames []*gocv.Mat, loop bool) *MockCamera {
	return &MockCamera{
		frames: frames,
		loop:   loop,
	}
}

// Open acquires the track and rewinds playback, or fails with OpenErr.
func (c *MockCamera) Open(constraints Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.OpenErr != nil {
		return c.OpenErr
	}
	c.running = true
	c.index = 0
	c.opens++
	c.constraints = constraints
	return nil
}

// Close releases the track. Closing a released track is a no-op.
func (c *MockCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.closes++
	}
	c.running = false
	return nil
}

// ReadFrame returns a clone of the next frame. The caller closes it.
func (c *MockCamera) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, ErrCameraNotOpen
	}

	if c.NotReady > 0 {
		c.NotReady--
		return nil, ErrFrameNotReady
	}

	if len(c.frames) == 0 {
		return nil, ErrFrameNotReady
	}

	if c.index >= len(c.frames) {
		if !c.loop {
			return nil, ErrFrameNotReady
		}
		c.index = 0
	}

	// Clone the frame so the original isn't modified
	frame := c.frames[c.index].Clone()
	c.index++

	return &frame, nil
}

// IsOpen reports whether the track is acquired.
func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Opens returns how many times the track was acquired.
func (c *MockCamera) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Closes returns how many times an open track was released.
func (c *MockCamera) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Constraints returns the format requested by the last Open.
func (c *MockCamera) Constraints() Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.constraints
}

// SetFrames replaces the frame sequence and rewinds playback.
func (c *MockCamera) SetFrames(frames []*gocv.Mat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = frames
	c.index = 0
}
