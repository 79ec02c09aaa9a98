// Package capture owns the camera device: it enumerates and selects sources, runs the
// active feed and samples JPEG stills from it on a configurable cadence.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

// Requested capture resolution. The device may substitute a lower capability.
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

// ErrCameraNotOpen is returned when trying to read from a camera that is not open.
var ErrCameraNotOpen = errors.New("camera is not open")

// ErrFrameNotReady is returned when the feed has no frame to sample yet.
var ErrFrameNotReady = errors.New("frame not ready")

// Constraints describe the preferred capture format.
type Constraints struct {
	Width  int
	Height int
}

// Camera defines the interface for camera capture implementations. A Camera is one
// device track.
type Camera interface {
	Open(Constraints) error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	IsOpen() bool
}

// cameraImpl manages video capture from a camera device using GoCV.
type cameraImpl struct {
	deviceID string
	capture  *gocv.VideoCapture
	mu       sync.Mutex
	running  bool
}

// NewCamera creates a new Camera for the given source ID. Numeric IDs are device
// indices; anything else is opened as a file or stream URL.
func NewCamera(deviceID string) Camera {
	return &cameraImpl{deviceID: deviceID}
}

// Open acquires the device and requests the given resolution.
func (c *cameraImpl) Open(constraints Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(deviceArg(c.deviceID))
	if err != nil {
		return err
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("device %q did not open", c.deviceID)
	}

	if constraints.Width > 0 && constraints.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(constraints.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(constraints.Height))
	}

	c.capture = capture
	c.running = true

	return nil
}

// Close closes the camera and releases the device.
func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false

	return err
}

// ReadFrame reads a single frame from the camera.
// The caller is responsible for closing the returned Mat.
func (c *cameraImpl) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, ErrFrameNotReady
	}

	return &mat, nil
}

// IsOpen returns true if the camera is currently open.
func (c *cameraImpl) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

func deviceArg(id string) any {
	if index, err := strconv.Atoi(id); err == nil {
		return index
	}
	return id
}
