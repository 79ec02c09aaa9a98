package server

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/rbcorrales/gestalyze/internal/protocol"
)

const mjpegBoundary = "frame"

// PreviewHandler serves the latest image of a feed as MJPEG.
type PreviewHandler struct {
	mu      sync.Mutex
	uri     string
	jpeg    []byte
	changed chan struct{}
	closed  bool
}

// NewPreviewHandler creates a PreviewHandler with no image.
func NewPreviewHandler() *PreviewHandler {
	return &PreviewHandler{changed: make(chan struct{})}
}

// Update replaces the preview with the image in the data URI. Repeats and undecodable
// images are ignored.
func (h *PreviewHandler) Update(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || uri == h.uri {
		return
	}
	jpeg, err := protocol.DecodeDataURI(uri)
	if err != nil || len(jpeg) == 0 {
		return
	}
	h.uri = uri
	h.setLocked(jpeg)
}

// Set replaces the preview with jpeg. Nil clears it until the next image.
func (h *PreviewHandler) Set(jpeg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || (len(jpeg) == 0 && h.jpeg == nil) {
		return
	}
	if len(jpeg) == 0 {
		jpeg = nil
	}
	h.uri = ""
	h.setLocked(jpeg)
}

func (h *PreviewHandler) setLocked(jpeg []byte) {
	h.jpeg = jpeg
	close(h.changed)
	h.changed = make(chan struct{})
}

// current returns the latest image and a channel closed on the next change.
func (h *PreviewHandler) current() ([]byte, <-chan struct{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jpeg, h.changed, h.closed
}

// ServeFrame writes the latest image as a single JPEG.
func (h *PreviewHandler) ServeFrame(w http.ResponseWriter, r *http.Request) {
	jpeg, _, _ := h.current()
	if jpeg == nil {
		http.Error(w, "No preview yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(jpeg)
}

// ServeHTTP streams every new image as a multipart MJPEG part.
func (h *PreviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flush(w)

	var sent []byte
	for {
		jpeg, changed, closed := h.current()
		if closed {
			return
		}
		if jpeg == nil {
			sent = nil
		} else if !bytes.Equal(jpeg, sent) {
			if err := writePart(w, jpeg); err != nil {
				return
			}
			flush(w)
			sent = jpeg
		}

		select {
		case <-r.Context().Done():
			return
		case <-changed:
		}
	}
}

func writePart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Close ends every open stream.
func (h *PreviewHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.changed)
}
