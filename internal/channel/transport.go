package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrPeerClosed is returned by Conn.ReadMessage when the backend closed the connection.
var ErrPeerClosed = errors.New("connection closed by peer")

// Conn is one live transport handle. ReadMessage is only called from a single goroutine;
// WriteMessage calls are serialized by the Manager.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport handles.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// TransportError reports a failed connection attempt.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dial %s (status %d): %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
