// Package protocol defines the JSON messages exchanged with the gesture analysis backend.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ModelType identifies the letter classification model the backend should use.
type ModelType string

// Available classification models.
const (
	ModelCustom ModelType = "custom"
	ModelOnline ModelType = "online"
)

// Models lists the model identifiers accepted by the backend, in display order.
var Models = []ModelType{ModelCustom, ModelOnline}

// Valid reports whether m is a known model identifier.
func (m ModelType) Valid() bool {
	for _, known := range Models {
		if m == known {
			return true
		}
	}
	return false
}

// Control carries the client-side feature toggles. It is re-announced on every new connection
// because the backend keeps no state across disconnects.
type Control struct {
	EnableASL bool      `json:"enable_asl"`
	ModelType ModelType `json:"model_type"`
}

// FrameMessage carries one sampled camera frame as a JPEG data URI.
type FrameMessage struct {
	Image string `json:"image"`
}

const jpegDataURIPrefix = "data:image/jpeg;base64,"

// NewFrameMessage wraps JPEG bytes into a frame message.
func NewFrameMessage(jpeg []byte) FrameMessage {
	return FrameMessage{Image: EncodeDataURI(jpeg)}
}

// EncodeDataURI returns the base64 data URI for a JPEG image.
func EncodeDataURI(jpeg []byte) string {
	return jpegDataURIPrefix + base64.StdEncoding.EncodeToString(jpeg)
}

// DecodeDataURI extracts the raw image bytes from a base64 data URI.
// A bare base64 payload without the "data:" header is accepted as well.
func DecodeDataURI(uri string) ([]byte, error) {
	payload := uri
	if strings.HasPrefix(uri, "data:") {
		i := strings.IndexByte(uri, ',')
		if i < 0 {
			return nil, errors.New("data uri has no payload separator")
		}
		if !strings.HasSuffix(uri[:i], ";base64") {
			return nil, fmt.Errorf("data uri is not base64 encoded: %q", uri[:i])
		}
		payload = uri[i+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	return data, nil
}

// Inbound field names sent by the backend.
const (
	FieldImageWithLandmarks = "image_with_landmarks"
	FieldHandDetected       = "hand_detected"
	FieldFingerCount        = "finger_count"
	FieldHandView           = "hand_view"
	FieldHandedness         = "handedness"
	FieldLiftedFingers      = "lifted_fingers"
	FieldASLLetter          = "asl_letter"
	FieldASLProbabilities   = "asl_probabilities"
)

// Record is one inbound backend message, kept as raw fields so that each field can be
// decoded and applied independently.
type Record map[string]json.RawMessage

// MalformedMessageError reports an inbound payload that could not be parsed.
type MalformedMessageError struct {
	Field string
	Err   error
}

func (e *MalformedMessageError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed message: %v", e.Err)
	}
	return fmt.Sprintf("malformed message field %q: %v", e.Field, e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// ParseRecord parses an inbound frame. Anything other than a JSON object is rejected.
func ParseRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &MalformedMessageError{Err: err}
	}
	if rec == nil {
		return nil, &MalformedMessageError{Err: errors.New("payload is null")}
	}
	return rec, nil
}

// Has reports whether the record carries the named field, including an explicit null.
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// IsNull reports whether the named field is present with a JSON null value.
func (r Record) IsNull(field string) bool {
	raw, ok := r[field]
	return ok && strings.TrimSpace(string(raw)) == "null"
}

// Decode unmarshals the named field into v. It returns a MalformedMessageError when the
// field does not match the target type.
func (r Record) Decode(field string, v any) error {
	raw, ok := r[field]
	if !ok {
		return &MalformedMessageError{Field: field, Err: errors.New("field not present")}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &MalformedMessageError{Field: field, Err: err}
	}
	return nil
}
