package session

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"

	"github.com/rbcorrales/gestalyze/internal/protocol"
)

// Annotation is the latest merged view of backend output. Every field is independently
// optional: nil means unknown. Records update only the fields they carry.
type Annotation struct {
	Image         *string            `json:"image,omitempty"`
	HandDetected  *bool              `json:"hand_detected"`
	FingerCount   *int               `json:"finger_count"`
	HandView      *string            `json:"hand_view"`
	Handedness    *string            `json:"handedness"`
	LiftedFingers []int              `json:"lifted_fingers"`
	Letter        *string            `json:"asl_letter"`
	Probabilities map[string]float64 `json:"asl_probabilities"`
}

// Merge applies every field present in rec. A field that fails validation is skipped
// and reported; the remaining fields still apply. An explicit null clears the field.
func (a *Annotation) Merge(rec protocol.Record) []error {
	var errs []error
	apply := func(field string, fn func() error) {
		if !rec.Has(field) {
			return
		}
		if err := fn(); err != nil {
			var malformed *protocol.MalformedMessageError
			if !errors.As(err, &malformed) {
				err = &protocol.MalformedMessageError{Field: field, Err: err}
			}
			errs = append(errs, err)
		}
	}

	apply(protocol.FieldImageWithLandmarks, func() error {
		if rec.IsNull(protocol.FieldImageWithLandmarks) {
			return nil
		}
		var v string
		if err := rec.Decode(protocol.FieldImageWithLandmarks, &v); err != nil {
			return err
		}
		// An empty image never replaces the last good preview.
		if v != "" {
			a.Image = &v
		}
		return nil
	})

	apply(protocol.FieldHandDetected, func() error {
		if rec.IsNull(protocol.FieldHandDetected) {
			a.HandDetected = nil
			return nil
		}
		var v bool
		if err := rec.Decode(protocol.FieldHandDetected, &v); err != nil {
			return err
		}
		a.HandDetected = &v
		return nil
	})

	apply(protocol.FieldFingerCount, func() error {
		if rec.IsNull(protocol.FieldFingerCount) {
			a.FingerCount = nil
			return nil
		}
		var f float64
		if err := rec.Decode(protocol.FieldFingerCount, &f); err != nil {
			return err
		}
		n, err := wholeNumber(f, 0, 5)
		if err != nil {
			return err
		}
		a.FingerCount = &n
		return nil
	})

	apply(protocol.FieldHandView, func() error {
		v, err := decodeLabel(rec, protocol.FieldHandView, "palm", "back")
		if err != nil {
			return err
		}
		a.HandView = v
		return nil
	})

	apply(protocol.FieldHandedness, func() error {
		v, err := decodeLabel(rec, protocol.FieldHandedness, "left", "right")
		if err != nil {
			return err
		}
		a.Handedness = v
		return nil
	})

	apply(protocol.FieldLiftedFingers, func() error {
		if rec.IsNull(protocol.FieldLiftedFingers) {
			a.LiftedFingers = nil
			return nil
		}
		var raw []float64
		if err := rec.Decode(protocol.FieldLiftedFingers, &raw); err != nil {
			return err
		}
		fingers := make([]int, 0, len(raw))
		for _, f := range raw {
			n, err := wholeNumber(f, 0, 4)
			if err != nil {
				return err
			}
			fingers = append(fingers, n)
		}
		a.LiftedFingers = fingers
		return nil
	})

	apply(protocol.FieldASLLetter, func() error {
		if rec.IsNull(protocol.FieldASLLetter) {
			a.Letter = nil
			return nil
		}
		var v string
		if err := rec.Decode(protocol.FieldASLLetter, &v); err != nil {
			return err
		}
		if v == "" {
			a.Letter = nil
			return nil
		}
		a.Letter = &v
		return nil
	})

	apply(protocol.FieldASLProbabilities, func() error {
		if rec.IsNull(protocol.FieldASLProbabilities) {
			a.Probabilities = nil
			return nil
		}
		var v map[string]float64
		if err := rec.Decode(protocol.FieldASLProbabilities, &v); err != nil {
			return err
		}
		for letter, p := range v {
			if math.IsNaN(p) || p < 0 || p > 1 {
				return fmt.Errorf("probability for %q out of range: %v", letter, p)
			}
		}
		if v == nil {
			v = map[string]float64{}
		}
		a.Probabilities = v
		return nil
	})

	return errs
}

func wholeNumber(f float64, lo, hi int) (int, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not a whole number", f)
	}
	if f < float64(lo) || f > float64(hi) {
		return 0, fmt.Errorf("%v outside [%d, %d]", f, lo, hi)
	}
	return int(f), nil
}

// decodeLabel reads a lowercase enumerated label. Null clears it.
func decodeLabel(rec protocol.Record, field string, allowed ...string) (*string, error) {
	if rec.IsNull(field) {
		return nil, nil
	}
	var v string
	if err := rec.Decode(field, &v); err != nil {
		return nil, err
	}
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("unexpected value %q", v)
}

// Clone returns a deep copy safe to hand to readers.
func (a Annotation) Clone() Annotation {
	out := Annotation{
		Image:        clonePtr(a.Image),
		HandDetected: clonePtr(a.HandDetected),
		FingerCount:  clonePtr(a.FingerCount),
		HandView:     clonePtr(a.HandView),
		Handedness:   clonePtr(a.Handedness),
		Letter:       clonePtr(a.Letter),
	}
	if a.LiftedFingers != nil {
		out.LiftedFingers = append([]int{}, a.LiftedFingers...)
	}
	if a.Probabilities != nil {
		out.Probabilities = maps.Clone(a.Probabilities)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Confidence returns the probability of the current letter as a percentage.
func (a Annotation) Confidence() (float64, bool) {
	if a.Letter == nil || a.Probabilities == nil {
		return 0, false
	}
	p, ok := a.Probabilities[*a.Letter]
	if !ok {
		return 0, false
	}
	return p * 100, true
}

// ConfidenceLabel formats Confidence with one decimal, e.g. "92.0%". It is empty when
// unknown.
func (a Annotation) ConfidenceLabel() string {
	c, ok := a.Confidence()
	if !ok {
		return ""
	}
	return fmt.Sprintf("%.1f%%", c)
}
