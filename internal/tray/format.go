package tray

import (
	"fmt"
	"strings"

	"github.com/rbcorrales/gestalyze/internal/channel"
	"github.com/rbcorrales/gestalyze/internal/protocol"
	"github.com/rbcorrales/gestalyze/internal/session"
)

const appName = "Gestalyze"

var fingerNames = []string{"thumb", "index", "middle", "ring", "pinky"}

// connectionTitle renders the connection indicator.
func connectionTitle(state channel.State) string {
	switch state {
	case channel.StateOpen:
		return "● Connected"
	case channel.StateConnecting:
		return "◐ Connecting..."
	case channel.StateFailed:
		return "✕ Backend unreachable"
	default:
		return "○ Disconnected"
	}
}

// handTitle summarizes the hand fields. Unknown fields are left out.
func handTitle(a session.Annotation) string {
	if a.HandDetected == nil {
		return "Hand: unknown"
	}
	if !*a.HandDetected {
		return "Hand: none"
	}

	parts := []string{}
	if a.Handedness != nil {
		parts = append(parts, *a.Handedness)
	}
	if a.HandView != nil {
		parts = append(parts, *a.HandView)
	}
	if a.FingerCount != nil {
		parts = append(parts, pluralFingers(*a.FingerCount))
	}
	if len(parts) == 0 {
		return "Hand: detected"
	}
	return "Hand: " + strings.Join(parts, ", ")
}

func pluralFingers(n int) string {
	if n == 1 {
		return "1 finger"
	}
	return fmt.Sprintf("%d fingers", n)
}

// fingersTitle names the lifted fingers.
func fingersTitle(a session.Annotation) string {
	if a.LiftedFingers == nil {
		return "Fingers: unknown"
	}
	if len(a.LiftedFingers) == 0 {
		return "Fingers: none"
	}
	names := make([]string, 0, len(a.LiftedFingers))
	for _, i := range a.LiftedFingers {
		if i >= 0 && i < len(fingerNames) {
			names = append(names, fingerNames[i])
		}
	}
	return "Fingers: " + strings.Join(names, ", ")
}

// letterTitle shows the recognized letter and its confidence.
func letterTitle(snap session.Snapshot) string {
	if !snap.Control.EnableASL {
		return "Letter: off"
	}
	if snap.Annotation.Letter == nil {
		return "Letter: none"
	}
	if snap.Confidence == "" {
		return "Letter: " + *snap.Annotation.Letter
	}
	return fmt.Sprintf("Letter: %s (%s)", *snap.Annotation.Letter, snap.Confidence)
}

// trayTitle is the text next to the tray icon.
func trayTitle(snap session.Snapshot) string {
	if snap.Connection != channel.StateOpen {
		return appName
	}
	if snap.Control.EnableASL && snap.Annotation.Letter != nil {
		return appName + " · " + *snap.Annotation.Letter
	}
	return appName
}

func aslTitle(enabled bool) string {
	if enabled {
		return "ASL letters: on"
	}
	return "ASL letters: off"
}

func modelTitle(m protocol.ModelType) string {
	switch m {
	case protocol.ModelCustom:
		return "Custom model"
	case protocol.ModelOnline:
		return "Online model"
	default:
		return string(m)
	}
}

func intervalTitle(ms int64) string {
	return fmt.Sprintf("Interval: %d ms", ms)
}

// cameraTitle renders the camera submenu header. A stream that has not produced an
// image yet is marked as waiting.
func cameraTitle(snap session.Snapshot) string {
	var name string
	switch {
	case snap.CameraError != "":
		return "Camera: " + snap.CameraError
	case snap.Selected == nil:
		return "Camera: none"
	case snap.Selected.Label != "":
		name = snap.Selected.Label
	default:
		name = snap.Selected.ID
	}
	if snap.Streaming && !snap.PreviewLive {
		return "Camera: " + name + " (waiting for video)"
	}
	return "Camera: " + name
}

// intervalLimits reports whether the interval can still be shortened or lengthened.
// Unknown bounds leave both directions enabled.
func intervalLimits(snap session.Snapshot) (canFaster, canSlower bool) {
	canFaster = snap.IntervalMinMS == 0 || snap.IntervalMS > snap.IntervalMinMS
	canSlower = snap.IntervalMaxMS == 0 || snap.IntervalMS < snap.IntervalMaxMS
	return canFaster, canSlower
}
