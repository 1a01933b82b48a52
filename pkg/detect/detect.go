// Package detect defines the detection contract for annotated streams
// and ships the fallback detector used when no model backend is
// available. Detectors consume and produce whole JPEG frames; drawing
// happens inside the detector so the serving path stays codec-agnostic.
package detect

import (
	"context"
	"fmt"
)

// Detection is one detected object in a frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	// Box is the bounding box in pixel coordinates: x0, y0, x1, y1.
	Box [4]int `json:"box"`
}

// Result is the outcome of running detection on one frame.
type Result struct {
	// Annotated is the frame to serve on the annotated stream. It is
	// always a valid JPEG, falling back to the input frame when the
	// detector has nothing to draw.
	Annotated  []byte
	Detections []Detection
}

// Detector runs object detection on JPEG frames. Implementations must
// be safe for use from a single inference loop; SetPrompt (when
// supported) may be called concurrently from the command API.
type Detector interface {
	Detect(ctx context.Context, frame []byte) (*Result, error)
	Close() error
}

// PromptSetter is implemented by detectors whose target classes can be
// retargeted at runtime.
type PromptSetter interface {
	SetPrompt(prompt string) error
}

// InferenceError wraps a per-frame detection failure. A frame that
// fails inference is forwarded un-annotated; the loop keeps going.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
