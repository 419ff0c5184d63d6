package vision

import (
	"context"
	"fmt"
	"sync"
)

// Capture is the result of one fetch-and-infer cycle.
type Capture struct {
	Frame      *Frame
	Detections []Detection
}

// Sensor pairs a camera with a detector and serialises the capture+detect
// sequence so the control loop and on-demand requests never interleave on
// the shared device handles.
type Sensor struct {
	camera   Camera
	detector Detector

	mu sync.Mutex
}

// NewSensor creates a Sensor over the given collaborators.
func NewSensor(camera Camera, detector Detector) *Sensor {
	return &Sensor{camera: camera, detector: detector}
}

// CameraReady reports whether the camera is present and healthy.
func (s *Sensor) CameraReady() bool {
	return s.camera != nil && s.camera.Healthy()
}

// DetectorReady reports whether the detector is present and loaded.
func (s *Sensor) DetectorReady() bool {
	return s.detector != nil && s.detector.Ready()
}

// Ready reports whether both collaborators are usable.
func (s *Sensor) Ready() bool {
	return s.CameraReady() && s.DetectorReady()
}

// Capture fetches a full frame and runs the detector on it as one unit.
func (s *Sensor) Capture(ctx context.Context) (*Capture, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := s.camera.GetFrame(ctx, FullFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to get frame: %w", err)
	}
	if frame == nil || frame.Image == nil {
		return nil, ErrNoFrame
	}
	dets, err := s.detector.Detect(ctx, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	return &Capture{Frame: frame, Detections: dets}, nil
}
