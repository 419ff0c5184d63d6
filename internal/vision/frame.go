package vision

import (
	"context"
	"errors"
	"image"

	"github.com/banshee-data/visionpick/internal/geometry"
)

var (
	// ErrNoFrame is returned when the camera delivered nothing for a request.
	ErrNoFrame = errors.New("camera returned no frame")

	// ErrNotReady is returned when the camera or detector is not usable.
	ErrNotReady = errors.New("component not ready")
)

// FrameRequest selects which channels the camera should deliver.
type FrameRequest struct {
	Depth     bool
	Intensity bool
	Params    bool
}

// FullFrame requests every channel.
var FullFrame = FrameRequest{Depth: true, Intensity: true, Params: true}

// Frame is one capture from the depth camera.
type Frame struct {
	Image      *image.Gray
	Depth      *geometry.DepthMap
	Intrinsics geometry.Intrinsics
}

// Bounds returns the image size, falling back to the intrinsics when the
// intensity channel was not requested.
func (f *Frame) Bounds() image.Rectangle {
	if f.Image != nil {
		return f.Image.Bounds()
	}
	return image.Rect(0, 0, f.Intrinsics.Width, f.Intrinsics.Height)
}

// Camera is the depth camera driver.
type Camera interface {
	// GetFrame captures one frame. It returns ErrNoFrame when the device
	// produced nothing.
	GetFrame(ctx context.Context, req FrameRequest) (*Frame, error)
	Healthy() bool
}

// Detector runs inference on an intensity image.
type Detector interface {
	Detect(ctx context.Context, img *image.Gray) ([]Detection, error)
	Ready() bool
}
