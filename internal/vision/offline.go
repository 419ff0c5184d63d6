package vision

import (
	"context"
	"image"
)

// Offline stands in for a camera and detector when no driver is attached.
// It is never ready, so catches answer "component not ready" and the
// conveyor loop refuses to start.
type Offline struct{}

func (Offline) GetFrame(ctx context.Context, req FrameRequest) (*Frame, error) {
	return nil, ErrNotReady
}

func (Offline) Healthy() bool { return false }

func (Offline) Detect(ctx context.Context, img *image.Gray) ([]Detection, error) {
	return nil, ErrNotReady
}

func (Offline) Ready() bool { return false }
