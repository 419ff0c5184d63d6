package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/banshee-data/visionpick/internal/geometry"
)

// FixtureObject is one synthetic part lying on the belt.
type FixtureObject struct {
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
	BBox    BBox    `json:"bbox"`
	DepthMM float64 `json:"depth_mm"`
	Mask    bool    `json:"mask"`
}

// Scene describes a static synthetic frame: a flat belt at BeltDepthMM with
// objects raised above it.
type Scene struct {
	Intrinsics  geometry.Intrinsics `json:"intrinsics"`
	BeltDepthMM float64             `json:"belt_depth_mm"`
	Objects     []FixtureObject     `json:"objects"`
}

// LoadScene reads a scene fixture from a JSON file.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read scene fixture: %w", err)
	}
	var s Scene
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scene fixture: %w", err)
	}
	if err := s.Intrinsics.Validate(); err != nil {
		return nil, fmt.Errorf("scene fixture: %w", err)
	}
	if s.Intrinsics.Width <= 0 || s.Intrinsics.Height <= 0 {
		return nil, fmt.Errorf("scene fixture: invalid size %dx%d", s.Intrinsics.Width, s.Intrinsics.Height)
	}
	return &s, nil
}

func (s *Scene) render() (*Frame, []Detection) {
	w, h := s.Intrinsics.Width, s.Intrinsics.Height
	img := image.NewGray(image.Rect(0, 0, w, h))
	depth := geometry.NewDepthMap(w, h)
	for i := range depth.Z {
		depth.Z[i] = float32(s.BeltDepthMM)
	}

	dets := make([]Detection, 0, len(s.Objects))
	for _, o := range s.Objects {
		r := o.BBox.Rect().Intersect(img.Bounds())
		var m *Mask
		if o.Mask {
			m = NewMask(r)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.Pix[y*img.Stride+x] = 200
				depth.Z[y*w+x] = float32(o.DepthMM)
				if m != nil {
					m.Set(x, y, true)
				}
			}
		}
		dets = append(dets, Detection{ClassID: o.ClassID, Score: o.Score, BBox: o.BBox, Mask: m})
	}
	return &Frame{Image: img, Depth: depth, Intrinsics: s.Intrinsics}, dets
}

// Fixture is an in-process camera and detector pair that replays a Scene.
// It backs --dev mode and the tests of the pipeline packages.
type Fixture struct {
	mu        sync.Mutex
	scene     *Scene
	frame     *Frame
	dets      []Detection
	camOK     bool
	detOK     bool
	frameErr  error
	detectErr error
	frames    int
}

// NewFixture returns a ready fixture replaying scene.
func NewFixture(scene *Scene) *Fixture {
	f := &Fixture{camOK: true, detOK: true}
	f.SetScene(scene)
	return f
}

// SetScene replaces the replayed scene.
func (f *Fixture) SetScene(scene *Scene) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scene = scene
	f.frame, f.dets = scene.render()
}

// SetDetections overrides the detector output while keeping the rendered frame.
func (f *Fixture) SetDetections(dets []Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dets = dets
}

// SetReady toggles camera and detector readiness.
func (f *Fixture) SetReady(camera, detector bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.camOK, f.detOK = camera, detector
}

// SetErrors makes subsequent GetFrame or Detect calls fail.
func (f *Fixture) SetErrors(frameErr, detectErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameErr, f.detectErr = frameErr, detectErr
}

// Frames returns how many frames have been served.
func (f *Fixture) Frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// Camera returns the camera half of the fixture.
func (f *Fixture) Camera() Camera { return fixtureCamera{f} }

// Detector returns the detector half of the fixture.
func (f *Fixture) Detector() Detector { return fixtureDetector{f} }

type fixtureCamera struct{ f *Fixture }

func (c fixtureCamera) GetFrame(ctx context.Context, req FrameRequest) (*Frame, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.frameErr != nil {
		return nil, c.f.frameErr
	}
	c.f.frames++
	out := *c.f.frame
	if !req.Intensity {
		out.Image = nil
	}
	if !req.Depth {
		out.Depth = nil
	}
	return &out, nil
}

func (c fixtureCamera) Healthy() bool {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	return c.f.camOK
}

type fixtureDetector struct{ f *Fixture }

func (d fixtureDetector) Detect(ctx context.Context, img *image.Gray) ([]Detection, error) {
	d.f.mu.Lock()
	defer d.f.mu.Unlock()
	if d.f.detectErr != nil {
		return nil, d.f.detectErr
	}
	return append([]Detection(nil), d.f.dets...), nil
}

func (d fixtureDetector) Ready() bool {
	d.f.mu.Lock()
	defer d.f.mu.Unlock()
	return d.f.detOK
}
