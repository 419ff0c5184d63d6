// Package scene turns one capture into the per-zone view both the catch
// handler and the conveyor loop act on: attributed candidates, depth-biased
// zone counts, the best target and its robot coordinate.
package scene

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/visionpick/internal/geometry"
	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/target"
	"github.com/banshee-data/visionpick/internal/vision"
)

// Options configures an Analyzer.
type Options struct {
	Target target.Options
	// DepthThreshold is the world z below which parts add to their zone's
	// count. Use target.NoDepthBias to disable.
	DepthThreshold float64
	// DepthRadius is the depth sampling neighbourhood radius.
	DepthRadius int
}

// Location is a located pick point.
type Location struct {
	Pixel      geometry.Point2
	Depth      float64
	World      geometry.Point3
	Robot      geometry.Point3
	Calibrated bool
}

// Result is the analysis of one capture.
type Result struct {
	At         time.Time
	Frame      *vision.Frame
	Detections []vision.Detection
	Candidates []target.Candidate
	Occupants  []target.Occupant
	// Counts holds the depth-biased count for every zone, keyed by id.
	Counts map[string]int
	Best   *target.Candidate
}

// Count returns the depth-biased count of a zone.
func (r *Result) Count(zoneID string) int {
	if r == nil {
		return 0
	}
	return r.Counts[zoneID]
}

// Analyzer is shared by every caller; it holds no per-call state apart from
// the most recent result kept for debugging.
type Analyzer struct {
	zones *roi.Index
	calib *geometry.CalibrationStore
	opts  Options

	last atomic.Pointer[Result]
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(zones *roi.Index, calib *geometry.CalibrationStore, opts Options) *Analyzer {
	return &Analyzer{zones: zones, calib: calib, opts: opts}
}

// Zones returns the zone index.
func (a *Analyzer) Zones() *roi.Index { return a.zones }

// Calibration returns the calibration store.
func (a *Analyzer) Calibration() *geometry.CalibrationStore { return a.calib }

// Analyze attributes the capture's detections, counts zone occupancy and
// picks the best target. It does not locate the target.
func (a *Analyzer) Analyze(c *vision.Capture, now time.Time) *Result {
	opts := a.opts.Target
	opts.Frame = c.Frame.Bounds()

	cands := target.Attribute(c.Detections, a.zones, opts)
	occ := make([]target.Occupant, 0, len(cands))
	for _, cand := range cands {
		o := target.Occupant{ZoneID: cand.Zone.ID}
		if world, _, err := a.project(c.Frame, cand.Center); err == nil {
			o.WorldZ, o.HasWorldZ = world.Z, true
		}
		occ = append(occ, o)
	}

	counts := make(map[string]int, len(a.zones.Zones()))
	for _, z := range a.zones.Zones() {
		counts[z.ID] = target.CountWithDepthBias(occ, z.ID, a.opts.DepthThreshold)
	}

	r := &Result{
		At:         now,
		Frame:      c.Frame,
		Detections: c.Detections,
		Candidates: cands,
		Occupants:  occ,
		Counts:     counts,
		Best:       target.Best(cands),
	}
	a.last.Store(r)
	return r
}

// Last returns the most recent result, or nil.
func (a *Analyzer) Last() *Result {
	return a.last.Load()
}

// Slots returns the counts reported in the first two reply fields: the
// first and second zone by precedence.
func (a *Analyzer) Slots(r *Result) (first, second int) {
	zs := a.zones.Zones()
	if len(zs) > 0 {
		first = r.Count(zs[0].ID)
	}
	if len(zs) > 1 {
		second = r.Count(zs[1].ID)
	}
	return first, second
}

func (a *Analyzer) project(f *vision.Frame, px geometry.Point2) (geometry.Point3, float64, error) {
	depth, err := f.Depth.Sample(px.X, px.Y, a.opts.DepthRadius)
	if err != nil {
		return geometry.Point3{}, 0, err
	}
	world, err := f.Intrinsics.Project(px.X, px.Y, depth)
	if err != nil {
		return geometry.Point3{}, 0, err
	}
	return world, depth, nil
}

// Locate converts a candidate's centre into robot coordinates. Without a
// calibration the world point is used, still clamped to the z floor.
func (a *Analyzer) Locate(f *vision.Frame, c *target.Candidate) (Location, error) {
	world, depth, err := a.project(f, c.Center)
	if err != nil {
		return Location{}, fmt.Errorf("locate %s target: %w", c.Zone.ID, err)
	}
	robot, calibrated := a.calib.ToRobot(world)
	if !robot.IsFinite() {
		return Location{}, fmt.Errorf("locate %s target: non-finite robot point %v", c.Zone.ID, robot)
	}
	return Location{Pixel: c.Center, Depth: depth, World: world, Robot: robot, Calibrated: calibrated}, nil
}
