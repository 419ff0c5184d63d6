// Package target picks the one detection the robot should go for and
// computes the congestion-weighted zone occupancy that drives the belt.
package target

import (
	"image"
	"math"

	"github.com/banshee-data/visionpick/internal/geometry"
	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/vision"
)

// Options controls attribution.
type Options struct {
	// PickClass is the detector class id of pickable parts.
	PickClass int
	// MinArea is the global area floor in pixels. A zone's own min_area
	// applies on top of it.
	MinArea float64
	// ClipMaskToZone measures a masked detection by the part of its mask
	// inside the matched zone instead of the whole mask.
	ClipMaskToZone bool
	// Frame is the image bounds used for zone rasters when ClipMaskToZone
	// is set.
	Frame image.Rectangle
}

// Candidate is a detection attributed to a zone.
type Candidate struct {
	// Index is the detection's position in the detector output.
	Index     int
	Detection vision.Detection
	Zone      *roi.Zone
	Center    geometry.Point2
	Area      float64
}

// Attribute keeps pickable detections that pass the area filter and assigns
// each to the highest-precedence zone containing its centre. Unmatched
// detections are dropped. Output order follows the input.
func Attribute(dets []vision.Detection, zones *roi.Index, opts Options) []Candidate {
	out := make([]Candidate, 0, len(dets))
	for i, d := range dets {
		if d.ClassID != opts.PickClass {
			continue
		}
		area := d.Area()
		if area < opts.MinArea {
			continue
		}
		cx, cy := d.Center()
		center := geometry.Point2{X: cx, Y: cy}
		z := zones.Match(center)
		if z == nil {
			continue
		}
		if opts.ClipMaskToZone && d.Mask != nil {
			n, err := zones.MaskArea(d.Mask, z.ID, opts.Frame)
			if err == nil {
				area = float64(n)
			}
		}
		if area < opts.MinArea || area < z.MinArea {
			continue
		}
		out = append(out, Candidate{Index: i, Detection: d, Zone: z, Center: center, Area: area})
	}
	return out
}

// Best returns the largest candidate among those in the highest-precedence
// priority present. Ties go to the earliest candidate. It returns nil for an
// empty slice.
func Best(cands []Candidate) *Candidate {
	if len(cands) == 0 {
		return nil
	}
	top := math.MaxInt
	for _, c := range cands {
		if c.Zone.Priority < top {
			top = c.Zone.Priority
		}
	}
	var best *Candidate
	for i := range cands {
		c := &cands[i]
		if c.Zone.Priority != top {
			continue
		}
		if best == nil || c.Area > best.Area {
			best = c
		}
	}
	return best
}

// Select is Attribute followed by Best.
func Select(dets []vision.Detection, zones *roi.Index, opts Options) *Candidate {
	return Best(Attribute(dets, zones, opts))
}

// NoDepthBias disables the depth increment when passed as a threshold.
var NoDepthBias = math.Inf(-1)

// Occupant is an attributed detection with its world z, if it could be
// located.
type Occupant struct {
	ZoneID    string
	WorldZ    float64
	HasWorldZ bool
}

// maxDepthIncrement caps one occupant's increment so that summing a zone's
// occupants cannot overflow.
const maxDepthIncrement = math.MaxInt32

// DepthIncrement is floor((threshold-worldZ)/10) once the part sits at least
// 10 units below the threshold, else 0. It is capped at maxDepthIncrement.
func DepthIncrement(threshold, worldZ float64) int {
	delta := threshold - worldZ
	if !(delta >= 10) || math.IsInf(delta, 1) {
		return 0
	}
	steps := math.Floor(delta / 10)
	if steps >= maxDepthIncrement {
		return maxDepthIncrement
	}
	return int(steps)
}

// CountWithDepthBias returns the number of occupants in the zone plus the
// depth increment of each one that has a world z.
func CountWithDepthBias(occupants []Occupant, zoneID string, threshold float64) int {
	n := 0
	for _, o := range occupants {
		if o.ZoneID != zoneID {
			continue
		}
		n++
		if o.HasWorldZ {
			n += DepthIncrement(threshold, o.WorldZ)
		}
	}
	return n
}
