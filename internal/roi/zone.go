// Package roi defines the pick zones of the camera view and answers which
// zone a point or a segmentation mask falls into.
package roi

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/banshee-data/visionpick/internal/geometry"
)

// Shape names a zone geometry.
type Shape string

const (
	ShapeRectangle Shape = "rectangle"
	ShapeSector    Shape = "sector"
	ShapeQuarter   Shape = "quarter"
)

// Quadrants of a quarter-circle zone, in image orientation (y grows down).
const (
	QuadrantTopLeft     = "tl"
	QuadrantTopRight    = "tr"
	QuadrantBottomLeft  = "bl"
	QuadrantBottomRight = "br"
)

// GPIOBinding ties a zone to a conveyor output line. Several zones may share
// a line.
type GPIOBinding struct {
	Enable bool `json:"enable"`
	Line   int  `json:"line"`
}

// Zone is one configured pick region.
//
// Rectangles cover [offset_x, offset_x+width) × [offset_y, offset_y+height);
// a non-positive width or height extends to the frame edge. Sectors cover the
// disk of radius around (center_x, center_y) between start_deg and end_deg,
// measured clockwise from +x in image coordinates; equal angles mean the full
// disk. Quarters are the disk restricted to one quadrant. Circle boundaries
// are inclusive.
type Zone struct {
	ID       string  `json:"id"`
	Shape    Shape   `json:"shape"`
	Priority int     `json:"priority"`
	MinArea  float64 `json:"min_area"`

	OffsetX int `json:"offset_x,omitempty"`
	OffsetY int `json:"offset_y,omitempty"`
	Width   int `json:"width,omitempty"`
	Height  int `json:"height,omitempty"`

	CenterX  float64 `json:"center_x,omitempty"`
	CenterY  float64 `json:"center_y,omitempty"`
	Radius   float64 `json:"radius,omitempty"`
	StartDeg float64 `json:"start_deg,omitempty"`
	EndDeg   float64 `json:"end_deg,omitempty"`
	Quadrant string  `json:"quadrant,omitempty"`

	GPIO *GPIOBinding `json:"gpio,omitempty"`
}

// Line returns the bound GPIO line, if the binding is enabled.
func (z *Zone) Line() (int, bool) {
	if z.GPIO == nil || !z.GPIO.Enable {
		return 0, false
	}
	return z.GPIO.Line, true
}

// Validate checks the zone's shape parameters.
func (z *Zone) Validate() error {
	if z.ID == "" {
		return errors.New("zone id is required")
	}
	switch z.Shape {
	case ShapeRectangle, "":
		if z.OffsetX < 0 || z.OffsetY < 0 {
			return fmt.Errorf("zone %s: negative offset", z.ID)
		}
	case ShapeSector:
		if !(z.Radius > 0) {
			return fmt.Errorf("zone %s: radius must be positive", z.ID)
		}
	case ShapeQuarter:
		if !(z.Radius > 0) {
			return fmt.Errorf("zone %s: radius must be positive", z.ID)
		}
		switch z.Quadrant {
		case QuadrantTopLeft, QuadrantTopRight, QuadrantBottomLeft, QuadrantBottomRight:
		default:
			return fmt.Errorf("zone %s: unknown quadrant %q", z.ID, z.Quadrant)
		}
	default:
		return fmt.Errorf("zone %s: unknown shape %q", z.ID, z.Shape)
	}
	if z.MinArea < 0 {
		return fmt.Errorf("zone %s: negative min_area", z.ID)
	}
	return nil
}

// Contains reports whether p lies inside the zone.
func (z *Zone) Contains(p geometry.Point2) bool {
	switch z.Shape {
	case ShapeSector:
		return z.inDisk(p) && z.inArc(p)
	case ShapeQuarter:
		return z.inDisk(p) && z.inQuadrant(p)
	default:
		return z.inRect(p)
	}
}

func (z *Zone) inRect(p geometry.Point2) bool {
	if p.X < float64(z.OffsetX) || p.Y < float64(z.OffsetY) {
		return false
	}
	if z.Width > 0 && p.X >= float64(z.OffsetX+z.Width) {
		return false
	}
	if z.Height > 0 && p.Y >= float64(z.OffsetY+z.Height) {
		return false
	}
	return true
}

func (z *Zone) inDisk(p geometry.Point2) bool {
	dx, dy := p.X-z.CenterX, p.Y-z.CenterY
	return dx*dx+dy*dy <= z.Radius*z.Radius
}

func (z *Zone) inArc(p geometry.Point2) bool {
	start := normDeg(z.StartDeg)
	end := normDeg(z.EndDeg)
	if start == end {
		return true
	}
	a := normDeg(math.Atan2(p.Y-z.CenterY, p.X-z.CenterX) * 180 / math.Pi)
	if start < end {
		return a >= start && a <= end
	}
	return a >= start || a <= end
}

func (z *Zone) inQuadrant(p geometry.Point2) bool {
	dx, dy := p.X-z.CenterX, p.Y-z.CenterY
	switch z.Quadrant {
	case QuadrantBottomRight:
		return dx >= 0 && dy >= 0
	case QuadrantBottomLeft:
		return dx <= 0 && dy >= 0
	case QuadrantTopLeft:
		return dx <= 0 && dy <= 0
	default:
		return dx >= 0 && dy <= 0
	}
}

// Bounds returns the pixel rectangle that can contain zone pixels, clipped
// to frame.
func (z *Zone) Bounds(frame image.Rectangle) image.Rectangle {
	var r image.Rectangle
	switch z.Shape {
	case ShapeSector, ShapeQuarter:
		r = image.Rect(
			int(math.Floor(z.CenterX-z.Radius)), int(math.Floor(z.CenterY-z.Radius)),
			int(math.Ceil(z.CenterX+z.Radius))+1, int(math.Ceil(z.CenterY+z.Radius))+1,
		)
	default:
		r = image.Rect(z.OffsetX, z.OffsetY, frame.Max.X, frame.Max.Y)
		if z.Width > 0 {
			r.Max.X = z.OffsetX + z.Width
		}
		if z.Height > 0 {
			r.Max.Y = z.OffsetY + z.Height
		}
	}
	return r.Intersect(frame)
}

func normDeg(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// BindDefaultLine binds every zone to line when no zone carries an enabled
// binding of its own. The returned slice is a copy.
func BindDefaultLine(zones []Zone, line int) []Zone {
	out := make([]Zone, len(zones))
	copy(out, zones)
	for i := range out {
		if _, ok := out[i].Line(); ok {
			return out
		}
	}
	for i := range out {
		out[i].GPIO = &GPIOBinding{Enable: true, Line: line}
	}
	return out
}
