// Package vision holds the records that flow from the camera and detector
// into the picking pipeline, and the collaborator interfaces that produce
// them.
package vision

import (
	"fmt"
	"image"
	"math"
)

// BBox is an axis-aligned box in image pixels. X2/Y2 are exclusive.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the box centre.
func (b BBox) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area returns the box area, or 0 for a degenerate box.
func (b BBox) Area() float64 {
	w, h := b.X2-b.X1, b.Y2-b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect returns the integer pixel rectangle covered by the box.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X1)), int(math.Floor(b.Y1)),
		int(math.Ceil(b.X2)), int(math.Ceil(b.Y2)),
	)
}

func (b BBox) String() string {
	return fmt.Sprintf("[%.1f,%.1f %.1f,%.1f]", b.X1, b.Y1, b.X2, b.Y2)
}

// Mask is a binary segmentation mask positioned in frame coordinates. Pix is
// row-major over Rect; any non-zero byte marks a covered pixel.
type Mask struct {
	Rect image.Rectangle
	Pix  []uint8
}

// NewMask allocates an empty mask covering r.
func NewMask(r image.Rectangle) *Mask {
	return &Mask{Rect: r, Pix: make([]uint8, r.Dx()*r.Dy())}
}

// Set marks or clears the pixel at frame position (x, y).
func (m *Mask) Set(x, y int, on bool) {
	if !(image.Point{X: x, Y: y}).In(m.Rect) {
		return
	}
	i := (y-m.Rect.Min.Y)*m.Rect.Dx() + (x - m.Rect.Min.X)
	if on {
		m.Pix[i] = 1
	} else {
		m.Pix[i] = 0
	}
}

// On reports whether the pixel at frame position (x, y) is covered.
func (m *Mask) On(x, y int) bool {
	if m == nil || !(image.Point{X: x, Y: y}).In(m.Rect) {
		return false
	}
	i := (y-m.Rect.Min.Y)*m.Rect.Dx() + (x - m.Rect.Min.X)
	return i < len(m.Pix) && m.Pix[i] != 0
}

// Area counts covered pixels.
func (m *Mask) Area() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, p := range m.Pix {
		if p != 0 {
			n++
		}
	}
	return n
}

// Detection is a single detector output. Mask is nil for box-only models.
type Detection struct {
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
	BBox    BBox    `json:"bbox"`
	Mask    *Mask   `json:"-"`
}

// Center returns the pick point in image coordinates: the box centre.
func (d Detection) Center() (x, y float64) {
	return d.BBox.Center()
}

// Area is the mask pixel count when a mask is present, else the box area.
func (d Detection) Area() float64 {
	if d.Mask != nil {
		return float64(d.Mask.Area())
	}
	return d.BBox.Area()
}
