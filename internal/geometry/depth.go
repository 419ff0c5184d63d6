package geometry

import (
	"fmt"
	"math"
	"sort"
)

// DefaultDepthRadius is the neighbourhood radius used for depth sampling:
// radius 1 means a 3×3 window.
const DefaultDepthRadius = 1

// DepthMap is a row-major depth image in millimetres. Non-positive values
// mark pixels without a valid return.
type DepthMap struct {
	Width  int
	Height int
	Z      []float32
}

// NewDepthMap allocates a zeroed depth map.
func NewDepthMap(width, height int) *DepthMap {
	return &DepthMap{Width: width, Height: height, Z: make([]float32, width*height)}
}

// At returns the raw depth at (x, y), or 0 outside the map.
func (d *DepthMap) At(x, y int) float64 {
	if d == nil || x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	i := y*d.Width + x
	if i >= len(d.Z) {
		return 0
	}
	return float64(d.Z[i])
}

// Sample returns the median of the valid depth readings in the
// (2·radius+1)² window centred on the pixel nearest (u, v). Samples outside
// the map or non-positive are skipped.
func (d *DepthMap) Sample(u, v float64, radius int) (float64, error) {
	if d == nil {
		return 0, ErrNoValidDepth
	}
	if radius < 0 {
		radius = 0
	}
	x0 := int(math.Round(u))
	y0 := int(math.Round(v))

	valid := make([]float64, 0, (2*radius+1)*(2*radius+1))
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if z := d.At(x0+dx, y0+dy); z > 0 {
				valid = append(valid, z)
			}
		}
	}
	if len(valid) == 0 {
		return 0, fmt.Errorf("pixel (%d, %d): %w", x0, y0, ErrNoValidDepth)
	}

	sort.Float64s(valid)
	mid := len(valid) / 2
	if len(valid)%2 == 1 {
		return valid[mid], nil
	}
	return (valid[mid-1] + valid[mid]) / 2, nil
}
