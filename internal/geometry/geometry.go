// Package geometry turns a pixel and its depth reading into a robot coordinate.
//
// The conversion runs in two stages. Intrinsics.Project back-projects the pixel
// through the lens model and the camera's cam2world transform into world space.
// A Calibration, fitted offline against the robot, then maps world space into
// robot space. Robot z is always clamped to a configured floor so a bad depth
// reading can never drive the gripper into the belt.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNoValidDepth is returned when every depth sample around a pixel is
	// missing or non-positive.
	ErrNoValidDepth = errors.New("no valid depth")

	// ErrNoCalibration is returned when no usable world-to-robot model is loaded.
	ErrNoCalibration = errors.New("no calibration loaded")
)

// DefaultZFloor is the lowest robot z, in millimetres, emitted when the
// configuration does not override it.
const DefaultZFloor = -85.0

// Point2 is a pixel position in image coordinates (x right, y down).
type Point2 struct {
	X, Y float64
}

// Point3 is a 3D position in millimetres.
type Point3 struct {
	X, Y, Z float64
}

func (p Point3) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// IsFinite reports whether every component is a finite number.
func (p Point3) IsFinite() bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ClampZ raises p.Z to floor when it falls below it. A NaN z is also
// replaced by floor.
func ClampZ(p Point3, floor float64) Point3 {
	if p.Z < floor || math.IsNaN(p.Z) {
		p.Z = floor
	}
	return p
}
