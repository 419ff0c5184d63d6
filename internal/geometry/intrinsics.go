package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Intrinsics describes the depth camera's lens model for a single frame. It is
// supplied by the camera alongside each frame and treated as read-only.
type Intrinsics struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	K1     float64 `json:"k1"`
	K2     float64 `json:"k2"`
	F2RC   float64 `json:"f2rc"`

	// Cam2World is a row-major 4×4 rigid transform. A nil slice means the
	// camera frame is the world frame.
	Cam2World []float64 `json:"cam2world,omitempty"`
}

// Validate checks that the focal lengths are usable and the transform, if
// present, is 4×4.
func (in Intrinsics) Validate() error {
	if in.Fx == 0 || in.Fy == 0 {
		return fmt.Errorf("invalid focal length fx=%g fy=%g", in.Fx, in.Fy)
	}
	if in.Cam2World != nil && len(in.Cam2World) != 16 {
		return fmt.Errorf("cam2world must have 16 elements, got %d", len(in.Cam2World))
	}
	return nil
}

func (in Intrinsics) cam2world() *mat.Dense {
	if in.Cam2World == nil {
		return nil
	}
	return mat.NewDense(4, 4, in.Cam2World)
}

// Project back-projects pixel (u, v) with the given depth reading into world
// space. Radial distortion is applied as k = 1 + k1·r² + k2·r⁴ on the
// normalised ray before scaling by depth.
func (in Intrinsics) Project(u, v, depth float64) (Point3, error) {
	if err := in.Validate(); err != nil {
		return Point3{}, err
	}
	if !(depth > 0) {
		return Point3{}, ErrNoValidDepth
	}

	xp := (in.Cx - u) / in.Fx
	yp := (in.Cy - v) / in.Fy

	r2 := xp*xp + yp*yp
	k := 1 + in.K1*r2 + in.K2*r2*r2
	xd := xp * k
	yd := yp * k

	s := depth / math.Sqrt(xd*xd+yd*yd+1)
	cam := Point3{X: xd * s, Y: yd * s, Z: s - in.F2RC}

	m := in.cam2world()
	if m == nil {
		return cam, nil
	}
	return transformAffine(m, cam), nil
}

// Unproject is the algebraic inverse of Project for a lens without radial
// distortion. It returns the pixel and the depth reading that would project
// onto world.
func (in Intrinsics) Unproject(world Point3) (u, v, depth float64, err error) {
	if err := in.Validate(); err != nil {
		return 0, 0, 0, err
	}
	if in.K1 != 0 || in.K2 != 0 {
		return 0, 0, 0, errors.New("unproject requires zero radial distortion")
	}

	cam := world
	if m := in.cam2world(); m != nil {
		var inv mat.Dense
		if err := inv.Inverse(m); err != nil {
			return 0, 0, 0, fmt.Errorf("cam2world is not invertible: %w", err)
		}
		cam = transformAffine(&inv, world)
	}

	s := cam.Z + in.F2RC
	if s <= 0 {
		return 0, 0, 0, fmt.Errorf("point %v is behind the camera", world)
	}
	xd := cam.X / s
	yd := cam.Y / s
	u = in.Cx - xd*in.Fx
	v = in.Cy - yd*in.Fy
	depth = math.Sqrt(cam.X*cam.X + cam.Y*cam.Y + s*s)
	return u, v, depth, nil
}

// transformAffine applies a 4×4 matrix to p as a point with w = 1, ignoring
// the bottom row.
func transformAffine(m mat.Matrix, p Point3) Point3 {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1}))
	return Point3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}
