package geometry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/visionpick/internal/fsutil"
)

// ZMapping is the linear depth fit zr = alpha·zw + beta.
type ZMapping struct {
	Alpha *float64 `json:"alpha,omitempty"`
	Beta  *float64 `json:"beta,omitempty"`
}

func (z *ZMapping) coefficients() (alpha, beta float64) {
	alpha, beta = 1, 0
	if z == nil {
		return alpha, beta
	}
	if z.Alpha != nil {
		alpha = *z.Alpha
	}
	if z.Beta != nil {
		beta = *z.Beta
	}
	return alpha, beta
}

// Calibration maps world coordinates to robot coordinates. The preferred
// form is a 2×3 planar affine fit plus a linear z mapping; a full 4×4
// homogeneous matrix is the fallback. The on-disk layout is
//
//	{"matrix_xy": [[a11,a12,a13],[a21,a22,a23]], "z_mapping": {"alpha": 1, "beta": 0}}
//
// or
//
//	{"matrix": [[...4], [...4], [...4], [...4]]}
type Calibration struct {
	MatrixXY [][]float64 `json:"matrix_xy,omitempty"`
	ZMapping *ZMapping   `json:"z_mapping,omitempty"`
	Matrix   [][]float64 `json:"matrix,omitempty"`
}

// HasAffine reports whether the planar affine form is present and well formed.
func (c *Calibration) HasAffine() bool {
	if c == nil || c.ZMapping == nil || len(c.MatrixXY) != 2 {
		return false
	}
	return len(c.MatrixXY[0]) == 3 && len(c.MatrixXY[1]) == 3
}

// HasMatrix reports whether the full homogeneous form is present and 4×4.
func (c *Calibration) HasMatrix() bool {
	if c == nil || len(c.Matrix) != 4 {
		return false
	}
	for _, row := range c.Matrix {
		if len(row) != 4 {
			return false
		}
	}
	return true
}

// Validate reports an error when neither form is usable.
func (c *Calibration) Validate() error {
	if c.HasAffine() || c.HasMatrix() {
		return nil
	}
	return fmt.Errorf("calibration needs matrix_xy with z_mapping or a 4x4 matrix: %w", ErrNoCalibration)
}

// ToRobot maps a world point to robot space and clamps z to floor.
func (c *Calibration) ToRobot(world Point3, floor float64) (Point3, error) {
	switch {
	case c.HasAffine():
		a := c.MatrixXY
		alpha, beta := c.ZMapping.coefficients()
		r := Point3{
			X: a[0][0]*world.X + a[0][1]*world.Y + a[0][2],
			Y: a[1][0]*world.X + a[1][1]*world.Y + a[1][2],
			Z: alpha*world.Z + beta,
		}
		return ClampZ(r, floor), nil

	case c.HasMatrix():
		data := make([]float64, 0, 16)
		for _, row := range c.Matrix {
			data = append(data, row...)
		}
		var h mat.VecDense
		h.MulVec(mat.NewDense(4, 4, data), mat.NewVecDense(4, []float64{world.X, world.Y, world.Z, 1}))
		r := Point3{X: h.AtVec(0), Y: h.AtVec(1), Z: h.AtVec(2)}
		if w := h.AtVec(3); w != 0 {
			r = Point3{X: r.X / w, Y: r.Y / w, Z: r.Z / w}
		}
		return ClampZ(r, floor), nil
	}
	return Point3{}, ErrNoCalibration
}

// ParseCalibration decodes and validates a calibration document.
func ParseCalibration(data []byte) (*Calibration, error) {
	var c Calibration
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCalibration reads a calibration file from disk.
func LoadCalibration(path string) (*Calibration, error) {
	return LoadCalibrationFS(fsutil.OSFileSystem{}, path)
}

// LoadCalibrationFS reads a calibration file from fsys.
func LoadCalibrationFS(fsys fsutil.FileSystem, path string) (*Calibration, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	return ParseCalibration(data)
}

// CalibrationStore holds the active calibration and swaps it atomically on
// reload. Readers never observe a partially loaded model.
type CalibrationStore struct {
	path  string
	floor float64
	fsys  fsutil.FileSystem

	mu       sync.RWMutex
	cal      *Calibration
	loadedAt time.Time
}

// NewCalibrationStore creates a store for the file at path. Nothing is read
// until Reload is called.
func NewCalibrationStore(path string, floor float64) *CalibrationStore {
	return &CalibrationStore{path: path, floor: floor, fsys: fsutil.OSFileSystem{}}
}

// WithFileSystem makes Reload read from fsys instead of the host filesystem.
func (s *CalibrationStore) WithFileSystem(fsys fsutil.FileSystem) *CalibrationStore {
	s.fsys = fsys
	return s
}

// Floor returns the configured robot z floor.
func (s *CalibrationStore) Floor() float64 {
	return s.floor
}

// Reload re-reads the calibration file. On failure the previously loaded
// model stays active and the error is returned.
func (s *CalibrationStore) Reload() error {
	if s.path == "" {
		return fmt.Errorf("no calibration path configured: %w", ErrNoCalibration)
	}
	c, err := LoadCalibrationFS(s.fsys, s.path)
	if err != nil {
		return err
	}
	s.Set(c)
	return nil
}

// Set installs c as the active calibration.
func (s *CalibrationStore) Set(c *Calibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cal = c
	s.loadedAt = time.Now()
}

// Current returns the active calibration and when it was loaded. The
// calibration is nil if none has been loaded.
func (s *CalibrationStore) Current() (*Calibration, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cal, s.loadedAt
}

// ToRobot converts world to robot space with the active calibration. If no
// calibration is loaded the world point is returned unchanged apart from the
// z floor, and calibrated is false.
func (s *CalibrationStore) ToRobot(world Point3) (robot Point3, calibrated bool) {
	c, _ := s.Current()
	r, err := c.ToRobot(world, s.floor)
	if err != nil {
		return ClampZ(world, s.floor), false
	}
	return r, true
}
