package geometry

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/visionpick/internal/fsutil"
)

const affineJSON = `{
  "matrix_xy": [[1, 0, 100], [0, -1, 50]],
  "z_mapping": {"alpha": -1, "beta": 400}
}`

const matrixJSON = `{
  "matrix": [[1,0,0,5],[0,1,0,6],[0,0,1,-500],[0,0,0,1]]
}`

func TestCalibration_Affine(t *testing.T) {
	c, err := ParseCalibration([]byte(affineJSON))
	require.NoError(t, err)
	require.True(t, c.HasAffine())

	got, err := c.ToRobot(Point3{X: 10, Y: 20, Z: 300}, DefaultZFloor)
	require.NoError(t, err)
	assert.Equal(t, Point3{X: 110, Y: 30, Z: 100}, got)
}

func TestCalibration_AffineDefaultsZMapping(t *testing.T) {
	c, err := ParseCalibration([]byte(`{"matrix_xy": [[1,0,0],[0,1,0]], "z_mapping": {}}`))
	require.NoError(t, err)
	got, err := c.ToRobot(Point3{X: 1, Y: 2, Z: 3}, DefaultZFloor)
	require.NoError(t, err)
	assert.Equal(t, Point3{X: 1, Y: 2, Z: 3}, got)
}

func TestCalibration_FullMatrix(t *testing.T) {
	c, err := ParseCalibration([]byte(matrixJSON))
	require.NoError(t, err)
	require.False(t, c.HasAffine())

	got, err := c.ToRobot(Point3{X: 1, Y: 2, Z: 600}, DefaultZFloor)
	require.NoError(t, err)
	assert.InDelta(t, 6, got.X, 1e-9)
	assert.InDelta(t, 8, got.Y, 1e-9)
	assert.InDelta(t, 100, got.Z, 1e-9)
}

func TestCalibration_PerspectiveDivide(t *testing.T) {
	c := &Calibration{Matrix: [][]float64{
		{2, 0, 0, 0},
		{0, 2, 0, 0},
		{0, 0, 2, 0},
		{0, 0, 0, 2},
	}}
	got, err := c.ToRobot(Point3{X: 3, Y: 4, Z: 5}, DefaultZFloor)
	require.NoError(t, err)
	assert.InDelta(t, 3, got.X, 1e-9)
	assert.InDelta(t, 4, got.Y, 1e-9)
	assert.InDelta(t, 5, got.Z, 1e-9)
}

func TestCalibration_ZNeverBelowFloor(t *testing.T) {
	affine, err := ParseCalibration([]byte(affineJSON))
	require.NoError(t, err)
	full, err := ParseCalibration([]byte(matrixJSON))
	require.NoError(t, err)

	for _, c := range []*Calibration{affine, full} {
		for _, z := range []float64{-1e9, -1000, -85.01, -85, 0, 84, 1e9, math.Inf(1), math.Inf(-1), math.NaN()} {
			got, err := c.ToRobot(Point3{X: 1, Y: 1, Z: z}, DefaultZFloor)
			require.NoError(t, err)
			assert.False(t, got.Z < DefaultZFloor, "z=%v produced %v", z, got.Z)
			assert.False(t, math.IsNaN(got.Z), "z=%v produced NaN", z)
		}
	}
}

func TestParseCalibration_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":          `{}`,
		"affine no z":    `{"matrix_xy": [[1,0,0],[0,1,0]]}`,
		"affine bad row": `{"matrix_xy": [[1,0],[0,1,0]], "z_mapping": {}}`,
		"3x4 matrix":     `{"matrix": [[1,0,0,0],[0,1,0,0],[0,0,1,0]]}`,
		"not json":       `matrix`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCalibration([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestCalibrationStore_ReloadAndFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transformation_matrix.json")
	s := NewCalibrationStore(path, DefaultZFloor)

	robot, calibrated := s.ToRobot(Point3{X: 1, Y: 2, Z: -200})
	assert.False(t, calibrated)
	assert.Equal(t, Point3{X: 1, Y: 2, Z: DefaultZFloor}, robot, "raw world fallback still honours the floor")

	assert.Error(t, s.Reload(), "missing file")

	require.NoError(t, os.WriteFile(path, []byte(affineJSON), 0o644))
	require.NoError(t, s.Reload())
	robot, calibrated = s.ToRobot(Point3{X: 10, Y: 20, Z: 300})
	assert.True(t, calibrated)
	assert.Equal(t, Point3{X: 110, Y: 30, Z: 100}, robot)

	require.NoError(t, os.WriteFile(path, []byte(`{"matrix": []}`), 0o644))
	assert.Error(t, s.Reload())
	c, loadedAt := s.Current()
	assert.True(t, c.HasAffine(), "failed reload keeps the previous model")
	assert.False(t, loadedAt.IsZero())
}

func TestCalibrationStore_NoPath(t *testing.T) {
	s := NewCalibrationStore("", -50)
	assert.ErrorIs(t, s.Reload(), ErrNoCalibration)
	assert.Equal(t, -50.0, s.Floor())
}

func TestCalibrationStore_MemoryFileSystem(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	s := NewCalibrationStore("/etc/visionpick/calibration.json", DefaultZFloor).WithFileSystem(mfs)

	require.NoError(t, mfs.WriteFile("/etc/visionpick/calibration.json", []byte(matrixJSON), 0o644))
	require.NoError(t, s.Reload())
	c, _ := s.Current()
	assert.True(t, c.HasMatrix())

	require.NoError(t, mfs.WriteFile("/etc/visionpick/calibration.json", []byte(affineJSON), 0o644))
	require.NoError(t, s.Reload(), "edits are picked up on the next reload")
	c, _ = s.Current()
	assert.True(t, c.HasAffine())
}
