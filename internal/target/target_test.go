package target

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/vision"
)

// box returns a detection whose bbox has the given centre and area (as a
// w×1 strip).
func box(cx, cy, area float64) vision.Detection {
	return vision.Detection{Score: 0.9, BBox: vision.BBox{X1: cx - area/2, Y1: cy - 0.5, X2: cx + area/2, Y2: cy + 0.5}}
}

func twoZones(t *testing.T) *roi.Index {
	t.Helper()
	x, err := roi.NewIndex([]roi.Zone{
		{ID: "B", Priority: 2, OffsetX: 1000, Width: 1000, Height: 100},
		{ID: "A", Priority: 1, MinArea: 100, Width: 1000, Height: 100},
	})
	require.NoError(t, err)
	return x
}

func TestSelect_HigherPrecedenceZoneWins(t *testing.T) {
	zones := twoZones(t)
	dets := []vision.Detection{
		box(1500, 50, 500), // zone B, larger
		box(500, 50, 150),  // zone A
	}
	got := Select(dets, zones, Options{})
	require.NotNil(t, got)
	assert.Equal(t, "A", got.Zone.ID)
	assert.Equal(t, 1, got.Index)
	assert.Equal(t, 150.0, got.Area)
}

func TestSelect_ZoneMinAreaDropsSmallParts(t *testing.T) {
	zones := twoZones(t)
	dets := []vision.Detection{
		box(500, 50, 50),   // zone A but under its min_area
		box(1500, 50, 500), // zone B
	}
	got := Select(dets, zones, Options{})
	require.NotNil(t, got)
	assert.Equal(t, "B", got.Zone.ID)
}

func TestSelect_LargestInGroupFirstSeenOnTie(t *testing.T) {
	zones := twoZones(t)
	dets := []vision.Detection{
		box(100, 50, 200),
		box(300, 50, 400),
		box(600, 50, 400),
	}
	got := Select(dets, zones, Options{})
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Index)
}

func TestSelect_Filters(t *testing.T) {
	zones := twoZones(t)

	other := box(500, 50, 300)
	other.ClassID = 1
	assert.Nil(t, Select([]vision.Detection{other}, zones, Options{}), "wrong class")

	assert.Nil(t, Select([]vision.Detection{box(1500, 50, 300)}, zones, Options{MinArea: 400}), "global min area")
	assert.Nil(t, Select([]vision.Detection{box(500, 500, 300)}, zones, Options{}), "outside every zone")
	assert.Nil(t, Select(nil, zones, Options{}))
}

func TestSelect_UsesMaskArea(t *testing.T) {
	zones := twoZones(t)
	m := vision.NewMask(image.Rect(0, 0, 10, 10))
	for i := 0; i < 20; i++ {
		m.Pix[i] = 1
	}
	d := box(500, 50, 400)
	d.Mask = m
	assert.Nil(t, Select([]vision.Detection{d}, zones, Options{}), "20 mask pixels under zone A min_area")
}

func TestSelect_ClipMaskToZone(t *testing.T) {
	x, err := roi.NewIndex([]roi.Zone{{ID: "left", Width: 10, Height: 10}})
	require.NoError(t, err)

	m := vision.NewMask(image.Rect(5, 0, 15, 10))
	for i := range m.Pix {
		m.Pix[i] = 1
	}
	d := vision.Detection{BBox: vision.BBox{X1: 5, X2: 14, Y2: 10}, Mask: m}

	full := Select([]vision.Detection{d}, x, Options{})
	require.NotNil(t, full)
	assert.Equal(t, 100.0, full.Area)

	clipped := Select([]vision.Detection{d}, x, Options{ClipMaskToZone: true, Frame: image.Rect(0, 0, 20, 10)})
	require.NotNil(t, clipped)
	assert.Equal(t, 50.0, clipped.Area)

	assert.Nil(t, Select([]vision.Detection{d}, x, Options{ClipMaskToZone: true, MinArea: 60, Frame: image.Rect(0, 0, 20, 10)}))
}

func TestSelect_NeverPrefersLowerPrecedence(t *testing.T) {
	zones := twoZones(t)
	for areaA := 100.0; areaA <= 900; areaA += 100 {
		for areaB := 100.0; areaB <= 900; areaB += 100 {
			dets := []vision.Detection{box(1500, 50, areaB), box(500, 50, areaA)}
			got := Select(dets, zones, Options{})
			require.NotNil(t, got)
			assert.Equal(t, "A", got.Zone.ID, "areaA=%v areaB=%v", areaA, areaB)
		}
	}
}

func TestDepthIncrement(t *testing.T) {
	tests := []struct {
		z    float64
		want int
	}{
		{685, 1},
		{675, 2},
		{695, 0},
		{690, 1},
		{700, 0},
		{800, 0},
		{600, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DepthIncrement(700, tt.z), "z=%v", tt.z)
	}
	assert.Zero(t, DepthIncrement(NoDepthBias, -1e9))
	assert.Zero(t, DepthIncrement(700, math.Inf(-1)))
	assert.Equal(t, math.MaxInt32, DepthIncrement(700, -1e300))
	assert.Equal(t, math.MaxInt32, DepthIncrement(1e300, 0))
}

func TestCountWithDepthBias(t *testing.T) {
	occ := []Occupant{
		{ZoneID: "A", WorldZ: 685, HasWorldZ: true},
		{ZoneID: "A", WorldZ: 675, HasWorldZ: true},
		{ZoneID: "A", WorldZ: 695, HasWorldZ: true},
		{ZoneID: "A"},
		{ZoneID: "B", WorldZ: 600, HasWorldZ: true},
	}
	assert.Equal(t, 4+1+2, CountWithDepthBias(occ, "A", 700))
	assert.Equal(t, 1+10, CountWithDepthBias(occ, "B", 700))
	assert.Equal(t, 0, CountWithDepthBias(occ, "C", 700))
	assert.Equal(t, 4, CountWithDepthBias(occ, "A", NoDepthBias))
}

func TestCountWithDepthBias_MonotoneInDepth(t *testing.T) {
	prev := -1
	for z := 800.0; z >= 400; z -= 0.5 {
		occ := []Occupant{{ZoneID: "A", WorldZ: z, HasWorldZ: true}, {ZoneID: "A", WorldZ: 650, HasWorldZ: true}}
		n := CountWithDepthBias(occ, "A", 700)
		assert.GreaterOrEqual(t, n, prev, "z=%v", z)
		prev = n
	}
}
