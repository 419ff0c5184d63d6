package roi

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/visionpick/internal/geometry"
	"github.com/banshee-data/visionpick/internal/vision"
)

func pt(x, y float64) geometry.Point2 { return geometry.Point2{X: x, Y: y} }

func TestZoneContains(t *testing.T) {
	tests := []struct {
		name string
		zone Zone
		in   []geometry.Point2
		out  []geometry.Point2
	}{
		{
			name: "rectangle",
			zone: Zone{ID: "r", Shape: ShapeRectangle, OffsetX: 10, OffsetY: 20, Width: 30, Height: 10},
			in:   []geometry.Point2{pt(10, 20), pt(39.9, 29.9), pt(25, 25)},
			out:  []geometry.Point2{pt(9.9, 25), pt(40, 25), pt(25, 30), pt(25, 19)},
		},
		{
			name: "rectangle to frame edge",
			zone: Zone{ID: "r", OffsetX: 100},
			in:   []geometry.Point2{pt(100, 0), pt(5000, 5000)},
			out:  []geometry.Point2{pt(99, 10)},
		},
		{
			name: "bottom semicircle",
			zone: Zone{ID: "s", Shape: ShapeSector, CenterX: 50, CenterY: 50, Radius: 10, StartDeg: 0, EndDeg: 180},
			in:   []geometry.Point2{pt(50, 60), pt(60, 50), pt(40, 50), pt(55, 55)},
			out:  []geometry.Point2{pt(50, 45), pt(50, 61), pt(58, 58)},
		},
		{
			name: "sector wrapping zero",
			zone: Zone{ID: "s", Shape: ShapeSector, CenterX: 0, CenterY: 0, Radius: 10, StartDeg: 270, EndDeg: 90},
			in:   []geometry.Point2{pt(5, 0), pt(0, -5), pt(0, 5), pt(3, -3)},
			out:  []geometry.Point2{pt(-5, 0), pt(-3, 3)},
		},
		{
			name: "full disk",
			zone: Zone{ID: "s", Shape: ShapeSector, CenterX: 0, CenterY: 0, Radius: 2},
			in:   []geometry.Point2{pt(-2, 0), pt(0, 2), pt(1, 1)},
			out:  []geometry.Point2{pt(2, 2)},
		},
		{
			name: "quarter bottom right",
			zone: Zone{ID: "q", Shape: ShapeQuarter, CenterX: 10, CenterY: 10, Radius: 5, Quadrant: QuadrantBottomRight},
			in:   []geometry.Point2{pt(10, 10), pt(13, 13), pt(15, 10)},
			out:  []geometry.Point2{pt(9, 12), pt(12, 9), pt(14, 14)},
		},
		{
			name: "quarter top left",
			zone: Zone{ID: "q", Shape: ShapeQuarter, CenterX: 10, CenterY: 10, Radius: 5, Quadrant: QuadrantTopLeft},
			in:   []geometry.Point2{pt(7, 7), pt(10, 5)},
			out:  []geometry.Point2{pt(11, 7), pt(7, 11)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.zone.Validate())
			for _, p := range tt.in {
				assert.True(t, tt.zone.Contains(p), "expected %v inside", p)
			}
			for _, p := range tt.out {
				assert.False(t, tt.zone.Contains(p), "expected %v outside", p)
			}
		})
	}
}

func TestZoneValidate(t *testing.T) {
	bad := []Zone{
		{},
		{ID: "a", Shape: "hexagon"},
		{ID: "a", Shape: ShapeSector},
		{ID: "a", Shape: ShapeQuarter, Radius: 3, Quadrant: "up"},
		{ID: "a", OffsetX: -1},
		{ID: "a", MinArea: -5},
	}
	for _, z := range bad {
		assert.Error(t, z.Validate(), "%+v", z)
	}
}

func TestIndexMatchUsesPriority(t *testing.T) {
	x, err := NewIndex([]Zone{
		{ID: "wide", Priority: 2},
		{ID: "narrow", Priority: 1, OffsetX: 10, OffsetY: 10, Width: 10, Height: 10},
		{ID: "tie", Priority: 2, OffsetX: 10, OffsetY: 10, Width: 10, Height: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"narrow", "wide", "tie"}, zoneIDs(x))
	assert.Equal(t, "narrow", x.Match(pt(15, 15)).ID)
	assert.Equal(t, "wide", x.Match(pt(50, 50)).ID)
}

func TestIndexRejectsDuplicates(t *testing.T) {
	_, err := NewIndex([]Zone{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestIndexMatchNone(t *testing.T) {
	x, err := NewIndex([]Zone{{ID: "a", Width: 5, Height: 5}})
	require.NoError(t, err)
	assert.Nil(t, x.Match(pt(10, 10)))
}

func TestRasterAndMaskArea(t *testing.T) {
	frame := image.Rect(0, 0, 40, 40)
	x, err := NewIndex([]Zone{
		{ID: "left", Width: 20},
		{ID: "disk", Shape: ShapeSector, CenterX: 30, CenterY: 30, Radius: 3},
	})
	require.NoError(t, err)

	left, err := x.Raster("left", frame)
	require.NoError(t, err)
	assert.Equal(t, 20*40, left.Area())

	again, err := x.Raster("left", frame)
	require.NoError(t, err)
	assert.Same(t, left, again, "raster is cached per frame size")

	other, err := x.Raster("left", image.Rect(0, 0, 30, 30))
	require.NoError(t, err)
	assert.NotSame(t, left, other)
	assert.Equal(t, 20*30, other.Area())

	disk, err := x.Raster("disk", frame)
	require.NoError(t, err)
	assert.Equal(t, 29, disk.Area(), "lattice points within radius 3")

	// A 10x4 mask straddling the left zone's right edge.
	m := vision.NewMask(image.Rect(15, 0, 25, 4))
	for i := range m.Pix {
		m.Pix[i] = 1
	}
	n, err := x.MaskArea(m, "left", frame)
	require.NoError(t, err)
	assert.Equal(t, 5*4, n)

	n, err = x.MaskArea(nil, "left", frame)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = x.MaskArea(m, "missing", frame)
	assert.Error(t, err)
}

func TestBindDefaultLine(t *testing.T) {
	zones := []Zone{{ID: "a"}, {ID: "b"}}
	bound := BindDefaultLine(zones, 7)
	for _, z := range bound {
		line, ok := z.Line()
		assert.True(t, ok)
		assert.Equal(t, 7, line)
	}
	assert.Nil(t, zones[0].GPIO, "input is not modified")

	zones[1].GPIO = &GPIOBinding{Enable: true, Line: 3}
	bound = BindDefaultLine(zones, 7)
	_, ok := bound[0].Line()
	assert.False(t, ok, "explicit bindings win")
}

func zoneIDs(x *Index) []string {
	var ids []string
	for _, z := range x.Zones() {
		ids = append(ids, z.ID)
	}
	return ids
}
