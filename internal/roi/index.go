package roi

import (
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/banshee-data/visionpick/internal/geometry"
	"github.com/banshee-data/visionpick/internal/vision"
)

// Index holds the zones of a run ordered by precedence and caches their
// rasters per frame size.
type Index struct {
	zones []Zone

	mu      sync.Mutex
	size    image.Rectangle
	rasters map[string]*vision.Mask
}

// NewIndex validates zones and orders them by ascending priority. Zones with
// equal priority keep their configured order.
func NewIndex(zones []Zone) (*Index, error) {
	seen := make(map[string]bool, len(zones))
	sorted := make([]Zone, len(zones))
	copy(sorted, zones)
	for i := range sorted {
		if err := sorted[i].Validate(); err != nil {
			return nil, err
		}
		if seen[sorted[i].ID] {
			return nil, fmt.Errorf("duplicate zone id %q", sorted[i].ID)
		}
		seen[sorted[i].ID] = true
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Index{zones: sorted}, nil
}

// Zones returns the zones in precedence order. The slice must not be modified.
func (x *Index) Zones() []Zone {
	return x.zones
}

// Zone returns the zone with the given id.
func (x *Index) Zone(id string) (*Zone, bool) {
	for i := range x.zones {
		if x.zones[i].ID == id {
			return &x.zones[i], true
		}
	}
	return nil, false
}

// Match returns the highest-precedence zone containing p, or nil.
func (x *Index) Match(p geometry.Point2) *Zone {
	for i := range x.zones {
		if x.zones[i].Contains(p) {
			return &x.zones[i]
		}
	}
	return nil
}

// Raster returns the zone's pixel mask for a frame of the given bounds. The
// result is cached until a frame of a different size is seen and must be
// treated as read-only.
func (x *Index) Raster(zoneID string, frame image.Rectangle) (*vision.Mask, error) {
	z, ok := x.Zone(zoneID)
	if !ok {
		return nil, fmt.Errorf("unknown zone %q", zoneID)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rasters == nil || x.size != frame {
		x.rasters = make(map[string]*vision.Mask, len(x.zones))
		x.size = frame
	}
	if m, ok := x.rasters[zoneID]; ok {
		return m, nil
	}

	r := z.Bounds(frame)
	m := vision.NewMask(r)
	for py := r.Min.Y; py < r.Max.Y; py++ {
		for px := r.Min.X; px < r.Max.X; px++ {
			if z.Contains(geometry.Point2{X: float64(px), Y: float64(py)}) {
				m.Set(px, py, true)
			}
		}
	}
	x.rasters[zoneID] = m
	return m, nil
}

// MaskArea counts the pixels of mask that fall inside the zone.
func (x *Index) MaskArea(mask *vision.Mask, zoneID string, frame image.Rectangle) (int, error) {
	if mask == nil {
		return 0, nil
	}
	raster, err := x.Raster(zoneID, frame)
	if err != nil {
		return 0, err
	}
	r := mask.Rect.Intersect(raster.Rect)
	n := 0
	for py := r.Min.Y; py < r.Max.Y; py++ {
		for px := r.Min.X; px < r.Max.X; px++ {
			if mask.On(px, py) && raster.On(px, py) {
				n++
			}
		}
	}
	return n, nil
}
