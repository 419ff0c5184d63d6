package api

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/visionpick/internal/httputil"
	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/scene"
)

// defaultFrame is used for the zone plot until a frame has been analysed.
var defaultFrame = image.Rect(0, 0, 640, 480)

// arcStepDeg is the angular resolution of circular zone outlines.
const arcStepDeg = 5.0

// zoneOutline returns a closed polygon around z in image coordinates.
func zoneOutline(z roi.Zone, frame image.Rectangle) plotter.XYs {
	switch z.Shape {
	case roi.ShapeSector:
		start, end := math.Mod(z.StartDeg, 360), math.Mod(z.EndDeg, 360)
		if start < 0 {
			start += 360
		}
		if end < 0 {
			end += 360
		}
		if start == end {
			return arc(z, 0, 360, false)
		}
		sweep := end - start
		if sweep < 0 {
			sweep += 360
		}
		return arc(z, start, sweep, true)
	case roi.ShapeQuarter:
		start := map[string]float64{
			roi.QuadrantBottomRight: 0,
			roi.QuadrantBottomLeft:  90,
			roi.QuadrantTopLeft:     180,
			roi.QuadrantTopRight:    270,
		}[z.Quadrant]
		return arc(z, start, 90, true)
	default:
		b := z.Bounds(frame)
		return plotter.XYs{
			{X: float64(b.Min.X), Y: float64(b.Min.Y)},
			{X: float64(b.Max.X), Y: float64(b.Min.Y)},
			{X: float64(b.Max.X), Y: float64(b.Max.Y)},
			{X: float64(b.Min.X), Y: float64(b.Max.Y)},
			{X: float64(b.Min.X), Y: float64(b.Min.Y)},
		}
	}
}

// arc traces sweep degrees clockwise (image orientation) from start. With
// wedge set the outline runs through the centre.
func arc(z roi.Zone, start, sweep float64, wedge bool) plotter.XYs {
	steps := int(math.Ceil(sweep / arcStepDeg))
	pts := make(plotter.XYs, 0, steps+3)
	if wedge {
		pts = append(pts, plotter.XY{X: z.CenterX, Y: z.CenterY})
	}
	for i := 0; i <= steps; i++ {
		a := (start + math.Min(float64(i)*arcStepDeg, sweep)) * math.Pi / 180
		pts = append(pts, plotter.XY{X: z.CenterX + z.Radius*math.Cos(a), Y: z.CenterY + z.Radius*math.Sin(a)})
	}
	if wedge {
		pts = append(pts, pts[0])
	}
	return pts
}

// flip converts image coordinates (y down) to plot coordinates (y up).
func flip(pts plotter.XYs, height int) plotter.XYs {
	out := make(plotter.XYs, len(pts))
	for i, p := range pts {
		out[i] = plotter.XY{X: p.X, Y: float64(height) - p.Y}
	}
	return out
}

// renderZonesPlot draws the zones and, if r is non-nil, the detection
// centres attributed in r. The best target is drawn as a ring.
func renderZonesPlot(zones []roi.Zone, r *scene.Result) ([]byte, error) {
	frame := defaultFrame
	if r != nil && r.Frame != nil {
		frame = r.Frame.Bounds()
	}

	p := plot.New()
	p.Title.Text = "Pick zones"
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px, flipped)"
	p.X.Min, p.X.Max = float64(frame.Min.X), float64(frame.Max.X)
	p.Y.Min, p.Y.Max = float64(frame.Min.Y), float64(frame.Max.Y)

	colors := generateColors(len(zones))
	for i, z := range zones {
		line, err := plotter.NewLine(flip(zoneOutline(z, frame), frame.Max.Y))
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", z.ID, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s (p%d, n=%d)", z.ID, z.Priority, r.Count(z.ID)), line)
	}

	if r != nil && len(r.Candidates) > 0 {
		pts := make(plotter.XYs, len(r.Candidates))
		for i, c := range r.Candidates {
			pts[i] = plotter.XY{X: c.Center.X, Y: c.Center.Y}
		}
		sc, err := plotter.NewScatter(flip(pts, frame.Max.Y))
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add("detections", sc)
	}
	if r != nil && r.Best != nil {
		best, err := plotter.NewScatter(flip(plotter.XYs{{X: r.Best.Center.X, Y: r.Best.Center.Y}}, frame.Max.Y))
		if err != nil {
			return nil, err
		}
		best.GlyphStyle.Shape = draw.RingGlyph{}
		best.GlyphStyle.Radius = vg.Points(7)
		best.GlyphStyle.Color = color.RGBA{R: 220, A: 255}
		p.Add(best)
		p.Legend.Add("target", best)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) handleZonesPlot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analyzer == nil {
		httputil.NotFound(w, "no zones configured")
		return
	}
	png, err := renderZonesPlot(s.deps.Analyzer.Zones().Zones(), s.deps.Analyzer.Last())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// generateColors returns n evenly spaced hues.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	if s == 0 {
		v := uint8(l * 255)
		return v, v, v
	}
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
