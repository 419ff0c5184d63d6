package api

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/visionpick/internal/db"
	"github.com/banshee-data/visionpick/internal/httputil"
)

const chartHistory = 200

// pickCycleChart plots push-to-complete durations, oldest first. Open picks
// are skipped.
func pickCycleChart(picks []db.Pick) *charts.Line {
	picks = slices.Clone(picks)
	slices.SortFunc(picks, func(a, b db.Pick) int { return a.SentAt.Compare(b.SentAt) })

	x := make([]string, 0, len(picks))
	y := make([]opts.LineData, 0, len(picks))
	for _, p := range picks {
		if p.CompletedAt.IsZero() {
			continue
		}
		x = append(x, p.SentAt.Format("15:04:05"))
		y = append(y, opts.LineData{Value: p.Duration().Milliseconds(), Name: p.ZoneID})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pick cycles", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Pick cycle time", Subtitle: fmt.Sprintf("completed=%d of %d", len(y), len(picks))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).AddSeries("cycle", y, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	return line
}

// catchOutcomeChart counts catch replies by outcome.
func catchOutcomeChart(catches []db.Catch) *charts.Bar {
	counts := make(map[string]int)
	for _, c := range catches {
		counts[c.Outcome]++
	}
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, o)
	}
	slices.Sort(outcomes)

	y := make([]opts.BarData, len(outcomes))
	for i, o := range outcomes {
		y[i] = opts.BarData{Value: counts[o]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Catch outcomes", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(outcomes).
		AddSeries("catches", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

func (s *Server) handlePicksChart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	picks, err := s.deps.Journal.RecentPicks(r.Context(), chartHistory)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve picks: %v", err))
		return
	}
	catches, err := s.deps.Journal.RecentCatches(r.Context(), chartHistory)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve catches: %v", err))
		return
	}

	page := components.NewPage()
	page.PageTitle = "visionpick"
	page.AddCharts(pickCycleChart(picks), catchOutcomeChart(catches))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
