package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/paulmach/orb"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleSceneChart renders the map, latest aligned scan and both tracks as
// a top-down scatter. Debugging only.
// Query params:
//   - max_points (optional; default 8000) caps the map series
func (ws *WebServer) handleSceneChart(w http.ResponseWriter, r *http.Request) {
	maxPoints, ok := intParam(r, "max_points", 8000, 100, 50000)
	if !ok {
		ws.writeJSONError(w, http.StatusBadRequest, "invalid 'max_points' parameter")
		return
	}
	snap := ws.scene.Snapshot()

	mapData, stride := pointData(snap.Map, maxPoints)
	scanData, _ := pointData(snap.Scan, maxPoints)
	estData := lineData(snap.Estimate)
	truthData := lineData(snap.Truth)

	minX, minY, size := squareExtent(snap.Map, snap.Estimate)

	subtitle := fmt.Sprintf("map=%d stride=%d scan=%d", len(snap.Map), stride, len(snap.Scan))
	if snap.Last != nil {
		subtitle += fmt.Sprintf(" seq=%d max_error=%.3f", snap.Last.Sequence, snap.Last.MaxError)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Localizer Scene", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Localizer Scene", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Min: minX, Max: minX + size, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Min: minY, Max: minY + size, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("map", mapData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#888888"}))
	scatter.AddSeries("ground truth", truthData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#35b779"}))
	scatter.AddSeries("estimate", estData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#3e89dc"}))
	scatter.AddSeries("scan", scanData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#dc2828"}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleErrorChart renders the per-cycle position error and running
// maximum from the tracker history.
func (ws *WebServer) handleErrorChart(w http.ResponseWriter, r *http.Request) {
	history := ws.errorHistory()
	if len(history) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no error history available")
		return
	}

	x := make([]uint64, len(history))
	errs := make([]opts.LineData, len(history))
	maxes := make([]opts.LineData, len(history))
	for i, s := range history {
		x[i] = s.Sequence
		errs[i] = opts.LineData{Value: s.Error}
		maxes[i] = opts.LineData{Value: s.MaxError}
	}
	last := history[len(history)-1]

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Localization Error", Subtitle: fmt.Sprintf("cycles=%d max=%.3f m", len(history), last.MaxError)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "error (m)"}),
	)
	line.SetXAxis(x).
		AddSeries("error", errs).
		AddSeries("max error", maxes)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// pointData downsamples pts by stride to stay within maxPoints.
func pointData(pts []l2frames.Point, maxPoints int) ([]opts.ScatterData, int) {
	stride := 1
	if len(pts) > maxPoints {
		stride = int(math.Ceil(float64(len(pts)) / float64(maxPoints)))
	}
	data := make([]opts.ScatterData, 0, len(pts)/stride+1)
	for i := 0; i < len(pts); i += stride {
		data = append(data, opts.ScatterData{Value: []interface{}{pts[i].X, pts[i].Y}})
	}
	return data, stride
}

func lineData(ls orb.LineString) []opts.ScatterData {
	data := make([]opts.ScatterData, len(ls))
	for i, p := range ls {
		data[i] = opts.ScatterData{Value: []interface{}{p[0], p[1]}}
	}
	return data
}

// squareExtent returns the lower-left corner and side of a square covering
// the map and track, so both axes share a scale.
func squareExtent(pts []l2frames.Point, track orb.LineString) (minX, minY, size float64) {
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, p := range pts {
		b = b.Extend(orb.Point{p.X, p.Y})
	}
	for _, p := range track {
		b = b.Extend(p)
	}
	if math.IsInf(b.Min[0], 1) {
		return -10, -10, 20
	}
	size = math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]) + 2
	cx, cy := (b.Min[0]+b.Max[0])/2, (b.Min[1]+b.Max[1])/2
	return math.Floor(cx - size/2), math.Floor(cy - size/2), math.Ceil(size)
}
