package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/pose.report/internal/lidar/l6localize"
)

var (
	errorLineColor = color.RGBA{R: 30, G: 90, B: 220, A: 255}
	maxLineColor   = color.RGBA{R: 220, G: 40, B: 40, A: 255}
)

// errorPlot draws error and running max against cycle sequence.
func errorPlot(history []l6localize.ErrorSample) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Localization Error"
	p.X.Label.Text = "Cycle"
	p.Y.Label.Text = "Error (m)"
	p.Y.Min = 0

	errPts := make(plotter.XYs, len(history))
	maxPts := make(plotter.XYs, len(history))
	for i, s := range history {
		errPts[i] = plotter.XY{X: float64(s.Sequence), Y: s.Error}
		maxPts[i] = plotter.XY{X: float64(s.Sequence), Y: s.MaxError}
	}

	errLine, err := plotter.NewLine(errPts)
	if err != nil {
		return nil, err
	}
	errLine.Color = errorLineColor
	errLine.Width = vg.Points(1)
	p.Add(errLine)
	p.Legend.Add("error", errLine)

	maxLine, err := plotter.NewLine(maxPts)
	if err != nil {
		return nil, err
	}
	maxLine.Color = maxLineColor
	maxLine.Width = vg.Points(1)
	maxLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(maxLine)
	p.Legend.Add("max error", maxLine)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// handleErrorPlot renders the tracker's error history as a PNG.
func (ws *WebServer) handleErrorPlot(w http.ResponseWriter, r *http.Request) {
	history := ws.errorHistory()
	if len(history) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no error history available")
		return
	}
	p, err := errorPlot(history)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("plot error: %v", err))
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("plot error: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("plot error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
