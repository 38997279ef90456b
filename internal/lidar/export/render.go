package export

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

var (
	mapColor      = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	scanColor     = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	estimateColor = color.RGBA{R: 30, G: 90, B: 220, A: 255}
	truthColor    = color.RGBA{R: 20, G: 160, B: 60, A: 255}
	vehicleColor  = color.RGBA{R: 30, G: 90, B: 220, A: 96}
)

// Renderer draws a top-down scene. Canvas units are millimetres; world
// units are metres.
type Renderer struct {
	Scale       float64           // canvas mm per world metre
	Padding     float64           // world metres around the content
	MinExtent   float64           // smallest drawn width/height in metres
	PointSize   float64           // marker size in canvas mm
	Resolution  canvas.Resolution // PNG resolution
	GridSpacing float64           // world metres; 0 disables the grid
}

// NewRenderer returns a renderer suited to maps a few hundred metres
// across.
func NewRenderer() *Renderer {
	return &Renderer{
		Scale:       4,
		Padding:     5,
		MinExtent:   20,
		PointSize:   0.6,
		Resolution:  canvas.DPI(50),
		GridSpacing: 10,
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderSVG writes snap as an SVG document.
func (r *Renderer) RenderSVG(w io.Writer, snap Snapshot) error {
	b := r.bounds(snap)
	out := svg.New(w, b.width()*r.Scale, b.height()*r.Scale, nil)
	r.draw(out, snap, b)
	return out.Close()
}

// RenderPNG writes snap as a PNG image.
func (r *Renderer) RenderPNG(w io.Writer, snap Snapshot) error {
	b := r.bounds(snap)
	rast := rasterizer.New(b.width()*r.Scale, b.height()*r.Scale, r.Resolution, canvas.DefaultColorSpace)
	r.draw(rast, snap, b)
	return png.Encode(w, rast)
}

type bounds struct {
	minX, minY, maxX, maxY float64
}

func (b bounds) width() float64  { return b.maxX - b.minX }
func (b bounds) height() float64 { return b.maxY - b.minY }

func (r *Renderer) bounds(snap Snapshot) bounds {
	b := bounds{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	add := func(x, y float64) {
		b.minX, b.maxX = math.Min(b.minX, x), math.Max(b.maxX, x)
		b.minY, b.maxY = math.Min(b.minY, y), math.Max(b.maxY, y)
	}
	for _, p := range snap.Map {
		add(p.X, p.Y)
	}
	for _, p := range snap.Estimate {
		add(p[0], p[1])
	}
	for _, p := range snap.Truth {
		add(p[0], p[1])
	}
	if snap.Vehicle != nil {
		add(snap.Vehicle.Center.X, snap.Vehicle.Center.Y)
	}
	if math.IsInf(b.minX, 1) {
		b = bounds{}
	}
	grow := func(lo, hi *float64) {
		if d := r.MinExtent - (*hi - *lo); d > 0 {
			*lo -= d / 2
			*hi += d / 2
		}
		*lo -= r.Padding
		*hi += r.Padding
	}
	grow(&b.minX, &b.maxX)
	grow(&b.minY, &b.maxY)
	return b
}

func (r *Renderer) draw(out canvasRenderer, snap Snapshot, b bounds) {
	toCanvas := func(x, y float64) (float64, float64) {
		return (x - b.minX) * r.Scale, (y - b.minY) * r.Scale
	}

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(b.width()*r.Scale, b.height()*r.Scale), bg, canvas.Identity)

	if r.GridSpacing > 0 {
		grid := canvas.DefaultStyle
		grid.Fill = canvas.Paint{Color: canvas.Transparent}
		grid.Stroke = canvas.Paint{Color: canvas.Gray}
		grid.StrokeWidth = 0.2
		grid.Dashes = []float64{1, 1}
		p := &canvas.Path{}
		for x := math.Ceil(b.minX/r.GridSpacing) * r.GridSpacing; x <= b.maxX; x += r.GridSpacing {
			x1, y1 := toCanvas(x, b.minY)
			x2, y2 := toCanvas(x, b.maxY)
			p.MoveTo(x1, y1)
			p.LineTo(x2, y2)
		}
		for y := math.Ceil(b.minY/r.GridSpacing) * r.GridSpacing; y <= b.maxY; y += r.GridSpacing {
			x1, y1 := toCanvas(b.minX, y)
			x2, y2 := toCanvas(b.maxX, y)
			p.MoveTo(x1, y1)
			p.LineTo(x2, y2)
		}
		out.RenderPath(p, grid, canvas.Identity)
	}

	r.drawPoints(out, snap.Map, mapColor, toCanvas)
	r.drawLine(out, snap.Truth, truthColor, toCanvas)
	r.drawLine(out, snap.Estimate, estimateColor, toCanvas)
	r.drawPoints(out, snap.Scan, scanColor, toCanvas)

	if v := snap.Vehicle; v != nil {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: vehicleColor}
		style.Stroke = canvas.Paint{Color: estimateColor}
		style.StrokeWidth = 0.4
		p := &canvas.Path{}
		for i, c := range v.Corners() {
			cx, cy := toCanvas(c.X, c.Y)
			if i == 0 {
				p.MoveTo(cx, cy)
			} else {
				p.LineTo(cx, cy)
			}
		}
		p.Close()
		out.RenderPath(p, style, canvas.Identity)
	}
}

// drawPoints renders points as one path of small squares.
func (r *Renderer) drawPoints(out canvasRenderer, pts []l2frames.Point, c color.RGBA, toCanvas func(x, y float64) (float64, float64)) {
	if len(pts) == 0 {
		return
	}
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: c}
	style.Stroke = canvas.Paint{Color: canvas.Transparent}
	d := r.PointSize
	p := &canvas.Path{}
	for _, pt := range pts {
		x, y := toCanvas(pt.X, pt.Y)
		x, y = x-d/2, y-d/2
		p.MoveTo(x, y)
		p.LineTo(x+d, y)
		p.LineTo(x+d, y+d)
		p.LineTo(x, y+d)
		p.Close()
	}
	out.RenderPath(p, style, canvas.Identity)
}

func (r *Renderer) drawLine(out canvasRenderer, ls orb.LineString, c color.RGBA, toCanvas func(x, y float64) (float64, float64)) {
	if len(ls) < 2 {
		return
	}
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: c}
	style.StrokeWidth = 0.5
	p := &canvas.Path{}
	for i, pt := range ls {
		x, y := toCanvas(pt[0], pt[1])
		if i == 0 {
			p.MoveTo(x, y)
		} else {
			p.LineTo(x, y)
		}
	}
	out.RenderPath(p, style, canvas.Identity)
}
