// Package monitor serves the localizer's HTTP surface: health and status
// JSON, run history, debug charts, scene renders and a keyboard websocket.
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar/export"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l6localize"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
	sqlite "github.com/banshee-data/pose.report/internal/lidar/storage/sqlite"
	"github.com/banshee-data/pose.report/internal/version"
)

// Localizer is the read side of the main loop used by the handlers.
type Localizer interface {
	// Tracker is nil until the initial pose is known.
	Tracker() *l6localize.PoseTracker
	LastCycle() *pipeline.CycleResult
	RequestRefresh()
}

// Accumulator reports scan accumulation counters.
type Accumulator interface {
	Stats() l2frames.AccumulatorStats
}

// RunLister lists persisted localization runs.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]*sqlite.Run, error)
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	// Address is the HTTP listen address, e.g. ":8080".
	Address string

	Localizer   Localizer
	Accumulator Accumulator // optional
	Runs        RunLister   // optional

	// Keys receives key names from /ws/keyboard. Nil disables the socket.
	Keys *control.Input

	// MaxMapPoints bounds the map kept for rendering (default 20000).
	MaxMapPoints int

	// SimplifyTolerance is the Douglas-Peucker tolerance in metres for
	// trajectory export. Zero keeps every sample.
	SimplifyTolerance float64

	// AdminRoutes are attached to the server mux after the built-in routes.
	AdminRoutes []func(mux *http.ServeMux)
}

// WebServer handles the HTTP interface for monitoring a localizer. It is
// also a pipeline.FrameSink: frames feed the scene used by the renders.
type WebServer struct {
	server    *http.Server
	mux       *http.ServeMux
	address   string
	localizer Localizer
	acc       Accumulator
	runs      RunLister
	keys      *control.Input
	scene     *export.Scene
	renderer  *export.Renderer
	tolerance float64
	started   time.Time
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	maxMap := config.MaxMapPoints
	if maxMap <= 0 {
		maxMap = 20000
	}
	ws := &WebServer{
		address:   config.Address,
		localizer: config.Localizer,
		acc:       config.Accumulator,
		runs:      config.Runs,
		keys:      config.Keys,
		scene:     export.NewScene(maxMap),
		renderer:  export.NewRenderer(),
		tolerance: config.SimplifyTolerance,
		started:   time.Now(),
	}
	ws.mux = ws.setupRoutes()
	for _, attach := range config.AdminRoutes {
		attach(ws.mux)
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.mux,
	}
	return ws
}

// SetLocalizer attaches the loop after construction, for when the server
// is itself one of the loop's frame sinks. Call it before Start.
func (ws *WebServer) SetLocalizer(l Localizer) { ws.localizer = l }

// Handler returns the server's routes.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// SetMap forwards the reference map to the scene.
func (ws *WebServer) SetMap(points []l2frames.Point) error {
	return ws.scene.SetMap(points)
}

// PublishFrame forwards a cycle to the scene.
func (ws *WebServer) PublishFrame(ctx context.Context, r *pipeline.CycleResult) error {
	return ws.scene.PublishFrame(ctx, r)
}

// Start serves until ctx is done, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/localizer/status", ws.handleStatus)
	mux.HandleFunc("/api/localizer/runs", ws.handleRuns)
	mux.HandleFunc("/api/localizer/refresh", ws.handleRefresh)
	mux.HandleFunc("/api/localizer/error.png", ws.handleErrorPlot)
	mux.HandleFunc("/api/localizer/snapshot.svg", ws.handleSnapshotSVG)
	mux.HandleFunc("/api/localizer/snapshot.png", ws.handleSnapshotPNG)
	mux.HandleFunc("/api/localizer/trajectory.geojson", ws.handleTrajectory)
	mux.HandleFunc("/debug/localizer/scene", ws.handleSceneChart)
	mux.HandleFunc("/debug/localizer/errors", ws.handleErrorChart)
	mux.HandleFunc("/ws/keyboard", ws.handleKeyboard)

	return mux
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	ws.writeJSON(w, status, map[string]string{"error": msg})
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

// StatusResponse is the body of /api/localizer/status.
type StatusResponse struct {
	Version     string                      `json:"version"`
	Uptime      string                      `json:"uptime"`
	Initialized bool                        `json:"initialized"`
	Tracker     *l6localize.TrackerSnapshot `json:"tracker,omitempty"`
	LastCycle   *pipeline.CycleResult       `json:"last_cycle,omitempty"`
	Accumulator *l2frames.AccumulatorStats  `json:"accumulator,omitempty"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	resp := StatusResponse{
		Version: version.String(),
		Uptime:  time.Since(ws.started).Round(time.Second).String(),
	}
	if ws.localizer != nil {
		if t := ws.localizer.Tracker(); t != nil {
			snap := t.Snapshot()
			resp.Tracker = &snap
			resp.Initialized = true
		}
		resp.LastCycle = ws.localizer.LastCycle()
	}
	if ws.acc != nil {
		stats := ws.acc.Stats()
		resp.Accumulator = &stats
	}
	ws.writeJSON(w, http.StatusOK, resp)
}

// handleRuns lists recent runs.
// Query params:
//
//	limit (optional, default 20, max 500)
func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.runs == nil {
		ws.writeJSONError(w, http.StatusNotFound, "run storage disabled")
		return
	}
	limit, ok := intParam(r, "limit", 20, 1, 500)
	if !ok {
		ws.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
		return
	}
	runs, err := ws.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*sqlite.Run{}
	}
	ws.writeJSON(w, http.StatusOK, runs)
}

// handleRefresh asks the loop to resend the map to every frame sink.
func (ws *WebServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.localizer == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "localizer not running")
		return
	}
	ws.localizer.RequestRefresh()
	ws.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}

func (ws *WebServer) handleSnapshotSVG(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := ws.renderer.RenderSVG(w, ws.scene.Snapshot()); err != nil {
		log.Printf("svg render failed: %v", err)
	}
}

func (ws *WebServer) handleSnapshotPNG(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	if err := ws.renderer.RenderPNG(w, ws.scene.Snapshot()); err != nil {
		log.Printf("png render failed: %v", err)
	}
}

// handleTrajectory exports the estimated and ground-truth tracks.
// Query params:
//
//	tolerance (optional, metres; overrides the configured simplification)
func (ws *WebServer) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	tol := ws.tolerance
	if v := r.URL.Query().Get("tolerance"); v != "" {
		f, ok := floatParam(v)
		if !ok || f < 0 {
			ws.writeJSONError(w, http.StatusBadRequest, "invalid 'tolerance' parameter")
			return
		}
		tol = f
	}
	body, err := export.TrajectoryJSON(ws.scene.Snapshot(), tol)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(body)
}

// errorHistory returns the tracker's error samples, or nil before the
// initial pose.
func (ws *WebServer) errorHistory() []l6localize.ErrorSample {
	if ws.localizer == nil {
		return nil
	}
	t := ws.localizer.Tracker()
	if t == nil {
		return nil
	}
	return t.History()
}
