// Package api is the controller's HTTP surface: JSON status and journal
// endpoints, command triggers for operators, and debug charts.
package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/visionpick/internal/conveyor"
	"github.com/banshee-data/visionpick/internal/db"
	"github.com/banshee-data/visionpick/internal/httputil"
	"github.com/banshee-data/visionpick/internal/occlusion"
	"github.com/banshee-data/visionpick/internal/picklock"
	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/scene"
	"github.com/banshee-data/visionpick/internal/transport"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Commands are the operator triggers, normally a control.Dispatcher.
type Commands interface {
	Start(clientID string) string
	Stop(ctx context.Context) string
	Complete(ctx context.Context) (picklock.State, bool)
	Recalibrate() string
}

// Journal is the read side of the pick journal.
type Journal interface {
	RecentCatches(ctx context.Context, limit int) ([]db.Catch, error)
	RecentPicks(ctx context.Context, limit int) ([]db.Pick, error)
	RecentBeltTransitions(ctx context.Context, limit int) ([]db.BeltTransition, error)
}

// Deps wires the server to the running controller. Nil members are
// reported as absent.
type Deps struct {
	Commands Commands
	Journal  Journal
	Analyzer *scene.Analyzer
	Loop     interface{ Stats() conveyor.Stats }
	Catches  interface {
		Stats() map[string]uint64
		Guard() *occlusion.Guard
	}
	Clients interface{ Clients() []transport.ClientInfo }
	Health  interface{ Statuses() map[string]bool }
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/zones", s.listZones)
	mux.HandleFunc("/api/picks", s.listPicks)
	mux.HandleFunc("/api/catches", s.listCatches)
	mux.HandleFunc("/api/belt", s.listBelt)
	mux.HandleFunc("/api/start", s.command(func(r *http.Request) (string, bool) {
		return s.deps.Commands.Start(""), true
	}))
	mux.HandleFunc("/api/stop", s.command(func(r *http.Request) (string, bool) {
		return s.deps.Commands.Stop(r.Context()), true
	}))
	mux.HandleFunc("/api/complete", s.command(func(r *http.Request) (string, bool) {
		_, held := s.deps.Commands.Complete(r.Context())
		return "", held
	}))
	mux.HandleFunc("/api/recalibrate", s.command(func(r *http.Request) (string, bool) {
		return s.deps.Commands.Recalibrate(), true
	}))
	return mux
}

// AttachAdminRoutes adds the loop counters and debug charts under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	if s.deps.Loop != nil {
		debug.KVFunc("Conveyor running", func() any { return s.deps.Loop.Stats().Running })
		debug.KVFunc("Conveyor ticks", func() any { return s.deps.Loop.Stats().Ticks })
		debug.KVFunc("Conveyor failed ticks", func() any { return s.deps.Loop.Stats().FailedTicks })
		debug.KVFunc("Conveyor pushes", func() any { return s.deps.Loop.Stats().Pushes })
		debug.KVFunc("Conveyor last tick", func() any { return s.deps.Loop.Stats().LastTick.String() })
		debug.KVFunc("Pick lock", func() any { return lockSummary(s.deps.Loop.Stats()) })
	}
	debug.Handle("zones.png", "Zone outlines and the latest detections", http.HandlerFunc(s.handleZonesPlot))
	debug.Handle("picks", "Pick cycle and catch outcome charts", http.HandlerFunc(s.handlePicksChart))
}

func lockSummary(st conveyor.Stats) string {
	if !st.Lock.Picking {
		return "free"
	}
	return fmt.Sprintf("%s since %s (%v)", st.Lock.ZoneID, st.Lock.LockedAt.Format(time.RFC3339), st.LockAge)
}

// limitParam parses ?limit=, defaulting to 100 and capped at 1000.
func limitParam(r *http.Request) (int, error) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid 'limit' parameter")
		}
		limit = min(n, 1000)
	}
	return limit, nil
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Loop        *conveyor.Stats            `json:"loop,omitempty"`
	Catches     map[string]uint64          `json:"catches,omitempty"`
	Channels    map[string]occlusion.State `json:"channels,omitempty"`
	Clients     []transport.ClientInfo     `json:"clients"`
	Health      map[string]bool            `json:"health,omitempty"`
	Calibration CalibrationStatus          `json:"calibration"`
}

// CalibrationStatus reports the active calibration model.
type CalibrationStatus struct {
	Loaded   bool      `json:"loaded"`
	Form     string    `json:"form,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
	ZFloor   float64   `json:"z_floor"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := StatusResponse{Clients: []transport.ClientInfo{}}
	if s.deps.Loop != nil {
		st := s.deps.Loop.Stats()
		resp.Loop = &st
	}
	if s.deps.Catches != nil {
		resp.Catches = s.deps.Catches.Stats()
		if g := s.deps.Catches.Guard(); g != nil {
			resp.Channels = g.Snapshot()
		}
	}
	if s.deps.Clients != nil {
		resp.Clients = s.deps.Clients.Clients()
	}
	if s.deps.Health != nil {
		resp.Health = s.deps.Health.Statuses()
	}
	if s.deps.Analyzer != nil {
		store := s.deps.Analyzer.Calibration()
		cal, at := store.Current()
		resp.Calibration.ZFloor = store.Floor()
		switch {
		case cal.HasAffine():
			resp.Calibration = CalibrationStatus{Loaded: true, Form: "affine", LoadedAt: at, ZFloor: store.Floor()}
		case cal.HasMatrix():
			resp.Calibration = CalibrationStatus{Loaded: true, Form: "matrix", LoadedAt: at, ZFloor: store.Floor()}
		}
	}
	httputil.WriteJSONOK(w, resp)
}

// ZoneStatus is one entry of /api/zones.
type ZoneStatus struct {
	roi.Zone
	Count int `json:"count"`
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.deps.Analyzer == nil {
		httputil.NotFound(w, "no zones configured")
		return
	}
	last := s.deps.Analyzer.Last()
	zones := s.deps.Analyzer.Zones().Zones()
	out := make([]ZoneStatus, len(zones))
	for i, z := range zones {
		out[i] = ZoneStatus{Zone: z, Count: last.Count(z.ID)}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listPicks(w http.ResponseWriter, r *http.Request) {
	listJournal(s, w, r, "picks", func(ctx context.Context, limit int) ([]db.Pick, error) {
		return s.deps.Journal.RecentPicks(ctx, limit)
	})
}

func (s *Server) listCatches(w http.ResponseWriter, r *http.Request) {
	listJournal(s, w, r, "catches", func(ctx context.Context, limit int) ([]db.Catch, error) {
		return s.deps.Journal.RecentCatches(ctx, limit)
	})
}

func (s *Server) listBelt(w http.ResponseWriter, r *http.Request) {
	listJournal(s, w, r, "belt transitions", func(ctx context.Context, limit int) ([]db.BeltTransition, error) {
		return s.deps.Journal.RecentBeltTransitions(ctx, limit)
	})
}

func listJournal[T any](s *Server, w http.ResponseWriter, r *http.Request, what string, query func(context.Context, int) ([]T, error)) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.deps.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	rows, err := query(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve %s: %v", what, err))
		return
	}
	if rows == nil {
		rows = []T{}
	}
	httputil.WriteJSONOK(w, rows)
}

// CommandResponse is the body of the POST /api/{command} endpoints. Reply is
// the line the robot would have received; complete has none and reports in
// OK whether a pick lock was released.
type CommandResponse struct {
	Reply string `json:"reply,omitempty"`
	OK    bool   `json:"ok"`
}

func (s *Server) command(run func(r *http.Request) (string, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if s.deps.Commands == nil {
			httputil.NotFound(w, "commands unavailable")
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		reply, ok := run(r)
		log.Printf("api: %s from %s -> %q", r.URL.Path, host, reply)
		httputil.WriteJSONOK(w, CommandResponse{Reply: reply, OK: ok})
	}
}
