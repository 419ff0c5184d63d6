package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/visionpick/internal/conveyor"
	"github.com/banshee-data/visionpick/internal/db"
	"github.com/banshee-data/visionpick/internal/geometry"
	"github.com/banshee-data/visionpick/internal/occlusion"
	"github.com/banshee-data/visionpick/internal/picklock"
	"github.com/banshee-data/visionpick/internal/protocol"
	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/scene"
	"github.com/banshee-data/visionpick/internal/target"
	"github.com/banshee-data/visionpick/internal/timeutil"
	"github.com/banshee-data/visionpick/internal/transport"
	"github.com/banshee-data/visionpick/internal/vision"
)

var t0 = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)

type fakeCommands struct {
	mu      sync.Mutex
	started []string
	held    bool
}

func (c *fakeCommands) Start(clientID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, clientID)
	return protocol.StartOK
}

func (c *fakeCommands) Stop(ctx context.Context) string { return protocol.StopOK }

func (c *fakeCommands) Complete(ctx context.Context) (picklock.State, bool) {
	return picklock.State{}, c.held
}

func (c *fakeCommands) Recalibrate() string { return protocol.RecalibrateFailed }

type fakeLoop struct{ stats conveyor.Stats }

func (l fakeLoop) Stats() conveyor.Stats { return l.stats }

type fakeCatches struct{ guard *occlusion.Guard }

func (c fakeCatches) Stats() map[string]uint64 { return map[string]uint64{"target": 4, "occluded": 3} }
func (c fakeCatches) Guard() *occlusion.Guard  { return c.guard }

type fakeClients []transport.ClientInfo

func (c fakeClients) Clients() []transport.ClientInfo { return c }

type fakeHealth map[string]bool

func (h fakeHealth) Statuses() map[string]bool { return h }

func testZones() []roi.Zone {
	return []roi.Zone{
		{ID: "A", Priority: 1, OffsetX: 100, OffsetY: 100, Width: 56, Height: 56},
		{ID: "B", Shape: roi.ShapeSector, Priority: 2, CenterX: 40, CenterY: 220, Radius: 30, StartDeg: 0, EndDeg: 180},
		{ID: "C", Shape: roi.ShapeQuarter, Priority: 3, CenterX: 200, CenterY: 60, Radius: 40, Quadrant: roi.QuadrantTopRight},
	}
}

func newAnalyzer(t *testing.T) *scene.Analyzer {
	t.Helper()
	idx, err := roi.NewIndex(testZones())
	require.NoError(t, err)
	return scene.NewAnalyzer(idx, geometry.NewCalibrationStore("", geometry.DefaultZFloor), scene.Options{
		Target:         target.Options{MinArea: 100},
		DepthThreshold: 700,
		DepthRadius:    1,
	})
}

// analyzeOnce runs one capture of a part sitting in zone A.
func analyzeOnce(t *testing.T, a *scene.Analyzer) *scene.Result {
	t.Helper()
	fx := vision.NewFixture(&vision.Scene{
		Intrinsics:  geometry.Intrinsics{Width: 256, Height: 256, Fx: 500, Fy: 500, Cx: 128, Cy: 128},
		BeltDepthMM: 1200,
		Objects: []vision.FixtureObject{
			{BBox: vision.BBox{X1: 118, Y1: 118, X2: 138, Y2: 138}, DepthMM: 675, Mask: true},
		},
	})
	c, err := vision.NewSensor(fx.Camera(), fx.Detector()).Capture(context.Background())
	require.NoError(t, err)
	return a.Analyze(c, t0)
}

func openJournal(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(cloneAPITestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func localRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, localRequest(method, path))
	return rec
}

func TestStatus(t *testing.T) {
	analyzer := newAnalyzer(t)
	analyzer.Calibration().Set(&geometry.Calibration{
		MatrixXY: [][]float64{{1, 0, 0}, {0, 1, 0}},
		ZMapping: &geometry.ZMapping{},
	})
	guard := occlusion.New(occlusion.Config{TriggerGap: time.Second, IgnoreCount: 2}, timeutil.NewMockClock(t0))
	guard.Observe("10.0.0.7")

	s := NewServer(Deps{
		Analyzer: analyzer,
		Loop:     fakeLoop{conveyor.Stats{Running: true, Ticks: 42, Lock: picklock.State{Picking: true, ZoneID: "A"}}},
		Catches:  fakeCatches{guard},
		Clients:  fakeClients{{ID: "c1", Remote: "10.0.0.7:5000", ConnectedAt: t0}},
		Health:   fakeHealth{"": true, "camera": true},
	})
	rec := serve(t, s.ServeMux(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Loop)
	assert.Equal(t, uint64(42), got.Loop.Ticks)
	assert.Equal(t, "A", got.Loop.Lock.ZoneID)
	assert.Equal(t, uint64(3), got.Catches["occluded"])
	assert.Contains(t, got.Channels, "10.0.0.7")
	assert.True(t, got.Health[""])
	require.Len(t, got.Clients, 1)
	assert.Equal(t, "c1", got.Clients[0].ID)
	assert.True(t, got.Calibration.Loaded)
	assert.Equal(t, "affine", got.Calibration.Form)
	assert.Equal(t, geometry.DefaultZFloor, got.Calibration.ZFloor)

	rec = serve(t, s.ServeMux(), http.MethodPost, "/api/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus_Empty(t *testing.T) {
	s := NewServer(Deps{})
	rec := serve(t, s.ServeMux(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"clients": [], "calibration": {"loaded": false, "z_floor": 0}}`, rec.Body.String())
}

func TestZones(t *testing.T) {
	analyzer := newAnalyzer(t)
	s := NewServer(Deps{Analyzer: analyzer})

	rec := serve(t, s.ServeMux(), http.MethodGet, "/api/zones")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []ZoneStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Zero(t, got[0].Count, "no frame analysed yet")

	analyzeOnce(t, analyzer)
	rec = serve(t, s.ServeMux(), http.MethodGet, "/api/zones")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	counts := map[string]int{}
	for _, z := range got {
		counts[z.ID] = z.Count
	}
	assert.Equal(t, map[string]int{"A": 3, "B": 0, "C": 0}, counts)

	rec = serve(t, NewServer(Deps{}).ServeMux(), http.MethodGet, "/api/zones")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJournalEndpoints(t *testing.T) {
	journal := openJournal(t)
	ctx := context.Background()
	for i, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, journal.RecordPick(ctx, db.Pick{ID: id, ZoneID: "A", X: 1, Y: 2, Z: 3, SentAt: t0.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, journal.CompletePick(ctx, "p1", t0.Add(500*time.Millisecond)))
	require.NoError(t, journal.RecordCatch(ctx, db.Catch{ID: "c1", Channel: "10.0.0.7", Reply: "0,0,0,0,0", Outcome: "no_target", At: t0}))
	require.NoError(t, journal.RecordBeltTransition(ctx, db.BeltTransition{ZoneID: "A", Line: 1, Level: "low", Reason: "occupied", At: t0}))

	mux := NewServer(Deps{Journal: journal}).ServeMux()

	rec := serve(t, mux, http.MethodGet, "/api/picks?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var picks []db.Pick
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &picks))
	ids := make([]string, len(picks))
	for i, p := range picks {
		ids[i] = p.ID
	}
	if diff := cmp.Diff([]string{"p3", "p2"}, ids); diff != "" {
		t.Errorf("picks mismatch (-want +got):\n%s", diff)
	}

	rec = serve(t, mux, http.MethodGet, "/api/catches")
	require.Equal(t, http.StatusOK, rec.Code)
	var catches []db.Catch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catches))
	require.Len(t, catches, 1)
	assert.Equal(t, "no_target", catches[0].Outcome)

	rec = serve(t, mux, http.MethodGet, "/api/belt")
	require.Equal(t, http.StatusOK, rec.Code)
	var belts []db.BeltTransition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &belts))
	require.Len(t, belts, 1)
	assert.Equal(t, "occupied", belts[0].Reason)

	for _, bad := range []string{"/api/picks?limit=0", "/api/catches?limit=x"} {
		rec = serve(t, mux, http.MethodGet, bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
	rec = serve(t, mux, http.MethodDelete, "/api/picks")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJournalEndpoints_EmptyIsArray(t *testing.T) {
	mux := NewServer(Deps{Journal: openJournal(t)}).ServeMux()
	rec := serve(t, mux, http.MethodGet, "/api/picks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCommands(t *testing.T) {
	cmds := &fakeCommands{held: true}
	mux := NewServer(Deps{Commands: cmds}).ServeMux()

	tests := []struct {
		path string
		want CommandResponse
	}{
		{"/api/start", CommandResponse{Reply: protocol.StartOK, OK: true}},
		{"/api/stop", CommandResponse{Reply: protocol.StopOK, OK: true}},
		{"/api/complete", CommandResponse{OK: true}},
		{"/api/recalibrate", CommandResponse{Reply: protocol.RecalibrateFailed, OK: true}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(t, mux, http.MethodPost, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)
			var got CommandResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.want, got)

			rec = serve(t, mux, http.MethodGet, tt.path)
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
	assert.Equal(t, []string{""}, cmds.started, "HTTP start broadcasts to every robot connection")
}

func TestAdminRoutes(t *testing.T) {
	analyzer := newAnalyzer(t)
	analyzeOnce(t, analyzer)
	journal := openJournal(t)
	require.NoError(t, journal.RecordPick(context.Background(), db.Pick{ID: "p1", ZoneID: "A", SentAt: t0}))
	require.NoError(t, journal.CompletePick(context.Background(), "p1", t0.Add(time.Second)))

	s := NewServer(Deps{Analyzer: analyzer, Journal: journal, Loop: fakeLoop{}})
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := serve(t, mux, http.MethodGet, "/debug/zones.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = serve(t, mux, http.MethodGet, "/debug/picks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Pick cycle time")
	assert.Contains(t, rec.Body.String(), "Catch outcomes")

	rec = serve(t, mux, http.MethodGet, "/debug/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Conveyor ticks")
}

func TestLockSummary(t *testing.T) {
	assert.Equal(t, "free", lockSummary(conveyor.Stats{}))
	st := conveyor.Stats{Lock: picklock.State{Picking: true, ZoneID: "A", LockedAt: t0}, LockAge: 90 * time.Second}
	assert.Equal(t, "A since 2026-05-04T07:30:00Z (1m30s)", lockSummary(st))
}

func TestZoneOutline(t *testing.T) {
	frame := defaultFrame
	zones := testZones()

	rect := zoneOutline(zones[0], frame)
	require.Len(t, rect, 5)
	assert.Equal(t, rect[0], rect[4], "outline is closed")
	assert.Equal(t, 156.0, rect[2].X)

	for _, z := range zones[1:] {
		pts := zoneOutline(z, frame)
		assert.Equal(t, pts[0], pts[len(pts)-1], "%s outline is closed", z.ID)
		for _, p := range pts[1 : len(pts)-1] {
			assert.True(t, z.Contains(geometry.Point2{X: p.X, Y: p.Y}) || nearEdge(z, p.X, p.Y),
				"%s outline point (%.1f, %.1f) lies on the zone", z.ID, p.X, p.Y)
		}
	}

	full := zoneOutline(roi.Zone{ID: "D", Shape: roi.ShapeSector, CenterX: 10, CenterY: 10, Radius: 5}, frame)
	assert.Len(t, full, 73, "a full disk is traced without its centre")
}

// nearEdge tolerates rounding on the arc and the straight edges of wedges.
func nearEdge(z roi.Zone, x, y float64) bool {
	for _, dx := range []float64{-1e-6, 1e-6} {
		for _, dy := range []float64{-1e-6, 1e-6} {
			if z.Contains(geometry.Point2{X: x + dx, Y: y + dy}) {
				return true
			}
		}
	}
	return false
}
