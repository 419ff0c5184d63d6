// Package health publishes component readiness through the standard
// grpc.health.v1 service so the external supervisor can probe the
// controller and restart it when the camera or detector drops out.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/visionpick/internal/timeutil"
)

// Service names reported besides the overall "" service.
const (
	ServiceCamera   = "camera"
	ServiceDetector = "detector"
	ServiceConveyor = "conveyor"
)

// Probe reports whether a component is serving.
type Probe func() bool

type probe struct {
	name     string
	check    Probe
	critical bool
}

// Monitor polls probes and mirrors them into a gRPC health server. The
// overall service is SERVING only while every critical probe passes.
type Monitor struct {
	srv      *grpchealth.Server
	clock    timeutil.Clock
	interval time.Duration

	mu     sync.Mutex
	probes []probe
	last   map[string]bool
}

// NewMonitor creates a Monitor polling every interval (default 1s).
func NewMonitor(interval time.Duration, clock timeutil.Clock) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Monitor{srv: srv, clock: clock, interval: interval, last: make(map[string]bool)}
}

// Add registers a probe. Critical probes gate the overall status.
func (m *Monitor) Add(name string, check Probe, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, probe{name: name, check: check, critical: critical})
	m.srv.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Check evaluates every probe once and publishes the result.
func (m *Monitor) Check() {
	m.mu.Lock()
	probes := slices.Clone(m.probes)
	m.mu.Unlock()

	overall := true
	results := make(map[string]bool, len(probes))
	for _, p := range probes {
		ok := safeCheck(p.check)
		results[p.name] = ok
		if p.critical && !ok {
			overall = false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ok := range results {
		if prev, seen := m.last[name]; !seen || prev != ok {
			if seen {
				log.Printf("health: %s %s", name, statusOf(ok))
			}
			m.srv.SetServingStatus(name, statusOf(ok))
		}
		m.last[name] = ok
	}
	if prev, seen := m.last[""]; !seen || prev != overall {
		m.srv.SetServingStatus("", statusOf(overall))
	}
	m.last[""] = overall
}

func safeCheck(p Probe) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("health: probe panicked: %v", r)
			ok = false
		}
	}()
	return p()
}

func statusOf(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Statuses returns the last published result per service, "" included.
func (m *Monitor) Statuses() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}

// Run polls until ctx is cancelled, then marks every service NOT_SERVING.
func (m *Monitor) Run(ctx context.Context) {
	m.Check()
	tk := m.clock.NewTicker(m.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			m.srv.Shutdown()
			return
		case <-tk.C():
			m.Check()
		}
	}
}

// Register adds the health service to s.
func (m *Monitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.srv)
}

// Serve runs a gRPC server exposing the health service on ln until ctx is
// cancelled.
func (m *Monitor) Serve(ctx context.Context, ln net.Listener) error {
	s := grpc.NewServer()
	m.Register(s)

	stop := context.AfterFunc(ctx, s.GracefulStop)
	defer stop()

	log.Printf("health: gRPC listening on %s", ln.Addr())
	if err := s.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (m *Monitor) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return m.Serve(ctx, ln)
}
