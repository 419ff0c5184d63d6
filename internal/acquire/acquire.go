// Package acquire answers on-demand catch requests: one capture, one
// arbitration, one coordinate reply.
//
// A request passes through these stages in order, and the first one that
// decides the reply ends it:
//
//	debounce      → 1001
//	in flight     → 1002
//	not ready     → 1003
//	occluded      → -1,0,0,0,0
//	detect/locate → coordinates, 0,0,0,0,0, or 2002 on a fault
//
// Anything else that goes wrong maps to 9000.
package acquire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/visionpick/internal/db"
	"github.com/banshee-data/visionpick/internal/occlusion"
	"github.com/banshee-data/visionpick/internal/protocol"
	"github.com/banshee-data/visionpick/internal/scene"
	"github.com/banshee-data/visionpick/internal/timeutil"
	"github.com/banshee-data/visionpick/internal/vision"
)

// Outcomes recorded in the journal and the stats.
const (
	OutcomeTarget          = "target"
	OutcomeNoTarget        = "no_target"
	OutcomeOccluded        = "occluded"
	OutcomeTooFrequent     = "too_frequent"
	OutcomeBusy            = "busy"
	OutcomeNotReady        = "not_ready"
	OutcomeDetectionFailed = "detection_failed"
	OutcomeUnknownError    = "unknown_error"
)

// Capturer is the serialised camera+detector unit.
type Capturer interface {
	Ready() bool
	Capture(ctx context.Context) (*vision.Capture, error)
}

// CatchRecorder persists answered requests.
type CatchRecorder interface {
	RecordCatch(ctx context.Context, c db.Catch) error
}

// Request is one inbound catch.
type Request struct {
	// Channel identifies the requester; state is kept per channel.
	Channel string
	// Gap is the caller-supplied time since its previous catch. When
	// HasGap is false the gap is 0 unless the guard measures gaps.
	Gap    time.Duration
	HasGap bool
}

// Service handles catch requests. It is safe for concurrent use.
type Service struct {
	sensor   Capturer
	analyzer *scene.Analyzer
	guard    *occlusion.Guard
	clock    timeutil.Clock
	journal  CatchRecorder

	mu    sync.Mutex
	stats map[string]uint64
}

// New creates a Service. journal may be nil.
func New(sensor Capturer, analyzer *scene.Analyzer, guard *occlusion.Guard, clock timeutil.Clock, journal CatchRecorder) *Service {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Service{
		sensor:   sensor,
		analyzer: analyzer,
		guard:    guard,
		clock:    clock,
		journal:  journal,
		stats:    make(map[string]uint64),
	}
}

type result struct {
	reply   string
	outcome string
	loc     *scene.Location
	zoneID  string
	gap     time.Duration
}

// Catch runs one request and always returns a reply.
func (s *Service) Catch(ctx context.Context, req Request) (reply string) {
	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			opsf("catch %s: unexpected fault: %v", req.Channel, r)
			s.count(OutcomeUnknownError)
			reply = protocol.UnknownError.Reply()
		}
	}()

	res := s.run(ctx, req)
	s.record(ctx, req.Channel, start, res)
	s.count(res.outcome)
	tracef("catch %s gap=%v → %s (%s) in %v", req.Channel, res.gap, res.reply, res.outcome, s.clock.Since(start))
	return res.reply
}

func (s *Service) run(ctx context.Context, req Request) result {
	channel := req.Channel
	release, verdict := s.guard.Admit(channel)
	switch verdict {
	case occlusion.TooFrequent:
		diagf("catch %s rejected: too frequent", channel)
		return result{reply: protocol.TooFrequent.Reply(), outcome: OutcomeTooFrequent}
	case occlusion.Busy:
		diagf("catch %s rejected: still processing", channel)
		return result{reply: protocol.StillProcessing.Reply(), outcome: OutcomeBusy}
	}
	defer release()

	gap := s.guard.Gap(req.Gap, req.HasGap, s.guard.Observe(channel))
	if s.sensor == nil || !s.sensor.Ready() {
		return result{reply: protocol.ComponentNotReady.Reply(), outcome: OutcomeNotReady, gap: gap}
	}
	if s.guard.Occluded(channel, gap) {
		diagf("catch %s occluded: gap=%v remaining=%d", channel, gap, s.guard.Snapshot()[channel].IgnoreRemaining)
		return result{reply: protocol.Occluded, outcome: OutcomeOccluded, gap: gap}
	}
	res := s.detect(ctx, channel)
	res.gap = gap
	return res
}

func (s *Service) detect(ctx context.Context, channel string) (res result) {
	defer func() {
		if r := recover(); r != nil {
			opsf("catch %s: detection fault: %v", channel, r)
			res = result{reply: protocol.DetectionFailed.Reply(), outcome: OutcomeDetectionFailed}
		}
	}()

	capture, err := s.sensor.Capture(ctx)
	if errors.Is(err, vision.ErrNotReady) {
		return result{reply: protocol.ComponentNotReady.Reply(), outcome: OutcomeNotReady}
	}
	if err != nil {
		opsf("catch %s: %v", channel, err)
		return result{reply: protocol.DetectionFailed.Reply(), outcome: OutcomeDetectionFailed}
	}

	r := s.analyzer.Analyze(capture, s.clock.Now())
	if r.Best == nil {
		return result{reply: protocol.NoTarget, outcome: OutcomeNoTarget}
	}
	loc, err := s.analyzer.Locate(r.Frame, r.Best)
	if err != nil {
		diagf("catch %s: %v", channel, err)
		return result{reply: protocol.NoTarget, outcome: OutcomeNoTarget, zoneID: r.Best.Zone.ID}
	}
	a, b := s.analyzer.Slots(r)
	return result{
		reply:   protocol.Coordinates(a, b, loc.Robot),
		outcome: OutcomeTarget,
		loc:     &loc,
		zoneID:  r.Best.Zone.ID,
	}
}

func (s *Service) record(ctx context.Context, channel string, start time.Time, res result) {
	if s.journal == nil {
		return
	}
	c := db.Catch{
		ID:      uuid.NewString(),
		Channel: channel,
		Reply:   res.reply,
		Outcome: res.outcome,
		ZoneID:  res.zoneID,
		Latency: float64(s.clock.Since(start)) / float64(time.Millisecond),
		At:      start,
	}
	if res.loc != nil {
		c.X, c.Y, c.Z = res.loc.Robot.X, res.loc.Robot.Y, res.loc.Robot.Z
		c.Calibrated = res.loc.Calibrated
	}
	if err := s.journal.RecordCatch(ctx, c); err != nil {
		opsf("catch %s: journal: %v", channel, err)
	}
}

func (s *Service) count(outcome string) {
	s.mu.Lock()
	s.stats[outcome]++
	s.mu.Unlock()
}

// Stats returns the number of replies per outcome.
func (s *Service) Stats() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

// Guard exposes the per-channel state for status reporting.
func (s *Service) Guard() *occlusion.Guard { return s.guard }
