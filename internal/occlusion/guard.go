// Package occlusion gates on-demand catch requests per channel: it rejects
// requests that arrive too soon or while one is still in flight, and it
// suppresses results for a few requests after a long gap, which indicates the
// robot arm was sweeping through the camera view.
package occlusion

import (
	"sync"
	"time"

	"github.com/banshee-data/visionpick/internal/timeutil"
)

// Verdict is the outcome of Admit.
type Verdict int

const (
	Accepted Verdict = iota
	TooFrequent
	Busy
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case TooFrequent:
		return "too_frequent"
	case Busy:
		return "busy"
	}
	return "unknown"
}

// Config sets the guard thresholds. A zero DebounceInterval disables
// debouncing; a zero IgnoreCount or TriggerGap disables occlusion
// suppression.
type Config struct {
	DebounceInterval time.Duration
	TriggerGap       time.Duration
	IgnoreCount      int
	// MeasureGap makes a request without a caller-supplied gap use the
	// time since the channel's previous accepted request. Off, such a
	// request counts as a zero gap and never arms suppression.
	MeasureGap bool
}

// State is a snapshot of one channel.
type State struct {
	LastAccepted    time.Time `json:"last_accepted"`
	LastSeen        time.Time `json:"last_seen"`
	InFlight        bool      `json:"in_flight"`
	IgnoreRemaining int       `json:"ignore_remaining"`
}

type channel struct {
	lastAccepted    time.Time
	lastSeen        time.Time
	inFlight        bool
	ignoreRemaining int
}

// Guard holds the state of every request channel.
type Guard struct {
	cfg   Config
	clock timeutil.Clock

	mu       sync.Mutex
	channels map[string]*channel
}

// New creates a Guard. A nil clock uses the real clock.
func New(cfg Config, clock timeutil.Clock) *Guard {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Guard{cfg: cfg, clock: clock, channels: make(map[string]*channel)}
}

func (g *Guard) get(id string) *channel {
	ch, ok := g.channels[id]
	if !ok {
		ch = &channel{}
		g.channels[id] = ch
	}
	return ch
}

// Observe records an accepted request on the channel and returns the time
// since the previous one. The first request on a channel reports 0. Call it
// only after Admit accepts, so rejected requests leave no trace.
func (g *Guard) Observe(id string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	ch := g.get(id)
	var gap time.Duration
	if !ch.lastSeen.IsZero() {
		gap = now.Sub(ch.lastSeen)
	}
	ch.lastSeen = now
	return gap
}

// Admit applies the debounce and in-flight checks. On Accepted the channel
// is marked in flight until the returned release func is called; rejects
// leave the channel untouched and return a no-op release.
func (g *Guard) Admit(id string) (release func(), v Verdict) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	ch := g.get(id)
	if g.cfg.DebounceInterval > 0 && !ch.lastAccepted.IsZero() && now.Sub(ch.lastAccepted) < g.cfg.DebounceInterval {
		return func() {}, TooFrequent
	}
	if ch.inFlight {
		return func() {}, Busy
	}
	ch.lastAccepted = now
	ch.inFlight = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			ch.inFlight = false
			g.mu.Unlock()
		})
	}, Accepted
}

// Gap picks the gap used for suppression: the caller's when it supplied
// one, the measured one when MeasureGap is set, and 0 otherwise.
func (g *Guard) Gap(supplied time.Duration, hasSupplied bool, measured time.Duration) time.Duration {
	switch {
	case hasSupplied:
		return supplied
	case g.cfg.MeasureGap:
		return measured
	}
	return 0
}

// Occluded reports whether this request's result must be suppressed. While
// suppressions remain it consumes one. Otherwise a gap above the trigger
// arms IgnoreCount further suppressions, counting this request as the
// first.
func (g *Guard) Occluded(id string, gap time.Duration) bool {
	if g.cfg.IgnoreCount <= 0 || g.cfg.TriggerGap <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ch := g.get(id)
	if ch.ignoreRemaining > 0 {
		ch.ignoreRemaining--
		return true
	}
	if gap > g.cfg.TriggerGap {
		ch.ignoreRemaining = g.cfg.IgnoreCount - 1
		return true
	}
	return false
}

// Snapshot returns the state of every known channel.
func (g *Guard) Snapshot() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]State, len(g.channels))
	for id, ch := range g.channels {
		out[id] = State{
			LastAccepted:    ch.lastAccepted,
			LastSeen:        ch.lastSeen,
			InFlight:        ch.inFlight,
			IgnoreRemaining: ch.ignoreRemaining,
		}
	}
	return out
}
