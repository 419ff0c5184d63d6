// Package conveyor runs the autonomous pick loop. Every tick it captures a
// frame, stops the belt under any occupied zone, waits for a freshly stopped
// part to settle, and pushes the best target to the robot. After a push the
// zone stays locked, and its belt stopped, until the robot reports the pick
// complete.
package conveyor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/visionpick/internal/db"
	"github.com/banshee-data/visionpick/internal/gpio"
	"github.com/banshee-data/visionpick/internal/picklock"
	"github.com/banshee-data/visionpick/internal/protocol"
	"github.com/banshee-data/visionpick/internal/scene"
	"github.com/banshee-data/visionpick/internal/timeutil"
	"github.com/banshee-data/visionpick/internal/vision"
)

var (
	ErrAlreadyRunning   = errors.New("conveyor loop already running")
	ErrCameraNotReady   = errors.New("camera not ready")
	ErrDetectorNotReady = errors.New("detector not ready")
	ErrJoinTimeout      = errors.New("conveyor loop did not stop in time")
)

// Belt transition reasons written to the journal.
const (
	ReasonOccupied = "occupied"
	ReasonPicking  = "picking"
	ReasonClear    = "clear"
	ReasonStop     = "stop"
)

// Sensor is the serialised camera+detector unit with separate readiness.
type Sensor interface {
	CameraReady() bool
	DetectorReady() bool
	Capture(ctx context.Context) (*vision.Capture, error)
}

// Pusher delivers coordinates to connected robot clients.
type Pusher interface {
	Push(clientID, line string) error
	// Broadcast returns the number of clients written to.
	Broadcast(line string) int
}

// Journal persists picks and belt transitions.
type Journal interface {
	RecordPick(ctx context.Context, p db.Pick) error
	CompletePick(ctx context.Context, id string, at time.Time) error
	DiscardPick(ctx context.Context, id string) error
	RecordBeltTransition(ctx context.Context, b db.BeltTransition) error
}

// Config holds the loop timing.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration
	// StabilityWait withholds pushes after a belt stops.
	StabilityWait time.Duration
	// FailureBackoff skips ticks after a failed capture.
	FailureBackoff time.Duration
	// JoinTimeout bounds how long Stop waits for the loop to exit.
	JoinTimeout time.Duration
	// QuietTicks rate-limits the per-tick trace of idle ticks.
	QuietTicks int
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Millisecond,
		StabilityWait:  150 * time.Millisecond,
		FailureBackoff: 200 * time.Millisecond,
		JoinTimeout:    2 * time.Second,
		QuietTicks:     10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.QuietTicks <= 0 {
		c.QuietTicks = d.QuietTicks
	}
	return c
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	Running     bool           `json:"running"`
	Client      string         `json:"client,omitempty"`
	Ticks       uint64         `json:"ticks"`
	FailedTicks uint64         `json:"failed_ticks"`
	Pushes      uint64         `json:"pushes"`
	Completions uint64         `json:"completions"`
	LastTick    time.Duration  `json:"last_tick_ns"`
	LastTickAt  time.Time      `json:"last_tick_at,omitzero"`
	Settling    bool           `json:"settling"`
	Lock        picklock.State `json:"lock"`
	LockAge     time.Duration  `json:"lock_age_ns"`
	OpenPick    string         `json:"open_pick,omitempty"`
}

// Loop is the conveyor control loop. Start, Stop and Complete may be called
// from any goroutine.
type Loop struct {
	sensor   Sensor
	analyzer *scene.Analyzer
	gpio     gpio.Driver
	bind     gpio.Bindings
	lock     *picklock.Lock
	pusher   Pusher
	journal  Journal
	clock    timeutil.Clock
	cfg      Config

	// lifecycle
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	client   string
	openPick string

	// tick state, guarded by tickMu
	tickMu       sync.Mutex
	settling     bool
	settledAt    time.Time
	backoffUntil time.Time

	statsMu sync.Mutex
	stats   Stats
}

// New creates a stopped Loop. journal may be nil.
func New(sensor Sensor, analyzer *scene.Analyzer, driver gpio.Driver, bind gpio.Bindings,
	lock *picklock.Lock, pusher Pusher, journal Journal, clock timeutil.Clock, cfg Config) *Loop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Loop{
		sensor:   sensor,
		analyzer: analyzer,
		gpio:     driver,
		bind:     bind,
		lock:     lock,
		pusher:   pusher,
		journal:  journal,
		clock:    clock,
		cfg:      cfg.withDefaults(),
	}
}

// Start binds clientID as the push target (empty means broadcast), clears
// the pick lock and starts the loop.
func (l *Loop) Start(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyRunning
	}
	if !l.sensor.CameraReady() {
		return ErrCameraNotReady
	}
	if !l.sensor.DetectorReady() {
		return ErrDetectorNotReady
	}

	l.lock.Release()
	l.client = clientID
	l.openPick = ""

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	diagf("started, push target %q", clientOrBroadcast(clientID))
	return nil
}

// Stop cancels the loop, waits up to the join timeout for it to exit, clears
// the pick lock and drives every bound line low. Stopping a stopped loop only
// does the latter two.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.client = ""
	l.openPick = ""
	l.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(l.cfg.JoinTimeout):
			opsf("loop did not exit within %v", l.cfg.JoinTimeout)
			errs = append(errs, ErrJoinTimeout)
		}
	}

	l.lock.Release()
	if err := gpio.AllLow(l.gpio, l.bind); err != nil {
		opsf("stop: %v", err)
		errs = append(errs, fmt.Errorf("stop belts: %w", err))
	}
	if cancel != nil {
		now := l.clock.Now()
		for _, line := range l.bind.Lines() {
			l.recordBelt(ctx, l.bind.Zones(line)[0], line, gpio.Low, ReasonStop, now)
		}
		diagf("stopped")
	}
	return errors.Join(errs...)
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Complete clears the pick lock and closes the open pick in the journal. It
// reports the released state and whether a pick was in progress.
func (l *Loop) Complete(ctx context.Context) (picklock.State, bool) {
	prev, held := l.lock.Release()
	l.mu.Lock()
	pickID := l.openPick
	l.openPick = ""
	l.mu.Unlock()

	if !held {
		diagf("complete with no pick in progress")
		return prev, false
	}
	now := l.clock.Now()
	diagf("pick in %s complete after %v", prev.ZoneID, now.Sub(prev.LockedAt))
	l.statsMu.Lock()
	l.stats.Completions++
	l.statsMu.Unlock()
	if l.journal != nil && pickID != "" {
		if err := l.journal.CompletePick(ctx, pickID, now); err != nil {
			opsf("journal complete %s: %v", pickID, err)
		}
	}
	return prev, true
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	s := l.stats
	l.statsMu.Unlock()

	l.mu.Lock()
	s.Running = l.cancel != nil
	s.Client = l.client
	s.OpenPick = l.openPick
	l.mu.Unlock()

	l.tickMu.Lock()
	s.Settling = l.settling
	l.tickMu.Unlock()

	s.Lock = l.lock.Snapshot()
	s.LockAge = l.lock.Age()
	return s
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	l.tickMu.Lock()
	l.settling = false
	l.backoffUntil = time.Time{}
	l.tickMu.Unlock()

	tk := l.clock.NewTicker(l.cfg.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C():
			if ctx.Err() != nil {
				return
			}
			l.Tick(ctx)
		}
	}
}

// Tick runs one iteration of the loop. A fault inside the tick is logged and
// counted; it never escapes.
func (l *Loop) Tick(ctx context.Context) {
	start := l.clock.Now()
	l.tickMu.Lock()
	ok := l.safeTick(ctx, start)
	l.tickMu.Unlock()

	l.statsMu.Lock()
	l.stats.Ticks++
	if !ok {
		l.stats.FailedTicks++
	}
	l.stats.LastTick = l.clock.Since(start)
	l.stats.LastTickAt = start
	l.statsMu.Unlock()
}

func (l *Loop) safeTick(ctx context.Context, now time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			opsf("tick fault: %v", r)
			ok = false
		}
	}()
	return l.tick(ctx, now)
}

func (l *Loop) tick(ctx context.Context, now time.Time) bool {
	if l.settling && !now.Before(l.settledAt) {
		l.settling = false
		diagf("settled")
	}
	if now.Before(l.backoffUntil) {
		return true
	}

	capture, err := l.sensor.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		opsf("capture: %v", err)
		l.backoffUntil = now.Add(l.cfg.FailureBackoff)
		return false
	}
	// Stop may have given up waiting and driven the lines low already.
	if ctx.Err() != nil {
		diagf("capture returned after stop, dropping frame")
		return true
	}

	r := l.analyzer.Analyze(capture, now)
	lock := l.lock.Snapshot()
	l.actuate(ctx, r, lock, now)
	l.maybePush(ctx, r, lock, now)
	return true
}

// actuate drives each bound line: low when any zone on it is occupied or
// holds the pick lock, high otherwise.
func (l *Loop) actuate(ctx context.Context, r *scene.Result, lock picklock.State, now time.Time) {
	for _, line := range l.bind.Lines() {
		zones := l.bind.Zones(line)
		want, reason := gpio.High, ReasonClear
		for _, id := range zones {
			if lock.Picking && lock.ZoneID == id {
				want, reason = gpio.Low, ReasonPicking
				break
			}
			if r.Count(id) > 0 {
				want, reason = gpio.Low, ReasonOccupied
			}
		}

		zone := zones[0]
		cur, err := l.gpio.Get(zone)
		if err != nil {
			opsf("gpio get line %d: %v", line, err)
			continue
		}
		if cur == want {
			continue
		}
		if err := l.gpio.Set(zone, want); err != nil {
			opsf("gpio set line %d %s: %v", line, want, err)
			continue
		}
		l.recordBelt(ctx, zone, line, want, reason, now)
		if cur == gpio.High && want == gpio.Low {
			l.settling = true
			l.settledAt = now.Add(l.cfg.StabilityWait)
			diagf("line %d stopped (%s), settling for %v", line, reason, l.cfg.StabilityWait)
		}
	}
}

func (l *Loop) maybePush(ctx context.Context, r *scene.Result, lock picklock.State, now time.Time) {
	quiet := l.quietTick()
	switch {
	case r.Best == nil:
		if quiet {
			tracef("no target (%d detections, picking=%t)", len(r.Detections), lock.Picking)
		}
		return
	case l.settling:
		if quiet {
			tracef("target in %s withheld: settling", r.Best.Zone.ID)
		}
		return
	case lock.Picking:
		if quiet {
			tracef("target in %s withheld: picking %s", r.Best.Zone.ID, lock.ZoneID)
		}
		return
	}

	loc, err := l.analyzer.Locate(r.Frame, r.Best)
	if err != nil {
		diagf("%v", err)
		return
	}
	zoneID := r.Best.Zone.ID
	if !l.lock.TryAcquire(zoneID) {
		return
	}

	a, b := l.analyzer.Slots(r)
	msg := protocol.Coordinates(a, b, loc.Robot)
	client := l.boundClient()
	pick := db.Pick{
		ID:         uuid.NewString(),
		ZoneID:     zoneID,
		ClientID:   client,
		X:          loc.Robot.X,
		Y:          loc.Robot.Y,
		Z:          loc.Robot.Z,
		Calibrated: loc.Calibrated,
		SentAt:     now,
	}
	// The pick is open before the robot can see it, so a completion racing
	// the push always finds it.
	l.mu.Lock()
	l.openPick = pick.ID
	l.mu.Unlock()
	if l.journal != nil {
		if err := l.journal.RecordPick(ctx, pick); err != nil {
			opsf("journal pick %s: %v", pick.ID, err)
		}
	}

	if err := l.push(client, msg); err != nil {
		opsf("push %s: %v", msg, err)
		l.abandon(ctx, pick)
		return
	}
	l.statsMu.Lock()
	l.stats.Pushes++
	l.statsMu.Unlock()
	diagf("pushed %s to %s, %s locked", msg, clientOrBroadcast(client), zoneID)
}

// abandon rolls back a pick whose push failed, unless a completion already
// closed it.
func (l *Loop) abandon(ctx context.Context, pick db.Pick) {
	l.mu.Lock()
	open := l.openPick == pick.ID
	if open {
		l.openPick = ""
	}
	l.mu.Unlock()
	if !open {
		return
	}
	if l.lock.Holds(pick.ZoneID) {
		l.lock.Release()
	}
	if l.journal != nil {
		if err := l.journal.DiscardPick(ctx, pick.ID); err != nil {
			opsf("journal discard %s: %v", pick.ID, err)
		}
	}
}

var errNoClients = errors.New("no connected clients")

func (l *Loop) boundClient() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

// push sends msg to client, or to every client when client is empty.
func (l *Loop) push(client, msg string) error {
	if l.pusher == nil {
		return errNoClients
	}
	if client != "" {
		return l.pusher.Push(client, msg)
	}
	if l.pusher.Broadcast(msg) == 0 {
		return errNoClients
	}
	return nil
}

func (l *Loop) quietTick() bool {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats.Ticks%uint64(l.cfg.QuietTicks) == 0
}

func (l *Loop) recordBelt(ctx context.Context, zone string, line int, level gpio.Level, reason string, now time.Time) {
	if l.journal == nil {
		return
	}
	err := l.journal.RecordBeltTransition(ctx, db.BeltTransition{
		ZoneID: zone,
		Line:   line,
		Level:  level.String(),
		Reason: reason,
		At:     now,
	})
	if err != nil {
		opsf("journal belt line %d: %v", line, err)
	}
}

func clientOrBroadcast(id string) string {
	if id == "" {
		return "broadcast"
	}
	return id
}
