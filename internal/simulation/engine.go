// Package simulation drives the real-time tick loop that advances
// simulation time, propagates every celestial body, and ages the
// mission roster. It is the single writer of SimulationClock and the
// Roster; every other package only reads snapshots it publishes.
package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/kepler"
	"github.com/orbitengine/backend/internal/logging"
	"github.com/orbitengine/backend/internal/orbiterr"
	"github.com/orbitengine/backend/internal/physics"
)

// DefaultTickHz is the update rate used when no override is given,
// matching the original engine's 20 FPS update loop.
const DefaultTickHz = 20

// BodyState is one body's derived position at the tick that produced a
// Snapshot.
type BodyState struct {
	ID       bodies.ID
	Position physics.Vector
	Velocity physics.Vector
}

// MissionState is one mission's derived state at the tick that produced
// a Snapshot.
type MissionState struct {
	Mission
	CurrentProgress    float64
	CurrentPosition    physics.Vector
	HasCurrentPosition bool
}

// Snapshot is a complete, self-contained view of the simulation at one
// tick, safe to hand to any number of readers without further locking.
type Snapshot struct {
	SimTime   time.Time
	TimeScale float64
	IsPlaying bool
	TickCount uint64
	Bodies    []BodyState
	Missions  []MissionState
}

// Engine owns the SimulationClock and Roster and is the only writer of
// either. Construct with NewEngine and drive it with Run.
type Engine struct {
	clock  *SimulationClock
	roster *Roster
	bodies []bodies.Body
	tickHz int
	log    logging.Logger

	subscribers []Subscriber
	commands    chan func(*Engine)
	metrics     MetricsSink
}

// DefaultCommandQueueCapacity bounds the number of observer commands
// (play/pause/set_speed/launch) awaiting application at the next tick.
const DefaultCommandQueueCapacity = 64

// Subscriber receives a Snapshot after every tick. Publish must not
// block: the tick task calls it synchronously and never awaits an
// observer, so implementations own their own bounded, drop-oldest
// queueing (see session.Session.Publish) rather than relying on the
// engine to buffer on their behalf.
type Subscriber interface {
	Publish(Snapshot)
}

// MetricsSink receives per-tick instrumentation. An Engine works
// without one; WithMetrics wires a concrete sink such as
// observability.Collector, which implements this interface
// structurally without either package importing the other.
type MetricsSink interface {
	ObserveTickDuration(time.Duration)
	SetActiveMissions(int)
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithTickRate overrides DefaultTickHz.
func WithTickRate(hz int) Option {
	return func(e *Engine) {
		if hz > 0 {
			e.tickHz = hz
		}
	}
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics attaches a MetricsSink; nil (the default) disables
// per-tick instrumentation entirely.
func WithMetrics(m MetricsSink) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs an Engine at the given start time, initially
// paused at 1x speed with an empty mission roster.
func NewEngine(start time.Time, opts ...Option) *Engine {
	e := &Engine{
		clock:    NewSimulationClock(start),
		roster:   NewRoster(),
		bodies:   bodies.All(),
		tickHz:   DefaultTickHz,
		log:      logging.Noop(),
		commands: make(chan func(*Engine), DefaultCommandQueueCapacity),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clock returns the engine's clock for read-only use by other
// components (e.g. the planner, when it needs "now").
func (e *Engine) Clock() *SimulationClock { return e.clock }

// Subscribe registers sub to receive a Snapshot after every tick.
func (e *Engine) Subscribe(sub Subscriber) {
	e.subscribers = append(e.subscribers, sub)
}

// Unsubscribe removes sub so it stops receiving snapshots.
func (e *Engine) Unsubscribe(sub Subscriber) {
	for i, s := range e.subscribers {
		if s == sub {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// EnqueueCommand submits fn to run on the tick goroutine at the start of
// the next tick, giving observer-issued commands (play/pause/set_speed,
// mission launch) the same single-writer safety as the rest of the
// engine's state without making the caller hold a lock. It returns
// ErrQueueOverflow if the queue is full rather than blocking the
// caller's goroutine.
func (e *Engine) EnqueueCommand(fn func(*Engine)) error {
	select {
	case e.commands <- fn:
		return nil
	default:
		return orbiterr.ErrQueueOverflow
	}
}

// Play resumes the simulation clock.
func (e *Engine) Play() { e.clock.Play() }

// Pause halts the simulation clock.
func (e *Engine) Pause() { e.clock.Pause() }

// SetTimeScale sets the playback multiplier, clamped to
// [MinTimeScale, MaxTimeScale]. A non-positive scale is rejected.
func (e *Engine) SetTimeScale(scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("simulation: time scale %v: %w", scale, orbiterr.ErrInvalidSpeed)
	}
	e.clock.SetTimeScale(scale)
	return nil
}

// LaunchMission adds m to the roster. The trajectory itself is computed
// by the planner package before calling LaunchMission; the engine only
// tracks lifecycle and progress from here on.
func (e *Engine) LaunchMission(m Mission) {
	e.roster.Add(m)
}

// Mission returns a mission's current state by id.
func (e *Engine) Mission(id string) (Mission, error) {
	return e.roster.Get(id)
}

// Missions returns every mission currently on the roster.
func (e *Engine) Missions() []Mission {
	return e.roster.All()
}

// Run drives the tick loop until ctx is cancelled. Each tick measures
// actual wall-clock elapsed time and advances the simulation clock by
// that duration scaled by the current time scale; ticks are never
// assumed to land exactly at the requested interval, so the engine
// never drifts even under scheduler pressure.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Second / time.Duration(e.tickHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			e.log.Info(ctx, "simulation engine stopping")
			return
		case now := <-ticker.C:
			wallDelta := now.Sub(last)
			last = now
			e.tick(ctx, wallDelta)
		}
	}
}

func (e *Engine) tick(ctx context.Context, wallDelta time.Duration) {
	start := time.Now()
	e.drainCommands()

	simTime := e.clock.Advance(wallDelta)
	e.roster.RefreshStatuses(simTime)

	snapshot := e.buildSnapshot(simTime)
	for _, sub := range e.subscribers {
		sub.Publish(snapshot)
	}

	if e.metrics != nil {
		e.metrics.ObserveTickDuration(time.Since(start))
		e.metrics.SetActiveMissions(e.roster.CountByStatus(MissionActive))
	}
}

// drainCommands applies every command queued since the previous tick, in
// arrival order, before the clock advances or a snapshot is built.
func (e *Engine) drainCommands() {
	for {
		select {
		case fn := <-e.commands:
			fn(e)
		default:
			return
		}
	}
}

func (e *Engine) buildSnapshot(simTime time.Time) Snapshot {
	t := kepler.SecondsSinceEpoch(simTime)

	bodyStates := make([]BodyState, 0, len(e.bodies))
	for _, b := range e.bodies {
		r, v, err := kepler.Propagate(b, t)
		if err != nil {
			// A convergence failure here means the body table itself is
			// malformed; there is nothing a caller could do differently,
			// so it is logged and the body is omitted from this tick
			// rather than aborting the whole snapshot.
			e.log.Error(context.Background(), "propagation failed", logging.String("body", string(b.ID)), logging.String("error", err.Error()))
			continue
		}
		bodyStates = append(bodyStates, BodyState{ID: b.ID, Position: r, Velocity: v})
	}

	missions := e.roster.All()
	missionStates := make([]MissionState, 0, len(missions))
	for _, m := range missions {
		state := MissionState{
			Mission:         m,
			CurrentProgress: m.Progress(simTime),
		}
		if m.Status == MissionActive {
			if pos, ok := m.PositionAt(simTime); ok {
				state.CurrentPosition = pos
				state.HasCurrentPosition = true
			} else if err := e.roster.MarkFailed(m.ID); err != nil {
				e.log.Error(context.Background(), "mark failed mission not found", logging.String("mission_id", m.ID), logging.String("error", err.Error()))
			} else {
				e.log.Error(context.Background(), "mission trajectory diverged, marking failed", logging.String("mission_id", m.ID))
				state.Mission.Status = MissionFailed
			}
		}
		missionStates = append(missionStates, state)
	}

	return Snapshot{
		SimTime:   simTime,
		TimeScale: e.clock.TimeScale(),
		IsPlaying: e.clock.IsPlaying(),
		TickCount: e.clock.TickCount(),
		Bodies:    bodyStates,
		Missions:  missionStates,
	}
}
