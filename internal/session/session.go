// Package session implements the observer-facing surface: a streaming
// WebSocket channel that fans out simulation snapshots and accepts
// control commands, plus a one-shot HTTP request/response surface for
// planner queries, body info, and mission launch.
package session

import (
	"sync"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/simulation"
)

// DefaultEgressCapacity is the bounded per-session snapshot queue size.
const DefaultEgressCapacity = 4

// CommandKind identifies the shape of an inbound Command.
type CommandKind string

const (
	CommandControl     CommandKind = "control"
	CommandFocus       CommandKind = "focus"
	CommandSubscribe   CommandKind = "subscribe"
	CommandUnsubscribe CommandKind = "unsubscribe"
)

// ControlAction is the action carried by a "control" Command.
type ControlAction string

const (
	ActionPlay      ControlAction = "play"
	ActionPause     ControlAction = "pause"
	ActionSetSpeed  ControlAction = "set_speed"
)

// Command is one inbound observer message. Control commands are queued
// for the engine and applied at the start of the next tick; subscribe,
// unsubscribe and focus take effect on the session immediately.
type Command struct {
	Kind   CommandKind   `json:"kind"`
	Action ControlAction `json:"action,omitempty"`
	Speed  float64       `json:"speed,omitempty"`
	Body   bodies.ID     `json:"body,omitempty"`
}

// Session is one observer connection: its subscription flag, most
// recent focus request, and a bounded egress queue. It implements
// simulation.Subscriber with drop-oldest backpressure, so the tick loop
// never waits on it.
type Session struct {
	id string

	mu          sync.Mutex
	subscribed  bool
	focus       bodies.ID
	egress      chan simulation.Snapshot
	dropped     uint64
	onDrop      func()
}

// NewSession constructs a Session with a bounded egress queue of the
// given capacity (DefaultEgressCapacity if <= 0). onDrop, if non-nil, is
// invoked (outside any lock) whenever a snapshot is dropped, for metric
// bookkeeping.
func NewSession(id string, capacity int, onDrop func()) *Session {
	if capacity <= 0 {
		capacity = DefaultEgressCapacity
	}
	return &Session{
		id:         id,
		subscribed: true,
		egress:     make(chan simulation.Snapshot, capacity),
		onDrop:     onDrop,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Egress is the channel a per-session send loop should drain.
func (s *Session) Egress() <-chan simulation.Snapshot { return s.egress }

// Subscribe marks the session as wanting snapshot delivery.
func (s *Session) Subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = true
}

// Unsubscribe stops snapshot delivery without closing the session.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = false
}

// SetFocus records the observer's most recently requested focus body.
func (s *Session) SetFocus(id bodies.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus = id
}

// Focus returns the observer's most recently requested focus body.
func (s *Session) Focus() bodies.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// Dropped returns the count of snapshots dropped due to backpressure.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Publish implements simulation.Subscriber. When the egress queue is
// full, the oldest pending snapshot is dropped to make room for the
// newest one, so observers always see current state rather than a
// growing backlog; the tick task never blocks here.
func (s *Session) Publish(snap simulation.Snapshot) {
	s.mu.Lock()
	subscribed := s.subscribed
	s.mu.Unlock()
	if !subscribed {
		return
	}

	select {
	case s.egress <- snap:
		return
	default:
	}

	select {
	case <-s.egress:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		if s.onDrop != nil {
			s.onDrop()
		}
	default:
	}

	select {
	case s.egress <- snap:
	default:
		// Another publish raced us for the freed slot; count this one
		// as dropped too rather than blocking.
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// snapshotWireBody is the wire representation of one body within a
// StateSnapshot, matching the external interface contract.
type snapshotWireBody struct {
	Name              string     `json:"name"`
	PositionAU        [3]float64 `json:"position_au"`
	VelocityMS        [3]float64 `json:"velocity_ms"`
	MassKg            float64    `json:"mass_kg"`
	RadiusM           float64    `json:"radius_m"`
	SemiMajorAxisM    *float64   `json:"semi_major_axis_m,omitempty"`
	Eccentricity      *float64   `json:"eccentricity,omitempty"`
	OrbitalPeriodDays *float64   `json:"orbital_period_days,omitempty"`
}

type wireTrajectoryPoint struct {
	T          float64    `json:"t"`
	PositionAU [3]float64 `json:"position_au"`
}

type wireMission struct {
	ID                 string                `json:"id"`
	Departure          string                `json:"departure"`
	Arrival            string                `json:"arrival"`
	Status             string                `json:"status"`
	Progress           float64               `json:"progress"`
	DeltaV             float64               `json:"delta_v"`
	CurrentPositionAU  *[3]float64           `json:"current_position_au,omitempty"`
	Trajectory         []wireTrajectoryPoint `json:"trajectory,omitempty"`
}

// StateSnapshot is the wire shape pushed to observers at f_tick.
type StateSnapshot struct {
	SimTime   float64                      `json:"sim_time"`
	RealTime  string                       `json:"real_time"`
	TimeScale float64                      `json:"time_scale"`
	IsPlaying bool                         `json:"is_playing"`
	Bodies    map[string]snapshotWireBody  `json:"bodies"`
	Missions  []wireMission                `json:"missions"`
}

// EncodeSnapshot converts an engine Snapshot into its wire shape.
func EncodeSnapshot(snap simulation.Snapshot, epoch time.Time) StateSnapshot {
	bodyMap := make(map[string]snapshotWireBody, len(snap.Bodies))
	for _, bs := range snap.Bodies {
		b, err := bodies.Get(bs.ID)
		if err != nil {
			continue
		}
		wire := snapshotWireBody{
			Name:       b.Name,
			PositionAU: bs.Position.ToAU().Array(),
			VelocityMS: bs.Velocity.Array(),
			MassKg:     b.Mu / 6.674e-11, // mass derived from GM, consistent with Mu as the source of truth
			RadiusM:    b.RadiusM,
		}
		if !b.IsSun() {
			sma := b.Elements.SemiMajorAxis
			ecc := b.Elements.Eccentricity
			periodDays := b.Period().Hours() / 24
			wire.SemiMajorAxisM = &sma
			wire.Eccentricity = &ecc
			wire.OrbitalPeriodDays = &periodDays
		}
		bodyMap[string(bs.ID)] = wire
	}

	missions := make([]wireMission, 0, len(snap.Missions))
	for _, m := range snap.Missions {
		wire := wireMission{
			ID:        m.ID,
			Departure: string(m.DepartureBody),
			Arrival:   string(m.ArrivalBody),
			Status:    string(m.Status),
			Progress:  m.CurrentProgress,
			DeltaV:    m.DeltaV / 1e3, // m/s internally, km/s on the wire
		}
		if m.HasCurrentPosition {
			pos := m.CurrentPosition.ToAU().Array()
			wire.CurrentPositionAU = &pos
		}
		missions = append(missions, wire)
	}

	return StateSnapshot{
		SimTime:   snap.SimTime.Sub(epoch).Seconds(),
		RealTime:  time.Now().UTC().Format(time.RFC3339),
		TimeScale: snap.TimeScale,
		IsPlaying: snap.IsPlaying,
		Bodies:    bodyMap,
		Missions:  missions,
	}
}
