package simulation

import (
	"errors"
	"sync"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/kepler"
	"github.com/orbitengine/backend/internal/physics"
)

// MissionStatus is a mission's position in its lifecycle.
type MissionStatus string

const (
	MissionPending   MissionStatus = "pending"
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
	// MissionFailed marks an active mission whose transfer conic could
	// not be re-propagated from its departure state vector; the engine
	// sets it through Roster.MarkFailed and it is never cleared.
	MissionFailed MissionStatus = "failed"
)

// ErrMissionNotFound is returned when a mission id has no roster entry.
var ErrMissionNotFound = errors.New("orbitengine: mission not found")

// Mission is one launched or scheduled interplanetary transfer, tracked
// against the simulation clock so its Progress and Status are always
// derived, never stepped.
type Mission struct {
	ID            string
	Name          string
	DepartureBody bodies.ID
	ArrivalBody   bodies.ID
	DepartureTime time.Time
	ArrivalTime   time.Time
	Status        MissionStatus
	DeltaV        float64          // m/s, computed once at launch by the planner
	Trajectory    []physics.Vector // sampled heliocentric positions, meters, for display
	DepartureR    physics.Vector   // heliocentric position at DepartureTime, meters
	DepartureV    physics.Vector   // heliocentric velocity on the transfer conic at DepartureTime, m/s
}

// stateVectorEpsilon bounds how small a DepartureV norm can be before
// it is treated as "not actually known" rather than as a legitimate
// (if slow) departure velocity.
const stateVectorEpsilon = 1e-6

// PositionAt returns the mission's heliocentric position at simTime. ok
// is false before departure or at or after arrival.
//
// When DepartureV was recorded at launch (the server computed the
// Lambert solve itself), the position is derived by re-propagating the
// transfer conic from (DepartureR, DepartureV) with
// kepler.PropagateStateVector, so it advances continuously with simTime
// rather than jumping between a fixed number of precomputed points. A
// mission launched from a client-trusted, previously computed transfer
// carries no departure velocity, since the wire contract for that path
// never transmits one; for those missions PositionAt falls back to the
// Trajectory sample at or just before the current progress, without
// interpolating between samples. A propagation error
// on a mission that does have a state vector is a genuine trajectory
// failure, reported to the caller as ok=false so it can mark the
// mission failed instead of silently falling back.
func (m Mission) PositionAt(simTime time.Time) (r physics.Vector, ok bool) {
	if simTime.Before(m.DepartureTime) || !simTime.Before(m.ArrivalTime) {
		return physics.Vector{}, false
	}
	if m.DepartureV.Norm() > stateVectorEpsilon {
		dt := simTime.Sub(m.DepartureTime).Seconds()
		pos, _, err := kepler.PropagateStateVector(m.DepartureR, m.DepartureV, dt)
		if err != nil {
			return physics.Vector{}, false
		}
		return pos, true
	}

	if len(m.Trajectory) == 0 {
		return physics.Vector{}, false
	}
	idx := int(m.Progress(simTime) * float64(len(m.Trajectory)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.Trajectory) {
		idx = len(m.Trajectory) - 1
	}
	return m.Trajectory[idx], true
}

// Progress returns how far along the transfer the mission is at
// simTime, in [0, 1], clamped outside the departure/arrival window.
func (m Mission) Progress(simTime time.Time) float64 {
	total := m.ArrivalTime.Sub(m.DepartureTime)
	if total <= 0 {
		return 0
	}
	elapsed := simTime.Sub(m.DepartureTime)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= total {
		return 1
	}
	return float64(elapsed) / float64(total)
}

// statusAt derives the mission's status from simTime alone, so the
// roster never needs to be walked on a timer to age missions.
func (m Mission) statusAt(simTime time.Time) MissionStatus {
	if m.Status == MissionFailed {
		return MissionFailed
	}
	switch {
	case simTime.Before(m.DepartureTime):
		return MissionPending
	case simTime.Before(m.ArrivalTime):
		return MissionActive
	default:
		return MissionCompleted
	}
}

// Roster is the set of missions the engine is tracking. The tick
// goroutine is its only writer, but Engine.Mission/Engine.Missions
// expose it to goroutines outside the tick loop, so access is guarded by a
// mutex rather than relying on single-goroutine ownership alone.
type Roster struct {
	mu       sync.RWMutex
	missions map[string]Mission
	order    []string
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{missions: make(map[string]Mission)}
}

// Add inserts a new mission, pending until its departure time.
func (r *Roster) Add(m Mission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Status = MissionPending
	if _, exists := r.missions[m.ID]; !exists {
		r.order = append(r.order, m.ID)
	}
	r.missions[m.ID] = m
}

// Get returns the mission by id.
func (r *Roster) Get(id string) (Mission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.missions[id]
	if !ok {
		return Mission{}, ErrMissionNotFound
	}
	return m, nil
}

// MarkFailed transitions a mission to failed regardless of simTime.
func (r *Roster) MarkFailed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	m.Status = MissionFailed
	r.missions[id] = m
	return nil
}

// RefreshStatuses recomputes every mission's status against simTime.
// Called once per tick by the engine.
func (r *Roster) RefreshStatuses(simTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.missions {
		m.Status = m.statusAt(simTime)
		r.missions[id] = m
	}
}

// All returns a snapshot of every mission in insertion order.
func (r *Roster) All() []Mission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mission, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.missions[id])
	}
	return out
}

// CountByStatus returns the number of missions currently in status.
func (r *Roster) CountByStatus(status MissionStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.missions {
		if m.Status == status {
			n++
		}
	}
	return n
}
