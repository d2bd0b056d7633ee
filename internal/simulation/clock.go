package simulation

import (
	"sync"
	"time"
)

// Clock is the read-only view of simulation time exposed to
// propagators and planners. Callers depend on this interface rather
// than the concrete SimulationClock so they stay testable against a
// fake.
type Clock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// SecondsSinceEpoch returns the current simulation time as seconds
	// elapsed since epoch, the unit kepler.Propagate consumes.
	SecondsSinceEpoch(epoch time.Time) float64
}

// SimulationClock drives simulation time forward at a configurable
// multiple of wall-clock time. A single goroutine (the engine's tick
// loop) is the only writer; Now is safe to call concurrently from
// any number of readers.
type SimulationClock struct {
	mu sync.RWMutex

	simTime   time.Time
	timeScale float64
	isPlaying bool
	tickCount uint64
}

// MinTimeScale and MaxTimeScale bound SetTimeScale's accepted range.
const (
	MinTimeScale = 0.1
	MaxTimeScale = 1_000_000
)

// NewSimulationClock constructs a clock starting at start, initially
// paused, at 1x time scale.
func NewSimulationClock(start time.Time) *SimulationClock {
	return &SimulationClock{
		simTime:   start,
		timeScale: 1,
		isPlaying: false,
	}
}

// Now returns the current simulation time. Implements Clock.
func (c *SimulationClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.simTime
}

// SecondsSinceEpoch implements Clock.
func (c *SimulationClock) SecondsSinceEpoch(epoch time.Time) float64 {
	return c.Now().Sub(epoch).Seconds()
}

// TimeScale returns the current playback speed multiplier.
func (c *SimulationClock) TimeScale() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeScale
}

// IsPlaying reports whether the clock is currently advancing.
func (c *SimulationClock) IsPlaying() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isPlaying
}

// TickCount returns the number of ticks advanced so far.
func (c *SimulationClock) TickCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickCount
}

// Play resumes advancing simulation time.
func (c *SimulationClock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isPlaying = true
}

// Pause halts advancing simulation time; until Play is called again,
// Advance only increments the tick counter.
func (c *SimulationClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isPlaying = false
}

// SetTimeScale sets the playback speed multiplier, clamped to
// [MinTimeScale, MaxTimeScale].
func (c *SimulationClock) SetTimeScale(scale float64) {
	if scale < MinTimeScale {
		scale = MinTimeScale
	}
	if scale > MaxTimeScale {
		scale = MaxTimeScale
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeScale = scale
}

// SetTime jumps simulation time directly, independent of play state.
func (c *SimulationClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simTime = t
}

// Advance increments the tick counter on every call and, only while
// playing, moves simulation time forward by wallDelta scaled by the
// current time scale. It returns the resulting simulation time. Progress in this
// engine is always derived by re-reading Now() against a stored
// reference time, never by summing Advance's return values, so a
// missed or delayed tick never accumulates drift.
func (c *SimulationClock) Advance(wallDelta time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickCount++
	if !c.isPlaying {
		return c.simTime
	}
	scaled := time.Duration(float64(wallDelta) * c.timeScale)
	c.simTime = c.simTime.Add(scaled)
	return c.simTime
}
