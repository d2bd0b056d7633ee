// Package orbiterr defines the error kinds shared by the propagator,
// solver, planner, engine, and session server, matching the taxonomy
// spec'd for the backend. Callers use errors.Is against these sentinels;
// HTTP/WS transport code in internal/session maps them onto a Kind
// string and status code.
package orbiterr

import "errors"

var (
	// ErrConvergenceFailure is returned when a bounded iteration (Kepler's
	// equation, the Lambert time equation) fails to reach tolerance.
	ErrConvergenceFailure = errors.New("orbitengine: convergence failure")

	// ErrInvalidTimeOfFlight is returned when a Lambert time of flight is <= 0.
	ErrInvalidTimeOfFlight = errors.New("orbitengine: invalid time of flight")

	// ErrDegenerateGeometry is returned for zero-length or collinear
	// position vectors that leave the Lambert geometry undefined.
	ErrDegenerateGeometry = errors.New("orbitengine: degenerate geometry")

	// ErrUnsupportedRevolutions is returned when a caller asks for a
	// multi-revolution Lambert solution.
	ErrUnsupportedRevolutions = errors.New("orbitengine: unsupported revolutions")

	// ErrNoFeasibleTransfers is returned by a porkchop grid computation
	// when every cell failed.
	ErrNoFeasibleTransfers = errors.New("orbitengine: no feasible transfers")

	// ErrInvalidSpeed is returned when set_speed is given k <= 0.
	ErrInvalidSpeed = errors.New("orbitengine: invalid speed")

	// ErrProtocolError marks a malformed inbound session message; the
	// session that produced it is closed.
	ErrProtocolError = errors.New("orbitengine: protocol error")

	// ErrQueueOverflow is returned when a bounded command queue (e.g. the
	// engine's per-tick command queue) is full and cannot accept another
	// entry without blocking the caller.
	ErrQueueOverflow = errors.New("orbitengine: queue overflow")
)

// Kind is the wire-level error tag from the external interface contract.
type Kind string

const (
	KindUnknownBody             Kind = "UnknownBody"
	KindInvalidSpeed            Kind = "InvalidSpeed"
	KindInvalidTimeOfFlight     Kind = "InvalidTimeOfFlight"
	KindDegenerateGeometry      Kind = "DegenerateGeometry"
	KindConvergenceFailure      Kind = "ConvergenceFailure"
	KindUnsupportedRevolutions  Kind = "UnsupportedRevolutions"
	KindNoFeasibleTransfers     Kind = "NoFeasibleTransfers"
	KindPlannerDeadlineExceeded Kind = "PlannerDeadlineExceeded"
	KindQueueOverflow           Kind = "QueueOverflow"
	KindProtocolError           Kind = "ProtocolError"
	KindInternal                Kind = "Internal"
)

// classifier lets callers register additional sentinel->Kind checks
// (e.g. bodies.ErrUnknownBody) without this package importing every
// component package and creating an import cycle.
type classifier struct {
	err  error
	kind Kind
}

var extra []classifier

// Register adds an (error, Kind) mapping consulted by Classify. Intended
// to be called once from package init in the owning component.
func Register(err error, kind Kind) {
	extra = append(extra, classifier{err: err, kind: kind})
}

// Classify maps err onto the wire-level Kind, falling back to Internal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidSpeed):
		return KindInvalidSpeed
	case errors.Is(err, ErrInvalidTimeOfFlight):
		return KindInvalidTimeOfFlight
	case errors.Is(err, ErrDegenerateGeometry):
		return KindDegenerateGeometry
	case errors.Is(err, ErrConvergenceFailure):
		return KindConvergenceFailure
	case errors.Is(err, ErrUnsupportedRevolutions):
		return KindUnsupportedRevolutions
	case errors.Is(err, ErrNoFeasibleTransfers):
		return KindNoFeasibleTransfers
	case errors.Is(err, ErrProtocolError):
		return KindProtocolError
	case errors.Is(err, ErrQueueOverflow):
		return KindQueueOverflow
	}
	for _, c := range extra {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindInternal
}
