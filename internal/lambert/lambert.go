// Package lambert solves Lambert's boundary value problem: given two
// heliocentric position vectors and a time of flight, find the velocity
// at departure and arrival consistent with an unperturbed two-body
// conic connecting them. The solver uses the universal-variable
// formulation (Stumpff functions c2, c3) with bisection on the
// universal anomaly ψ, converging on the time-of-flight equation.
package lambert

import (
	"fmt"
	"math"

	"github.com/orbitengine/backend/internal/orbiterr"
	"github.com/orbitengine/backend/internal/physics"
)

const (
	maxIterations = 100
	timeTolerance = 1e-6 // seconds
	epsilon       = 1e-9
)

// direction is the sense of motion around the transfer arc.
type direction int

const (
	autoDirection direction = iota
	prograde
	retrograde
)

// Option configures a Solve call.
type Option func(*options)

type options struct {
	dir         direction
	revolutions int
}

// Prograde forces the counter-clockwise (+Z angular momentum) transfer,
// taking the short or the long way as the geometry of r1 and r2
// requires. This is the same sense Solve picks when no direction is
// given.
func Prograde() Option {
	return func(o *options) { o.dir = prograde }
}

// Retrograde forces the clockwise (-Z angular momentum) transfer.
func Retrograde() Option {
	return func(o *options) { o.dir = retrograde }
}

// Revolutions requests a multi-revolution solution. Only n=0 (direct
// transfer, the only case this solver implements) is supported; any
// other value returns orbiterr.ErrUnsupportedRevolutions.
func Revolutions(n int) Option {
	return func(o *options) { o.revolutions = n }
}

// Result is the pair of velocities that connect r1 to r2 in tof seconds
// on the transfer conic found by Solve.
type Result struct {
	V1 physics.Vector // velocity at r1, m/s
	V2 physics.Vector // velocity at r2, m/s
}

// Solve finds the transfer velocities between r1 and r2 (meters) given
// a time of flight tof (seconds, must be > 0) and gravitational
// parameter mu (m^3/s^2).
func Solve(r1, r2 physics.Vector, tof, mu float64, opts ...Option) (Result, error) {
	cfg := options{dir: autoDirection}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.revolutions != 0 {
		return Result{}, fmt.Errorf("lambert: revolutions=%d: %w", cfg.revolutions, orbiterr.ErrUnsupportedRevolutions)
	}
	if tof <= 0 {
		return Result{}, fmt.Errorf("lambert: time of flight %.3fs: %w", tof, orbiterr.ErrInvalidTimeOfFlight)
	}

	r1n := r1.Norm()
	r2n := r2.Norm()
	if r1n < epsilon || r2n < epsilon {
		return Result{}, fmt.Errorf("lambert: degenerate radius (r1=%.3e r2=%.3e): %w", r1n, r2n, orbiterr.ErrDegenerateGeometry)
	}

	cosDeltaNu := r1.Dot(r2) / (r1n * r2n)
	cosDeltaNu = clamp(cosDeltaNu, -1, 1)

	crossZ := r1.X*r2.Y - r1.Y*r2.X
	dm := chooseSense(cfg.dir, crossZ)

	A := dm * math.Sqrt(r1n*r2n*(1+cosDeltaNu))
	if math.Abs(A) < epsilon {
		return Result{}, fmt.Errorf("lambert: transfer angle near 180 degrees (A=%.3e): %w", A, orbiterr.ErrDegenerateGeometry)
	}

	psi := 0.0
	psiUp := 4 * math.Pi * math.Pi
	psiLow := -4 * math.Pi

	c2 := 0.5
	c3 := 1.0 / 6.0

	var y, dt float64
	converged := false
	for i := 0; i < maxIterations; i++ {
		y = r1n + r2n + A*(psi*c3-1)/math.Sqrt(c2)
		if A > 0 && y < 0 {
			// Widen the bracket until y is admissible; this only occurs
			// for psi values the bisection has not yet excluded.
			for k := 0; k < maxIterations && y < 0; k++ {
				psiLow = psi
				psi = (psiUp + psiLow) / 2
				c2, c3 = stumpff(psi)
				y = r1n + r2n + A*(psi*c3-1)/math.Sqrt(c2)
			}
		}

		chi := math.Sqrt(y / c2)
		dt = (math.Pow(chi, 3)*c3 + A*math.Sqrt(y)) / math.Sqrt(mu)

		if math.Abs(dt-tof) < timeTolerance {
			converged = true
			break
		}

		if dt < tof {
			psiLow = psi
		} else {
			psiUp = psi
		}
		psi = (psiUp + psiLow) / 2
		c2, c3 = stumpff(psi)
	}

	if !converged {
		return Result{}, fmt.Errorf("lambert: bisection did not converge after %d iterations: %w", maxIterations, orbiterr.ErrConvergenceFailure)
	}

	f := 1 - y/r1n
	gDot := 1 - y/r2n
	g := A * math.Sqrt(y/mu)
	if math.Abs(g) < epsilon {
		return Result{}, fmt.Errorf("lambert: degenerate g coefficient: %w", orbiterr.ErrDegenerateGeometry)
	}

	v1 := r2.Sub(r1.Scale(f)).Scale(1 / g)
	v2 := r2.Scale(gDot).Sub(r1).Scale(1 / g)

	return Result{V1: v1, V2: v2}, nil
}

// chooseSense resolves the direction-of-motion multiplier dm used in
// the classic universal-variable formulation: +1 for the short way,
// -1 for the long way. The z-component of r1 x r2 tells which way is
// counter-clockwise: for a prograde (or unforced) transfer the short way
// is taken when it is non-negative, and for a retrograde transfer the
// opposite way is taken.
func chooseSense(dir direction, crossZ float64) float64 {
	short := crossZ >= 0
	if dir == retrograde {
		short = !short
	}
	if short {
		return 1
	}
	return -1
}

// stumpff evaluates the Stumpff functions c2(psi), c3(psi).
func stumpff(psi float64) (c2, c3 float64) {
	switch {
	case psi > epsilon:
		sqrtPsi := math.Sqrt(psi)
		sinS, cosS := math.Sincos(sqrtPsi)
		c2 = (1 - cosS) / psi
		c3 = (sqrtPsi - sinS) / math.Pow(sqrtPsi, 3)
	case psi < -epsilon:
		sqrtNegPsi := math.Sqrt(-psi)
		c2 = (1 - math.Cosh(sqrtNegPsi)) / psi
		c3 = (math.Sinh(sqrtNegPsi) - sqrtNegPsi) / math.Pow(sqrtNegPsi, 3)
	default:
		c2 = 1.0 / 2.0
		c3 = 1.0 / 6.0
	}
	return c2, c3
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
