// Package kepler propagates heliocentric state to a position and
// velocity at a given simulation time using closed-form two-body
// Keplerian mechanics — either from a catalog body's classical orbital
// elements (Propagate) or from an arbitrary state vector such as a
// Lambert transfer's post-departure trajectory (PropagateStateVector).
// It never finite-differences velocity and never integrates; every call
// is pure and referentially transparent for a given (state, t).
package kepler

import (
	"fmt"
	"math"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/orbiterr"
	"github.com/orbitengine/backend/internal/physics"
)

const (
	maxNewtonIterations = 50
	newtonTolerance     = 1e-12
	epsilon             = 1e-9
)

// State is a body's heliocentric position and velocity at a point in
// time. It carries no independent lifetime; it is always recomputed.
type State struct {
	Body     bodies.ID
	Position physics.Vector // meters
	Velocity physics.Vector // m/s
}

// Propagate returns the heliocentric position and velocity of body at
// t seconds since bodies.Epoch. The Sun always returns the origin.
func Propagate(body bodies.Body, t float64) (r, v physics.Vector, err error) {
	if body.IsSun() {
		return physics.Vector{}, physics.Vector{}, nil
	}

	el := body.Elements
	n := el.MeanMotion()
	M := normalizeAngle(el.MeanAnomaly0 + n*t)

	E, err := solveKepler(M, el.Eccentricity)
	if err != nil {
		return physics.Vector{}, physics.Vector{}, fmt.Errorf("kepler: propagate %s at t=%.3f: %w", body.ID, t, err)
	}

	nu := trueAnomalyFromEccentric(E, el.Eccentricity)

	a := el.SemiMajorAxis
	e := el.Eccentricity
	rMag := a * (1 - e*math.Cos(E))

	sinNu, cosNu := math.Sincos(nu)
	rPlane := physics.Vector{X: rMag * cosNu, Y: rMag * sinNu, Z: 0}

	// Velocity from Edot = n/(1-e cos E) via the standard perifocal-frame
	// closed forms (never finite-differenced).
	h := math.Sqrt(bodies.MuSun * a * (1 - e*e))
	vPlaneX := -(bodies.MuSun / h) * sinNu
	vPlaneY := (bodies.MuSun / h) * (e + cosNu)
	vPlane := physics.Vector{X: vPlaneX, Y: vPlaneY, Z: 0}

	r = rotateToEcliptic(rPlane, el.ArgPeriapsis, el.Inclination, el.RAAN)
	v = rotateToEcliptic(vPlane, el.ArgPeriapsis, el.Inclination, el.RAAN)
	return r, v, nil
}

// rotateToEcliptic applies the perifocal-to-heliocentric-ecliptic
// rotation chain: rotate by argPeriapsis about +Z, then by inclination
// about +X (the line of nodes), then by raan about +Z.
func rotateToEcliptic(vec physics.Vector, argPeriapsis, inclination, raan float64) physics.Vector {
	vec = vec.RotateZ(argPeriapsis)
	vec = vec.RotateX(inclination)
	vec = vec.RotateZ(raan)
	return vec
}

// PropagateStateVector advances an arbitrary heliocentric state vector
// (r0, v0) forward by dt seconds under Sun-centered two-body gravity,
// the same closed-form way Propagate advances a catalog body: it
// recovers the underlying conic's classical elements from (r0, v0),
// steps mean anomaly forward by n·dt, and reconstructs the state at the
// new true anomaly. Unlike Propagate, the orbit is derived from the
// state vector itself rather than looked up, so this works for any
// heliocentric two-body arc — in particular a Lambert transfer's
// post-departure trajectory, which has no entry in the body catalog.
// Only bound (elliptical) arcs are supported; a parabolic or hyperbolic
// input state returns orbiterr.ErrDegenerateGeometry.
func PropagateStateVector(r0, v0 physics.Vector, dt float64) (physics.Vector, physics.Vector, error) {
	r0n := r0.Norm()
	if r0n < epsilon {
		return physics.Vector{}, physics.Vector{}, fmt.Errorf("kepler: propagate state vector: degenerate r0: %w", orbiterr.ErrDegenerateGeometry)
	}

	h := r0.Cross(v0)
	hn := h.Norm()
	if hn < epsilon {
		return physics.Vector{}, physics.Vector{}, fmt.Errorf("kepler: propagate state vector: degenerate angular momentum: %w", orbiterr.ErrDegenerateGeometry)
	}

	v0n := v0.Norm()
	energy := v0n*v0n/2 - bodies.MuSun/r0n
	if energy >= -epsilon {
		return physics.Vector{}, physics.Vector{}, fmt.Errorf("kepler: propagate state vector: non-elliptical energy %.3e: %w", energy, orbiterr.ErrDegenerateGeometry)
	}
	a := -bodies.MuSun / (2 * energy)

	eVec := r0.Scale(v0n*v0n - bodies.MuSun/r0n).Sub(v0.Scale(r0.Dot(v0))).Scale(1 / bodies.MuSun)
	e := eVec.Norm()

	node := physics.Vector{X: -h.Y, Y: h.X, Z: 0}
	nodeN := node.Norm()

	inclination := math.Acos(clampUnit(h.Z / hn))

	var raan float64
	if nodeN > epsilon {
		raan = math.Acos(clampUnit(node.X / nodeN))
		if node.Y < 0 {
			raan = 2*math.Pi - raan
		}
	}

	var argPeriapsis float64
	switch {
	case e < epsilon:
		argPeriapsis = 0
	case nodeN > epsilon:
		argPeriapsis = math.Acos(clampUnit(node.Dot(eVec) / (nodeN * e)))
		if eVec.Z < 0 {
			argPeriapsis = 2*math.Pi - argPeriapsis
		}
	default:
		argPeriapsis = math.Atan2(eVec.Y, eVec.X)
	}

	var nu0 float64
	switch {
	case e < epsilon:
		nu0 = math.Atan2(r0.Y, r0.X)
	default:
		nu0 = math.Acos(clampUnit(eVec.Dot(r0) / (e * r0n)))
		if r0.Dot(v0) < 0 {
			nu0 = 2*math.Pi - nu0
		}
	}

	E0 := eccentricFromTrueAnomaly(nu0, e)
	M0 := E0 - e*math.Sin(E0)

	meanMotion := math.Sqrt(bodies.MuSun / (a * a * a))
	Mt := normalizeAngle(M0 + meanMotion*dt)

	Et, err := solveKepler(Mt, e)
	if err != nil {
		return physics.Vector{}, physics.Vector{}, fmt.Errorf("kepler: propagate state vector: %w", err)
	}

	nu := trueAnomalyFromEccentric(Et, e)
	rMag := a * (1 - e*math.Cos(Et))
	sinNu, cosNu := math.Sincos(nu)
	rPlane := physics.Vector{X: rMag * cosNu, Y: rMag * sinNu, Z: 0}

	hMag := math.Sqrt(bodies.MuSun * a * (1 - e*e))
	vPlane := physics.Vector{
		X: -(bodies.MuSun / hMag) * sinNu,
		Y: (bodies.MuSun / hMag) * (e + cosNu),
		Z: 0,
	}

	r := rotateToEcliptic(rPlane, argPeriapsis, inclination, raan)
	v := rotateToEcliptic(vPlane, argPeriapsis, inclination, raan)
	return r, v, nil
}

// eccentricFromTrueAnomaly is the inverse of trueAnomalyFromEccentric.
func eccentricFromTrueAnomaly(nu, e float64) float64 {
	sinHalf, cosHalf := math.Sin(nu/2), math.Cos(nu/2)
	return 2 * math.Atan2(math.Sqrt(1-e)*sinHalf, math.Sqrt(1+e)*cosHalf)
}

func clampUnit(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// solveKepler solves M = E - e sin E for E via Newton iteration starting
// from E0 = M, stopping when |ΔE| < newtonTolerance or after
// maxNewtonIterations, whichever comes first.
func solveKepler(M, e float64) (float64, error) {
	E := M
	for i := 0; i < maxNewtonIterations; i++ {
		f := E - e*math.Sin(E) - M
		fPrime := 1 - e*math.Cos(E)
		delta := f / fPrime
		E -= delta
		if math.Abs(delta) < newtonTolerance {
			return E, nil
		}
	}
	return 0, orbiterr.ErrConvergenceFailure
}

// trueAnomalyFromEccentric converts E to true anomaly ν via the standard
// half-angle identity.
func trueAnomalyFromEccentric(E, e float64) float64 {
	sinHalf, cosHalf := math.Sin(E/2), math.Cos(E/2)
	return 2 * math.Atan2(math.Sqrt(1+e)*sinHalf, math.Sqrt(1-e)*cosHalf)
}

func normalizeAngle(angle float64) float64 {
	const twoPi = 2 * math.Pi
	wrapped := math.Mod(angle, twoPi)
	if wrapped < 0 {
		wrapped += twoPi
	}
	return wrapped
}

// Period returns the sidereal orbital period of body; zero for the Sun.
func Period(body bodies.Body) time.Duration {
	return body.Period()
}

// SecondsSinceEpoch converts a wall-clock instant to seconds since
// bodies.Epoch, the only place absolute calendar time enters this
// package.
func SecondsSinceEpoch(t time.Time) float64 {
	return t.Sub(bodies.Epoch).Seconds()
}

// TimeAtOffset converts seconds-since-epoch back to a calendar instant,
// the inverse of SecondsSinceEpoch, used at the external-interface
// boundary only.
func TimeAtOffset(seconds float64) time.Time {
	return bodies.Epoch.Add(time.Duration(seconds * float64(time.Second)))
}
