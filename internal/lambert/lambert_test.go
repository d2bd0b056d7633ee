package lambert

import (
	"errors"
	"math"
	"testing"

	"github.com/orbitengine/backend/internal/kepler"
	"github.com/orbitengine/backend/internal/orbiterr"
	"github.com/orbitengine/backend/internal/physics"
)

const muSun = 1.32712440018e20
const au = 1.495978707e11

func TestSolveKnownEarthTransfer(t *testing.T) {
	r1 := physics.Vector{X: au, Y: 0, Z: 0}
	r2 := physics.Vector{X: 0, Y: 1.524 * au, Z: 0}
	tof := 200 * 86400.0 // 200 days

	res, err := Solve(r1, r2, tof, muSun)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.V1.Norm() == 0 || res.V2.Norm() == 0 {
		t.Fatalf("expected nonzero velocities, got v1=%v v2=%v", res.V1, res.V2)
	}
	// A Hohmann-like Earth-to-Mars transfer departs at roughly
	// Earth's orbital speed; sanity-bound rather than exact-match since
	// this arc isn't a true Hohmann (90 degree, not 180).
	if res.V1.Norm() > 6e4 || res.V1.Norm() < 1e4 {
		t.Errorf("v1 norm out of plausible range: %.3e m/s", res.V1.Norm())
	}
}

func TestSolveRejectsNonPositiveTimeOfFlight(t *testing.T) {
	r1 := physics.Vector{X: au, Y: 0, Z: 0}
	r2 := physics.Vector{X: 0, Y: au, Z: 0}
	_, err := Solve(r1, r2, 0, muSun)
	if !errors.Is(err, orbiterr.ErrInvalidTimeOfFlight) {
		t.Fatalf("expected ErrInvalidTimeOfFlight, got %v", err)
	}
	_, err = Solve(r1, r2, -100, muSun)
	if !errors.Is(err, orbiterr.ErrInvalidTimeOfFlight) {
		t.Fatalf("expected ErrInvalidTimeOfFlight for negative tof, got %v", err)
	}
}

func TestSolveRejectsDegenerateGeometry(t *testing.T) {
	_, err := Solve(physics.Vector{}, physics.Vector{X: au}, 86400, muSun)
	if !errors.Is(err, orbiterr.ErrDegenerateGeometry) {
		t.Fatalf("expected ErrDegenerateGeometry for zero r1, got %v", err)
	}
}

func TestSolveRejectsMultiRevolution(t *testing.T) {
	r1 := physics.Vector{X: au, Y: 0, Z: 0}
	r2 := physics.Vector{X: 0, Y: au, Z: 0}
	_, err := Solve(r1, r2, 86400*100, muSun, Revolutions(1))
	if !errors.Is(err, orbiterr.ErrUnsupportedRevolutions) {
		t.Fatalf("expected ErrUnsupportedRevolutions, got %v", err)
	}
}

func TestSolveProgradeVsRetrogradeDiffer(t *testing.T) {
	r1 := physics.Vector{X: au, Y: 0, Z: 0}
	r2 := physics.Vector{X: 0, Y: 1.2 * au, Z: 0}
	tof := 150 * 86400.0

	pro, err := Solve(r1, r2, tof, muSun, Prograde())
	if err != nil {
		t.Fatalf("Solve(prograde): %v", err)
	}
	retro, err := Solve(r1, r2, tof, muSun, Retrograde())
	if err != nil {
		t.Fatalf("Solve(retrograde): %v", err)
	}
	if math.Abs(pro.V1.X-retro.V1.X) < 1 && math.Abs(pro.V1.Y-retro.V1.Y) < 1 {
		t.Errorf("expected prograde and retrograde solutions to differ, got equal v1")
	}
}

// TestSolveRoundTripsThroughPropagation checks the property a transfer
// arc must satisfy by construction: propagating (r1, v1) forward by the
// same time of flight given to Solve must land on r2, since v1 and v2
// are two points on one conic. A solver that solved a different tof or
// picked the wrong branch would still return plausible-looking
// velocities but fail this check.
func TestSolveRoundTripsThroughPropagation(t *testing.T) {
	r1 := physics.Vector{X: au, Y: 0, Z: 0}
	r2 := physics.Vector{X: 0, Y: 1.524 * au, Z: 0}
	tof := 200 * 86400.0

	res, err := Solve(r1, r2, tof, muSun)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	gotR, _, err := kepler.PropagateStateVector(r1, res.V1, tof)
	if err != nil {
		t.Fatalf("PropagateStateVector: %v", err)
	}

	const kilometer = 1000.0
	if dist := gotR.Sub(r2).Norm(); dist > kilometer {
		t.Errorf("propagated arrival position off by %.3f km, want within 1 km", dist/kilometer)
	}
}

func TestStumpffContinuousAtZero(t *testing.T) {
	c2Below, c3Below := stumpff(-1e-8)
	c2Above, c3Above := stumpff(1e-8)
	c2Zero, c3Zero := stumpff(0)
	if math.Abs(c2Below-c2Zero) > 1e-4 || math.Abs(c2Above-c2Zero) > 1e-4 {
		t.Errorf("c2 discontinuous near 0: below=%v zero=%v above=%v", c2Below, c2Zero, c2Above)
	}
	if math.Abs(c3Below-c3Zero) > 1e-4 || math.Abs(c3Above-c3Zero) > 1e-4 {
		t.Errorf("c3 discontinuous near 0: below=%v zero=%v above=%v", c3Below, c3Zero, c3Above)
	}
}
