package kepler

import (
	"math"
	"testing"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/physics"
)

func TestPropagateSunIsOrigin(t *testing.T) {
	sun, err := bodies.Get(bodies.Sun)
	if err != nil {
		t.Fatalf("bodies.Get(Sun): %v", err)
	}
	r, v, err := Propagate(sun, 12345)
	if err != nil {
		t.Fatalf("Propagate(Sun): %v", err)
	}
	if r.Norm() != 0 || v.Norm() != 0 {
		t.Fatalf("expected Sun at rest at origin, got r=%v v=%v", r, v)
	}
}

func TestPropagateEarthRadiusNearOneAU(t *testing.T) {
	earth, err := bodies.Get(bodies.Earth)
	if err != nil {
		t.Fatalf("bodies.Get(Earth): %v", err)
	}
	r, _, err := Propagate(earth, 0)
	if err != nil {
		t.Fatalf("Propagate(Earth, 0): %v", err)
	}
	const au = 1.495978707e11
	got := r.Norm()
	// Earth's orbit is nearly circular; radius at any epoch should be
	// within a few percent of 1 AU.
	if math.Abs(got-au)/au > 0.02 {
		t.Fatalf("earth radius = %.6e m, want within 2%% of 1 AU (%.6e)", got, au)
	}
}

func TestPropagateIsPeriodic(t *testing.T) {
	mars, err := bodies.Get(bodies.Mars)
	if err != nil {
		t.Fatalf("bodies.Get(Mars): %v", err)
	}
	period := mars.Period().Seconds()

	r0, v0, err := Propagate(mars, 1000)
	if err != nil {
		t.Fatalf("Propagate(Mars, t): %v", err)
	}
	r1, v1, err := Propagate(mars, 1000+period)
	if err != nil {
		t.Fatalf("Propagate(Mars, t+period): %v", err)
	}

	if d := r0.Sub(r1).Norm(); d/r0.Norm() > 1e-6 {
		t.Errorf("position not periodic: delta=%.6e relative to r=%.6e", d, r0.Norm())
	}
	if d := v0.Sub(v1).Norm(); d/v0.Norm() > 1e-6 {
		t.Errorf("velocity not periodic: delta=%.6e relative to v=%.6e", d, v0.Norm())
	}
}

func TestPropagateConservesAngularMomentum(t *testing.T) {
	venus, err := bodies.Get(bodies.Venus)
	if err != nil {
		t.Fatalf("bodies.Get(Venus): %v", err)
	}

	times := []float64{0, 3.6e6, 9.1e6, 2.2e7}
	var prevH float64
	for i, tt := range times {
		r, v, err := Propagate(venus, tt)
		if err != nil {
			t.Fatalf("Propagate(Venus, %v): %v", tt, err)
		}
		h := r.Cross(v).Norm()
		if i > 0 && math.Abs(h-prevH)/prevH > 1e-6 {
			t.Errorf("angular momentum drifted at t=%v: got %.6e want ~%.6e", tt, h, prevH)
		}
		prevH = h
	}
}

func TestSolveKeplerConvergesAcrossEccentricities(t *testing.T) {
	for _, e := range []float64{0, 0.1, 0.5, 0.9, 0.99} {
		for _, M := range []float64{0, 0.5, math.Pi, 4.5, 2 * math.Pi} {
			E, err := solveKepler(M, e)
			if err != nil {
				t.Fatalf("solveKepler(M=%v, e=%v): %v", M, e, err)
			}
			residual := E - e*math.Sin(E) - normalizeAngle(M)
			// normalizeAngle(M) can differ from M by 2π*k, which the
			// residual naturally absorbs via periodicity of sin.
			if math.Abs(math.Sin(residual)) > 1e-9 && math.Abs(residual) > 1e-6 {
				t.Errorf("solveKepler(M=%v, e=%v): residual too large: %v", M, e, residual)
			}
		}
	}
}

func TestNormalizeAngleRange(t *testing.T) {
	cases := []float64{-10, -0.001, 0, 0.001, 6.28, 100}
	for _, c := range cases {
		got := normalizeAngle(c)
		if got < 0 || got >= 2*math.Pi {
			t.Errorf("normalizeAngle(%v) = %v, want in [0, 2pi)", c, got)
		}
	}
}

func TestPropagateStateVectorAgreesWithPropagate(t *testing.T) {
	mars, err := bodies.Get(bodies.Mars)
	if err != nil {
		t.Fatalf("bodies.Get(Mars): %v", err)
	}
	r0, v0, err := Propagate(mars, 5e6)
	if err != nil {
		t.Fatalf("Propagate(Mars, 5e6): %v", err)
	}

	const dt = 1.2e6
	rWant, vWant, err := Propagate(mars, 5e6+dt)
	if err != nil {
		t.Fatalf("Propagate(Mars, 5e6+dt): %v", err)
	}
	rGot, vGot, err := PropagateStateVector(r0, v0, dt)
	if err != nil {
		t.Fatalf("PropagateStateVector: %v", err)
	}

	if d := rGot.Sub(rWant).Norm(); d/rWant.Norm() > 1e-6 {
		t.Errorf("position mismatch: delta=%.6e relative to r=%.6e", d, rWant.Norm())
	}
	if d := vGot.Sub(vWant).Norm(); d/vWant.Norm() > 1e-6 {
		t.Errorf("velocity mismatch: delta=%.6e relative to v=%.6e", d, vWant.Norm())
	}
}

func TestPropagateStateVectorIsPeriodic(t *testing.T) {
	earth, err := bodies.Get(bodies.Earth)
	if err != nil {
		t.Fatalf("bodies.Get(Earth): %v", err)
	}
	r0, v0, err := Propagate(earth, 2.5e6)
	if err != nil {
		t.Fatalf("Propagate(Earth, 2.5e6): %v", err)
	}
	period := earth.Period().Seconds()

	r1, v1, err := PropagateStateVector(r0, v0, period)
	if err != nil {
		t.Fatalf("PropagateStateVector(period): %v", err)
	}
	if d := r0.Sub(r1).Norm(); d/r0.Norm() > 1e-6 {
		t.Errorf("position not periodic: delta=%.6e relative to r=%.6e", d, r0.Norm())
	}
	if d := v0.Sub(v1).Norm(); d/v0.Norm() > 1e-6 {
		t.Errorf("velocity not periodic: delta=%.6e relative to v=%.6e", d, v0.Norm())
	}
}

func TestPropagateStateVectorRejectsHyperbolicEnergy(t *testing.T) {
	earth, err := bodies.Get(bodies.Earth)
	if err != nil {
		t.Fatalf("bodies.Get(Earth): %v", err)
	}
	r0, v0, err := Propagate(earth, 0)
	if err != nil {
		t.Fatalf("Propagate(Earth, 0): %v", err)
	}
	// Escape velocity is sqrt(2) times circular velocity; double that is
	// comfortably hyperbolic.
	fast := v0.Scale(3)
	if _, _, err := PropagateStateVector(r0, fast, 1e5); err == nil {
		t.Fatal("expected an error propagating a hyperbolic state vector")
	}
}

func TestPropagateStateVectorRejectsDegenerateInputs(t *testing.T) {
	if _, _, err := PropagateStateVector(physics.Vector{}, physics.Vector{X: 1}, 1); err == nil {
		t.Fatal("expected an error for zero r0")
	}
	r0 := physics.Vector{X: 1.5e11}
	if _, _, err := PropagateStateVector(r0, physics.Vector{}, 1); err == nil {
		t.Fatal("expected an error for zero angular momentum (radial velocity)")
	}
}

func TestSecondsSinceEpochRoundTrip(t *testing.T) {
	seconds := 86400.0 * 30
	tm := TimeAtOffset(seconds)
	got := SecondsSinceEpoch(tm)
	if math.Abs(got-seconds) > 1e-6 {
		t.Errorf("round trip mismatch: got %v want %v", got, seconds)
	}
}
