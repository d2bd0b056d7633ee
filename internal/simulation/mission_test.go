package simulation

import (
	"errors"
	"testing"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/kepler"
	"github.com/orbitengine/backend/internal/physics"
)

func testMission() Mission {
	dep := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	arr := dep.Add(100 * 24 * time.Hour)
	return Mission{
		ID:            "m1",
		Name:          "Test Probe",
		DepartureBody: bodies.Earth,
		ArrivalBody:   bodies.Mars,
		DepartureTime: dep,
		ArrivalTime:   arr,
	}
}

func TestRosterAddAndGet(t *testing.T) {
	r := NewRoster()
	m := testMission()
	r.Add(m)

	got, err := r.Get("m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != MissionPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
}

func TestRosterGetMissingReturnsError(t *testing.T) {
	r := NewRoster()
	_, err := r.Get("nope")
	if !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("expected ErrMissionNotFound, got %v", err)
	}
}

func TestRosterRefreshStatusesLifecycle(t *testing.T) {
	r := NewRoster()
	m := testMission()
	r.Add(m)

	r.RefreshStatuses(m.DepartureTime.Add(-time.Hour))
	got, _ := r.Get("m1")
	if got.Status != MissionPending {
		t.Errorf("before departure: Status = %v, want pending", got.Status)
	}

	r.RefreshStatuses(m.DepartureTime.Add(time.Hour))
	got, _ = r.Get("m1")
	if got.Status != MissionActive {
		t.Errorf("after departure: Status = %v, want active", got.Status)
	}

	r.RefreshStatuses(m.ArrivalTime.Add(time.Hour))
	got, _ = r.Get("m1")
	if got.Status != MissionCompleted {
		t.Errorf("after arrival: Status = %v, want completed", got.Status)
	}
}

func TestRosterMarkFailedSticky(t *testing.T) {
	r := NewRoster()
	m := testMission()
	r.Add(m)
	if err := r.MarkFailed("m1"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	// Even once simulation time passes into the active window, a failed
	// mission must not be revived by RefreshStatuses.
	r.RefreshStatuses(m.DepartureTime.Add(time.Hour))
	got, _ := r.Get("m1")
	if got.Status != MissionFailed {
		t.Errorf("Status = %v, want failed to stick", got.Status)
	}
}

func TestMissionProgressClampedToUnitInterval(t *testing.T) {
	m := testMission()
	if p := m.Progress(m.DepartureTime.Add(-time.Hour)); p != 0 {
		t.Errorf("progress before departure = %v, want 0", p)
	}
	if p := m.Progress(m.ArrivalTime.Add(time.Hour)); p != 1 {
		t.Errorf("progress after arrival = %v, want 1", p)
	}
	mid := m.DepartureTime.Add(50 * 24 * time.Hour)
	if p := m.Progress(mid); p < 0.49 || p > 0.51 {
		t.Errorf("progress at midpoint = %v, want ~0.5", p)
	}
}

func TestMissionPositionAtRepropagatesFromStateVector(t *testing.T) {
	earth, err := bodies.Get(bodies.Earth)
	if err != nil {
		t.Fatalf("bodies.Get(Earth): %v", err)
	}
	r0, v0, err := kepler.Propagate(earth, kepler.SecondsSinceEpoch(bodies.Epoch))
	if err != nil {
		t.Fatalf("kepler.Propagate: %v", err)
	}

	m := testMission()
	m.DepartureR = r0
	m.DepartureV = v0

	if _, ok := m.PositionAt(m.DepartureTime.Add(-time.Hour)); ok {
		t.Error("expected ok=false before departure")
	}
	if _, ok := m.PositionAt(m.ArrivalTime); ok {
		t.Error("expected ok=false at or after arrival")
	}

	mid := m.DepartureTime.Add(10 * 24 * time.Hour)
	pos, ok := m.PositionAt(mid)
	if !ok {
		t.Fatal("expected ok=true within the transfer window")
	}
	rWant, _, err := kepler.PropagateStateVector(r0, v0, mid.Sub(m.DepartureTime).Seconds())
	if err != nil {
		t.Fatalf("kepler.PropagateStateVector: %v", err)
	}
	if d := pos.Sub(rWant).Norm(); d > 1 {
		t.Errorf("PositionAt = %v, want %v (delta %.3e m)", pos, rWant, d)
	}
}

func TestMissionPositionAtFallsBackToTrajectoryWithoutStateVector(t *testing.T) {
	m := testMission()
	m.Trajectory = []physics.Vector{
		{X: physics.AU, Y: 0, Z: 0},
		{X: 1.5 * physics.AU, Y: 0, Z: 0},
	}

	mid := m.DepartureTime.Add(50 * 24 * time.Hour)
	pos, ok := m.PositionAt(mid)
	if !ok {
		t.Fatal("expected ok=true using the trajectory fallback")
	}
	if pos != m.Trajectory[0] {
		t.Errorf("PositionAt = %v, want the sample nearest progress 0.5 (%v)", pos, m.Trajectory[0])
	}
}

func TestRosterCountByStatus(t *testing.T) {
	r := NewRoster()
	m1 := testMission()
	m2 := testMission()
	m2.ID = "m2"
	r.Add(m1)
	r.Add(m2)
	r.RefreshStatuses(m1.DepartureTime.Add(time.Hour))
	if n := r.CountByStatus(MissionActive); n != 2 {
		t.Fatalf("CountByStatus(active) = %d, want 2", n)
	}
}
