package session

import (
	"testing"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/physics"
	"github.com/orbitengine/backend/internal/simulation"
)

func TestSessionPublishDropsOldestOnOverflow(t *testing.T) {
	var dropped int
	s := NewSession("s1", 2, func() { dropped++ })

	base := bodies.Epoch
	for i := 0; i < 4; i++ {
		s.Publish(simulation.Snapshot{SimTime: base.Add(time.Duration(i) * time.Second), TickCount: uint64(i)})
	}

	if dropped != 2 {
		t.Fatalf("dropped callback fired %d times, want 2", dropped)
	}
	if got := s.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}

	// The queue should hold the two most recent snapshots (2 and 3), not
	// the two oldest, since overflow drops from the front.
	first := <-s.Egress()
	second := <-s.Egress()
	if first.TickCount != 2 || second.TickCount != 3 {
		t.Fatalf("got tick counts %d, %d; want 2, 3", first.TickCount, second.TickCount)
	}
}

func TestSessionPublishSkipsWhenUnsubscribed(t *testing.T) {
	s := NewSession("s1", 4, nil)
	s.Unsubscribe()
	s.Publish(simulation.Snapshot{TickCount: 1})

	select {
	case <-s.Egress():
		t.Fatal("expected no delivery while unsubscribed")
	default:
	}
}

func TestSessionFocusRoundTrip(t *testing.T) {
	s := NewSession("s1", 1, nil)
	if s.Focus() != "" {
		t.Fatalf("Focus() = %q, want empty before any SetFocus", s.Focus())
	}
	s.SetFocus(bodies.Mars)
	if s.Focus() != bodies.Mars {
		t.Fatalf("Focus() = %q, want mars", s.Focus())
	}
}

func TestEncodeSnapshotBuildsBodiesAndMissions(t *testing.T) {
	snap := simulation.Snapshot{
		SimTime:   bodies.Epoch.Add(10 * time.Hour),
		TimeScale: 1000,
		IsPlaying: true,
		TickCount: 7,
		Bodies: []simulation.BodyState{
			{
				ID:       bodies.Earth,
				Position: physics.Vector{X: physics.AU, Y: 0, Z: 0},
				Velocity: physics.Vector{X: 0, Y: 29780, Z: 0},
			},
		},
		Missions: []simulation.MissionState{
			{
				Mission: simulation.Mission{
					ID:            "mission-1",
					DepartureBody: bodies.Earth,
					ArrivalBody:   bodies.Mars,
					Status:        simulation.MissionActive,
					DeltaV:        5000, // m/s
					Trajectory: []physics.Vector{
						{X: physics.AU, Y: 0, Z: 0},
						{X: 1.5 * physics.AU, Y: 0, Z: 0},
					},
				},
				CurrentProgress:    0.5,
				CurrentPosition:    physics.Vector{X: 1.25 * physics.AU, Y: 0, Z: 0},
				HasCurrentPosition: true,
			},
		},
	}

	wire := EncodeSnapshot(snap, bodies.Epoch)

	if wire.TimeScale != 1000 || !wire.IsPlaying {
		t.Fatalf("unexpected top-level fields: %+v", wire)
	}
	if got, want := wire.SimTime, (10 * time.Hour).Seconds(); got != want {
		t.Fatalf("SimTime = %v, want %v", got, want)
	}

	earth, ok := wire.Bodies[string(bodies.Earth)]
	if !ok {
		t.Fatal("expected earth in encoded bodies")
	}
	if earth.SemiMajorAxisM == nil || earth.OrbitalPeriodDays == nil || earth.Eccentricity == nil {
		t.Fatal("expected earth to carry orbital element metadata")
	}
	if earth.PositionAU[0] < 0.99 || earth.PositionAU[0] > 1.01 {
		t.Fatalf("PositionAU[0] = %v, want ~1", earth.PositionAU[0])
	}

	if len(wire.Missions) != 1 {
		t.Fatalf("expected one mission, got %d", len(wire.Missions))
	}
	m := wire.Missions[0]
	if m.DeltaV != 5 {
		t.Fatalf("DeltaV = %v km/s, want 5", m.DeltaV)
	}
	if m.Progress != 0.5 {
		t.Fatalf("Progress = %v, want 0.5", m.Progress)
	}
	if m.CurrentPositionAU == nil {
		t.Fatal("expected CurrentPositionAU to be set from MissionState.CurrentPosition")
	}
}

func TestEncodeSnapshotOmitsSunOrbitalElements(t *testing.T) {
	snap := simulation.Snapshot{
		SimTime: bodies.Epoch,
		Bodies: []simulation.BodyState{
			{ID: bodies.Sun, Position: physics.Vector{}, Velocity: physics.Vector{}},
		},
	}

	wire := EncodeSnapshot(snap, bodies.Epoch)

	sun, ok := wire.Bodies[string(bodies.Sun)]
	if !ok {
		t.Fatal("expected sun in encoded bodies")
	}
	if sun.SemiMajorAxisM != nil || sun.Eccentricity != nil || sun.OrbitalPeriodDays != nil {
		t.Fatal("expected sun to carry no orbital element metadata")
	}
}
