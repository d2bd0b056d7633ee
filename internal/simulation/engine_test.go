package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/kepler"
	"github.com/orbitengine/backend/internal/physics"
)

func mustBody(t *testing.T, id bodies.ID) bodies.Body {
	t.Helper()
	b, err := bodies.Get(id)
	if err != nil {
		t.Fatalf("bodies.Get(%s): %v", id, err)
	}
	return b
}

type fakeSubscriber struct {
	received chan Snapshot
}

func newFakeSubscriber(capacity int) *fakeSubscriber {
	return &fakeSubscriber{received: make(chan Snapshot, capacity)}
}

func (f *fakeSubscriber) Publish(s Snapshot) {
	select {
	case f.received <- s:
	default:
	}
}

func TestEngineTickBuildsSnapshotForEveryBody(t *testing.T) {
	e := NewEngine(bodies.Epoch)
	e.Play()
	e.SetTimeScale(1000)

	sub := newFakeSubscriber(1)
	e.Subscribe(sub)

	e.tick(context.Background(), time.Second)

	select {
	case snap := <-sub.received:
		if len(snap.Bodies) != len(bodies.All()) {
			t.Fatalf("snapshot has %d bodies, want %d", len(snap.Bodies), len(bodies.All()))
		}
		if !snap.IsPlaying {
			t.Error("expected IsPlaying=true")
		}
		if snap.TickCount != 1 {
			t.Errorf("TickCount = %d, want 1", snap.TickCount)
		}
	default:
		t.Fatal("expected a snapshot on the subscriber channel")
	}
}

func TestEngineSetTimeScaleRejectsNonPositive(t *testing.T) {
	e := NewEngine(bodies.Epoch)
	if err := e.SetTimeScale(0); err == nil {
		t.Fatal("expected error for zero time scale")
	}
	if err := e.SetTimeScale(-1); err == nil {
		t.Fatal("expected error for negative time scale")
	}
}

func TestEngineLaunchAndRetrieveMission(t *testing.T) {
	e := NewEngine(bodies.Epoch)
	dep := bodies.Epoch
	arr := dep.Add(200 * 24 * time.Hour)
	e.LaunchMission(Mission{
		ID:            "probe-1",
		DepartureBody: bodies.Earth,
		ArrivalBody:   bodies.Mars,
		DepartureTime: dep,
		ArrivalTime:   arr,
	})

	got, err := e.Mission("probe-1")
	if err != nil {
		t.Fatalf("Mission: %v", err)
	}
	if got.Status != MissionPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
}

func TestEngineTickNeverBlocksOnSlowSubscriber(t *testing.T) {
	e := NewEngine(bodies.Epoch)
	e.Play()

	sub := newFakeSubscriber(0) // unbuffered, drops everything
	e.Subscribe(sub)

	done := make(chan struct{})
	go func() {
		e.tick(context.Background(), time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick blocked on a slow subscriber")
	}
}

func TestEngineUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEngine(bodies.Epoch)
	e.Play()
	sub := newFakeSubscriber(1)
	e.Subscribe(sub)
	e.Unsubscribe(sub)

	e.tick(context.Background(), time.Second)
	select {
	case <-sub.received:
		t.Fatal("expected no delivery after unsubscribe")
	default:
	}
}

func TestEngineBuildSnapshotComputesCurrentPositionFromStateVector(t *testing.T) {
	e := NewEngine(bodies.Epoch)
	dep := bodies.Epoch
	arr := dep.Add(200 * 24 * time.Hour)
	r0, v0, err := kepler.Propagate(mustBody(t, bodies.Earth), 0)
	if err != nil {
		t.Fatalf("kepler.Propagate: %v", err)
	}
	e.LaunchMission(Mission{
		ID:            "probe-1",
		DepartureBody: bodies.Earth,
		ArrivalBody:   bodies.Mars,
		DepartureTime: dep,
		ArrivalTime:   arr,
		DepartureR:    r0,
		DepartureV:    v0,
	})

	simTime := dep.Add(10 * 24 * time.Hour)
	e.roster.RefreshStatuses(simTime)
	snap := e.buildSnapshot(simTime)

	if len(snap.Missions) != 1 {
		t.Fatalf("expected one mission in snapshot, got %d", len(snap.Missions))
	}
	ms := snap.Missions[0]
	if ms.Status != MissionActive {
		t.Fatalf("Status = %v, want active", ms.Status)
	}
	if !ms.HasCurrentPosition {
		t.Fatal("expected HasCurrentPosition=true for a mission with a known state vector")
	}
	if ms.CurrentPosition.Norm() == 0 {
		t.Error("expected a nonzero re-propagated current position")
	}
}

func TestEngineBuildSnapshotMarksMissionFailedOnPropagationError(t *testing.T) {
	e := NewEngine(bodies.Epoch)
	dep := bodies.Epoch
	arr := dep.Add(200 * 24 * time.Hour)
	// A radial velocity vector (parallel to the position) has zero
	// angular momentum, which PropagateStateVector rejects as degenerate.
	e.LaunchMission(Mission{
		ID:            "probe-1",
		DepartureBody: bodies.Earth,
		ArrivalBody:   bodies.Mars,
		DepartureTime: dep,
		ArrivalTime:   arr,
		DepartureR:    physics.Vector{X: physics.AU, Y: 0, Z: 0},
		DepartureV:    physics.Vector{X: 1000, Y: 0, Z: 0},
	})

	simTime := dep.Add(10 * 24 * time.Hour)
	e.roster.RefreshStatuses(simTime)
	snap := e.buildSnapshot(simTime)

	if len(snap.Missions) != 1 {
		t.Fatalf("expected one mission in snapshot, got %d", len(snap.Missions))
	}
	if snap.Missions[0].Status != MissionFailed {
		t.Fatalf("Status = %v, want failed", snap.Missions[0].Status)
	}
	if snap.Missions[0].HasCurrentPosition {
		t.Error("expected HasCurrentPosition=false for a failed propagation")
	}

	got, err := e.Mission("probe-1")
	if err != nil {
		t.Fatalf("Mission: %v", err)
	}
	if got.Status != MissionFailed {
		t.Errorf("roster Status = %v, want failed to persist", got.Status)
	}
}

func TestEngineRunStopsOnContextCancel(t *testing.T) {
	e := NewEngine(bodies.Epoch, WithTickRate(1000))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
