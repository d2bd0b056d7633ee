// Package planner computes interplanetary transfer trajectories:
// single point-to-point Lambert transfers, Hohmann sanity estimates,
// and porkchop-plot grids over a departure/arrival date window.
package planner

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/kepler"
	"github.com/orbitengine/backend/internal/lambert"
	"github.com/orbitengine/backend/internal/orbiterr"
	"github.com/orbitengine/backend/internal/physics"
)

// DefaultPorkchopDeadline bounds how long a single Porkchop call may run
// before returning whatever grid it has computed so far.
const DefaultPorkchopDeadline = 30 * time.Second

// Transfer is the result of a single departure/arrival Lambert solve.
type Transfer struct {
	DepartureTime time.Time
	ArrivalTime   time.Time
	C3            float64        // departure characteristic energy, m^2/s^2 (divide by 1e6 for the wire's km^2/s^2)
	DeltaVTotal   float64        // m/s
	DepartureVInf physics.Vector // hyperbolic excess velocity at departure, m/s
	ArrivalVInf   physics.Vector
	DepartureR    physics.Vector // heliocentric position at departure, meters
	DepartureV    physics.Vector // heliocentric velocity on the transfer conic at departure, m/s
	Trajectory    []TrajectorySample
}

// TrajectorySample is one point along a computed transfer arc.
type TrajectorySample struct {
	Time     time.Time
	Position physics.Vector // meters, heliocentric ecliptic
	Progress float64        // 0 at departure, 1 at arrival
}

// ComputeTransfer solves the Lambert problem between the departure and
// arrival bodies' positions at departureTime and arrivalTime, and
// samples the resulting arc at numSamples evenly spaced times between
// departureTime and arrivalTime inclusive, stepping forward from the
// departure state (see sampleTrajectory).
func ComputeTransfer(departureBody, arrivalBody bodies.ID, departureTime, arrivalTime time.Time, numSamples int) (Transfer, error) {
	depBody, err := bodies.Get(departureBody)
	if err != nil {
		return Transfer{}, err
	}
	arrBody, err := bodies.Get(arrivalBody)
	if err != nil {
		return Transfer{}, err
	}

	tDep := kepler.SecondsSinceEpoch(departureTime)
	tArr := kepler.SecondsSinceEpoch(arrivalTime)
	tof := tArr - tDep
	if tof <= 0 {
		return Transfer{}, fmt.Errorf("planner: arrival not after departure: %w", orbiterr.ErrInvalidTimeOfFlight)
	}

	depR, depV, err := kepler.Propagate(depBody, tDep)
	if err != nil {
		return Transfer{}, err
	}
	arrR, arrV, err := kepler.Propagate(arrBody, tArr)
	if err != nil {
		return Transfer{}, err
	}

	res, err := lambert.Solve(depR, arrR, tof, bodies.MuSun)
	if err != nil {
		return Transfer{}, fmt.Errorf("planner: transfer %s->%s: %w", departureBody, arrivalBody, err)
	}

	depVInf := res.V1.Sub(depV)
	arrVInf := res.V2.Sub(arrV)
	c3 := depVInf.Dot(depVInf)
	deltaV := depVInf.Norm() + arrVInf.Norm()

	samples, err := sampleTrajectory(depR, res.V1, tDep, tArr, numSamples)
	if err != nil {
		return Transfer{}, err
	}

	return Transfer{
		DepartureTime: departureTime,
		ArrivalTime:   arrivalTime,
		C3:            c3,
		DeltaVTotal:   deltaV,
		DepartureVInf: depVInf,
		ArrivalVInf:   arrVInf,
		DepartureR:    depR,
		DepartureV:    res.V1,
		Trajectory:    samples,
	}, nil
}

// sampleTrajectory propagates the transfer conic forward from (r0, v0)
// at tDep using straight numerical time-stepping under two-body
// acceleration, producing numSamples evenly time-spaced points between
// tDep and tArr inclusive.
func sampleTrajectory(r0, v0 physics.Vector, tDep, tArr float64, numSamples int) ([]TrajectorySample, error) {
	if numSamples < 2 {
		numSamples = 2
	}
	dt := (tArr - tDep) / float64(numSamples-1)
	if dt <= 0 {
		return nil, fmt.Errorf("planner: non-positive sample step: %w", orbiterr.ErrInvalidTimeOfFlight)
	}

	// Fixed-step RK4 under two-body gravitation. Fine for the display
	// resolution this backend needs and avoids re-deriving the transfer
	// orbit's own classical elements just to sample it.
	samples := make([]TrajectorySample, 0, numSamples)
	r, v := r0, v0
	for i := 0; i < numSamples; i++ {
		t := tDep + float64(i)*dt
		samples = append(samples, TrajectorySample{
			Time:     kepler.TimeAtOffset(t),
			Position: r,
			Progress: float64(i) / float64(numSamples-1),
		})
		if i < numSamples-1 {
			r, v = rk4Step(r, v, dt)
		}
	}
	return samples, nil
}

func twoBodyAccel(r physics.Vector) physics.Vector {
	dist := r.Norm()
	return r.Scale(-bodies.MuSun / (dist * dist * dist))
}

func rk4Step(r, v physics.Vector, dt float64) (physics.Vector, physics.Vector) {
	k1r, k1v := v, twoBodyAccel(r)
	k2r, k2v := v.Add(k1v.Scale(dt/2)), twoBodyAccel(r.Add(k1r.Scale(dt/2)))
	k3r, k3v := v.Add(k2v.Scale(dt/2)), twoBodyAccel(r.Add(k2r.Scale(dt/2)))
	k4r, k4v := v.Add(k3v.Scale(dt)), twoBodyAccel(r.Add(k3r.Scale(dt)))

	rNext := r.Add(k1r.Add(k2r.Scale(2)).Add(k3r.Scale(2)).Add(k4r).Scale(dt / 6))
	vNext := v.Add(k1v.Add(k2v.Scale(2)).Add(k3v.Scale(2)).Add(k4v).Scale(dt / 6))
	return rNext, vNext
}

// HohmannEstimate is a fast, Lambert-free sanity check computed from
// each body's mean orbital radius alone. It exists to cross-validate
// planner output at a glance, not to replace the Lambert solve.
type HohmannEstimate struct {
	TransferTime time.Duration
	DeltaVTotal  float64
	C3           float64
}

// EstimateHohmann returns the coplanar-circular-orbit Hohmann transfer
// approximation between two bodies, ignoring phasing.
func EstimateHohmann(departureBody, arrivalBody bodies.ID) (HohmannEstimate, error) {
	dep, err := bodies.Get(departureBody)
	if err != nil {
		return HohmannEstimate{}, err
	}
	arr, err := bodies.Get(arrivalBody)
	if err != nil {
		return HohmannEstimate{}, err
	}

	r1 := dep.Elements.SemiMajorAxis
	r2 := arr.Elements.SemiMajorAxis
	aTransfer := (r1 + r2) / 2

	transferTime := math.Pi * math.Sqrt(math.Pow(aTransfer, 3)/bodies.MuSun)

	v1 := math.Sqrt(bodies.MuSun / r1)
	vTransferPeri := math.Sqrt(bodies.MuSun * (2/r1 - 1/aTransfer))
	deltaVDep := math.Abs(vTransferPeri - v1)

	v2 := math.Sqrt(bodies.MuSun / r2)
	vTransferApo := math.Sqrt(bodies.MuSun * (2/r2 - 1/aTransfer))
	deltaVArr := math.Abs(v2 - vTransferApo)

	c3 := (vTransferPeri - v1) * (vTransferPeri - v1)

	return HohmannEstimate{
		TransferTime: time.Duration(transferTime * float64(time.Second)),
		DeltaVTotal:  deltaVDep + deltaVArr,
		C3:           c3,
	}, nil
}

// PorkchopRequest configures a grid computation.
type PorkchopRequest struct {
	DepartureBody  bodies.ID
	ArrivalBody    bodies.ID
	DepartureStart time.Time
	DepartureEnd   time.Time
	ArrivalStart   time.Time
	ArrivalEnd     time.Time
	Resolution     int // grid is Resolution x Resolution
}

// PorkchopCell is one grid point. Feasible is false when the Lambert
// solve for this (departure, arrival) pair failed; the numeric fields
// are then zero and must not be plotted as real values.
type PorkchopCell struct {
	DepartureTime time.Time
	ArrivalTime   time.Time
	C3            float64
	DeltaVTotal   float64
	Feasible      bool
}

// PorkchopResult is the full grid plus bookkeeping about partial
// completion.
type PorkchopResult struct {
	DepartureBody bodies.ID
	ArrivalBody   bodies.ID
	Cells         [][]PorkchopCell // [departureIdx][arrivalIdx]
	Truncated     bool             // true if the deadline cut the sweep short

	// BestDepartureIdx/BestArrivalIdx locate the minimum-delta-v feasible
	// cell in Cells; BestFound is false if no cell was feasible.
	BestDepartureIdx int
	BestArrivalIdx   int
	BestFound        bool
}

// locateBestCell scans a completed grid for the feasible cell with the
// lowest total delta-v, the numeric analogue of picking out the pocket
// of a porkchop plot by eye. Each row's delta-v values are collected
// into a flat slice and searched with gonum/floats rather than a
// hand-rolled min loop, the same way the corpus's orbital-mechanics
// code leans on gonum/floats for elementwise slice reductions.
func locateBestCell(cells [][]PorkchopCell) (depIdx, arrIdx int, found bool) {
	bestDeltaV := math.Inf(1)
	for i, row := range cells {
		values := make([]float64, len(row))
		for j, c := range row {
			if c.Feasible {
				values[j] = c.DeltaVTotal
			} else {
				values[j] = math.Inf(1)
			}
		}
		if len(values) == 0 {
			continue
		}
		j := floats.MinIdx(values)
		if values[j] < bestDeltaV {
			bestDeltaV = values[j]
			depIdx, arrIdx, found = i, j, true
		}
	}
	return depIdx, arrIdx, found
}

// Porkchop computes a Resolution x Resolution grid of Lambert transfers
// across the requested departure/arrival windows. Rows (fixed
// departure date) are computed one after another, and the cells of each
// row are farmed out to a worker pool sized to GOMAXPROCS;
// ctx's deadline is checked at row boundaries, so a cancellation mid
// sweep still returns every row completed so far with Truncated=true.
// If every cell in the grid fails, Porkchop returns
// orbiterr.ErrNoFeasibleTransfers.
func Porkchop(ctx context.Context, req PorkchopRequest) (PorkchopResult, error) {
	res := req.Resolution
	if res < 1 {
		return PorkchopResult{}, fmt.Errorf("planner: porkchop resolution %d must be >= 1", res)
	}

	depStep := req.DepartureEnd.Sub(req.DepartureStart) / time.Duration(maxInt(res-1, 1))
	arrStep := req.ArrivalEnd.Sub(req.ArrivalStart) / time.Duration(maxInt(res-1, 1))

	cells := make([][]PorkchopCell, res)

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}

	anyFeasible := false
	truncated := false

	for i := 0; i < res; i++ {
		select {
		case <-ctx.Done():
			truncated = true
		default:
		}
		if truncated {
			cells[i] = make([]PorkchopCell, res)
			continue
		}

		depTime := req.DepartureStart.Add(time.Duration(i) * depStep)
		row := computeRow(depTime, req, arrStep, workers)
		cells[i] = row
		for _, c := range row {
			if c.Feasible {
				anyFeasible = true
			}
		}
	}

	if !anyFeasible {
		return PorkchopResult{}, fmt.Errorf("planner: %s->%s over requested window: %w", req.DepartureBody, req.ArrivalBody, orbiterr.ErrNoFeasibleTransfers)
	}

	bestDep, bestArr, bestFound := locateBestCell(cells)

	return PorkchopResult{
		DepartureBody:    req.DepartureBody,
		ArrivalBody:      req.ArrivalBody,
		Cells:            cells,
		Truncated:        truncated,
		BestDepartureIdx: bestDep,
		BestArrivalIdx:   bestArr,
		BestFound:        bestFound,
	}, nil
}

// computeRow evaluates one departure date against every arrival date in
// the grid, spreading the work across a small pool of goroutines.
func computeRow(depTime time.Time, req PorkchopRequest, arrStep time.Duration, workers int) []PorkchopCell {
	res := req.Resolution
	row := make([]PorkchopCell, res)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				arrTime := req.ArrivalStart.Add(time.Duration(j) * arrStep)
				row[j] = computeCell(depTime, arrTime, req.DepartureBody, req.ArrivalBody)
			}
		}()
	}
	for j := 0; j < res; j++ {
		jobs <- j
	}
	close(jobs)
	wg.Wait()

	return row
}

func computeCell(depTime, arrTime time.Time, depBody, arrBody bodies.ID) PorkchopCell {
	transfer, err := ComputeTransfer(depBody, arrBody, depTime, arrTime, 2)
	if err != nil {
		return PorkchopCell{DepartureTime: depTime, ArrivalTime: arrTime, Feasible: false}
	}
	return PorkchopCell{
		DepartureTime: depTime,
		ArrivalTime:   arrTime,
		C3:            transfer.C3,
		DeltaVTotal:   transfer.DeltaVTotal,
		Feasible:      true,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
