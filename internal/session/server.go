package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/journal"
	"github.com/orbitengine/backend/internal/kepler"
	"github.com/orbitengine/backend/internal/logging"
	"github.com/orbitengine/backend/internal/observability"
	"github.com/orbitengine/backend/internal/orbiterr"
	"github.com/orbitengine/backend/internal/physics"
	"github.com/orbitengine/backend/internal/planner"
	"github.com/orbitengine/backend/internal/simulation"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	maxMessageBytes = 4096

	defaultTrajectorySamples  = 40
	defaultPorkchopResolution = 10

	// defaultPlannerRate/Burst throttle the two request kinds that spend
	// real CPU (a Lambert solve per porkchop cell, worker-pool fanned)
	// or grow the mission roster, per client IP.
	defaultPlannerRate  = 2 // requests/sec
	defaultPlannerBurst = 5
)

// Server exposes the engine's streaming and one-shot request/response
// surface over HTTP and WebSocket. It owns nothing about simulation
// state itself; every mutation is dispatched through the engine's
// command queue so ordering guarantees hold regardless of which
// transport a command arrived on.
type Server struct {
	engine    *simulation.Engine
	journal   *journal.Writer
	collector *observability.Collector
	log       logging.Logger
	upgrader  websocket.Upgrader

	plannerDeadline time.Duration
	egressCapacity  int
	plannerRate     rate.Limit
	plannerBurst    int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	nextSessionID uint64
	nextMissionID uint64
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithServerLogger attaches a structured logger; defaults to a no-op logger.
func WithServerLogger(l logging.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithMetricsCollector wires Prometheus counters into request handling
// and session lifecycle bookkeeping.
func WithMetricsCollector(c *observability.Collector) ServerOption {
	return func(s *Server) { s.collector = c }
}

// WithJournalWriter attaches a journal so every tick's snapshot is also
// durably logged, independent of any connected observers.
func WithJournalWriter(w *journal.Writer) ServerOption {
	return func(s *Server) { s.journal = w }
}

// WithPlannerDeadline overrides planner.DefaultPorkchopDeadline for grid
// requests handled by this server.
func WithPlannerDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.plannerDeadline = d
		}
	}
}

// WithEgressCapacity overrides DefaultEgressCapacity for new sessions.
func WithEgressCapacity(n int) ServerOption {
	return func(s *Server) { s.egressCapacity = n }
}

// WithPlannerRateLimit overrides the per-client-IP request rate applied
// to the porkchop and mission-launch routes, the two endpoints that
// spend real CPU or grow the mission roster on a client's behalf.
func WithPlannerRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.plannerRate = rate.Limit(rps)
		s.plannerBurst = burst
	}
}

// NewServer constructs a Server driving engine. It does not start the
// engine's tick loop; call engine.Run separately.
func NewServer(engine *simulation.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:          engine,
		log:             logging.Noop(),
		plannerDeadline: planner.DefaultPorkchopDeadline,
		egressCapacity:  DefaultEgressCapacity,
		plannerRate:     defaultPlannerRate,
		plannerBurst:    defaultPlannerBurst,
		limiters:        make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.journal != nil {
		engine.Subscribe(s.journal)
	}
	return s
}

// limiterFor returns the per-IP token bucket for addr, creating one on
// first use.
func (s *Server) limiterFor(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(s.plannerRate, s.plannerBurst)
		s.limiters[host] = l
	}
	return l
}

// rateLimited wraps next so a client exceeding plannerRate/plannerBurst
// gets a plain 429 instead of reaching the handler.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(r.RemoteAddr).Allow() {
			s.log.Warn(r.Context(), "session: rate limit exceeded",
				logging.String("remote_addr", r.RemoteAddr),
				logging.Float64("rate_per_sec", float64(s.plannerRate)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// Routes builds the HTTP handler for the entire session surface,
// wrapping every route in Prometheus middleware when a collector is
// configured.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	s.register(mux, "GET /", s.handleRoot)
	s.register(mux, "GET /health", s.handleHealth)
	s.register(mux, "GET /api/bodies/{id}", s.handleBodyInfo)
	s.register(mux, "POST /api/focus", s.handleFocus)
	s.register(mux, "POST /api/control/time", s.handleControlTime)
	s.register(mux, "POST /api/trajectory/calculate", s.handleComputeTransfer)
	s.register(mux, "POST /api/trajectory/porkchop", s.rateLimited(s.handlePorkchop))
	s.register(mux, "POST /api/mission/launch", s.rateLimited(s.handleLaunch))
	s.register(mux, "GET /ws/engine", s.handleWebSocket)
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}
	return mux
}

func (s *Server) register(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.collector != nil {
		handler = s.collector.Middleware(pattern, h)
	}
	mux.Handle(pattern, handler)
}

// ---- error and JSON helpers ----

type errorPayload struct {
	Error   orbiterr.Kind `json:"error"`
	Message string        `json:"message"`
}

func kindStatus(kind orbiterr.Kind) int {
	switch kind {
	case orbiterr.KindUnknownBody:
		return http.StatusNotFound
	case orbiterr.KindInvalidSpeed, orbiterr.KindInvalidTimeOfFlight, orbiterr.KindDegenerateGeometry,
		orbiterr.KindUnsupportedRevolutions, orbiterr.KindProtocolError:
		return http.StatusBadRequest
	case orbiterr.KindConvergenceFailure, orbiterr.KindNoFeasibleTransfers:
		return http.StatusUnprocessableEntity
	case orbiterr.KindQueueOverflow:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := orbiterr.Classify(err)
	s.log.Warn(context.Background(), "session: request failed", logging.String("kind", string(kind)), logging.String("error", err.Error()))
	writeJSON(w, kindStatus(kind), errorPayload{Error: kind, Message: err.Error()})
}

// decodeJSON decodes the request body into v. Unknown fields are
// tolerated rather than rejected: launchRequestWire in particular
// accepts either a bare TransferRequest or a full TransferResponse per
// the external interface's either/or LaunchRequest contract, and a
// strict decoder would have to enumerate every field of both shapes.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("session: decode request body: %w", orbiterr.ErrProtocolError)
	}
	return nil
}

// ---- plain HTTP handlers ----

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Orbit Engine API", "status": "running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"simulation_running": s.engine.Clock().IsPlaying(),
	})
}

// bodyInfoResponse is the wire shape for a focus/body-info query,
// combining C1's static attributes with C2's current state.
type bodyInfoResponse struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Kind              string     `json:"kind"`
	MuM3S2            float64    `json:"mu_m3_s2"`
	RadiusM           float64    `json:"radius_m"`
	SemiMajorAxisM    *float64   `json:"semi_major_axis_m,omitempty"`
	Eccentricity      *float64   `json:"eccentricity,omitempty"`
	OrbitalPeriodDays *float64   `json:"orbital_period_days,omitempty"`
	PositionAU        [3]float64 `json:"position_au"`
	VelocityMS        [3]float64 `json:"velocity_ms"`
}

func (s *Server) bodyInfo(id bodies.ID) (bodyInfoResponse, error) {
	b, err := bodies.Get(id)
	if err != nil {
		return bodyInfoResponse{}, err
	}
	t := kepler.SecondsSinceEpoch(s.engine.Clock().Now())
	r, v, err := kepler.Propagate(b, t)
	if err != nil {
		return bodyInfoResponse{}, err
	}
	resp := bodyInfoResponse{
		ID:         string(b.ID),
		Name:       b.Name,
		Kind:       b.Kind,
		MuM3S2:     b.Mu,
		RadiusM:    b.RadiusM,
		PositionAU: r.ToAU().Array(),
		VelocityMS: v.Array(),
	}
	if !b.IsSun() {
		sma := b.Elements.SemiMajorAxis
		ecc := b.Elements.Eccentricity
		days := b.Period().Hours() / 24
		resp.SemiMajorAxisM = &sma
		resp.Eccentricity = &ecc
		resp.OrbitalPeriodDays = &days
	}
	return resp, nil
}

func (s *Server) handleBodyInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.bodyInfo(bodies.ID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BodyName bodies.ID `json:"body_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.bodyInfo(req.BodyName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleControlTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string   `json:"action"`
		Speed  *float64 `json:"speed,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	switch req.Action {
	case "play":
		s.enqueueOrOverflow(r.Context(), func(e *simulation.Engine) { e.Play() })
		writeJSON(w, http.StatusOK, map[string]string{"status": "playing"})
	case "pause":
		s.enqueueOrOverflow(r.Context(), func(e *simulation.Engine) { e.Pause() })
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	case "set_speed":
		if req.Speed == nil || *req.Speed <= 0 {
			s.writeError(w, fmt.Errorf("session: set_speed requires speed > 0: %w", orbiterr.ErrInvalidSpeed))
			return
		}
		speed := *req.Speed
		s.enqueueOrOverflow(r.Context(), func(e *simulation.Engine) { _ = e.SetTimeScale(speed) })
		writeJSON(w, http.StatusOK, map[string]any{"status": "speed_set", "speed": speed})
	default:
		s.writeError(w, fmt.Errorf("session: unknown control action %q: %w", req.Action, orbiterr.ErrProtocolError))
	}
}

// enqueueOrOverflow submits fn to the engine's command queue.
// QueueOverflow is internal-only per the error taxonomy: a saturated
// queue is logged and counted, never surfaced to the caller, since a
// command queue backing up under normal use is the operator's problem
// to see on a dashboard, not the client's to handle.
func (s *Server) enqueueOrOverflow(ctx context.Context, fn func(*simulation.Engine)) {
	if err := s.engine.EnqueueCommand(fn); err != nil {
		s.log.Warn(ctx, "session: command queue overflow, dropping command")
		if s.collector != nil {
			s.collector.QueueOverflows.Inc()
		}
	}
}

// ---- planner request/response surface ----

type wireTrajPoint struct {
	T          float64    `json:"t"`
	PositionAU [3]float64 `json:"position_au"`
}

type transferRequestWire struct {
	Departure     bodies.ID `json:"departure"`
	Arrival       bodies.ID `json:"arrival"`
	DepartureDate time.Time `json:"departure_date"`
	ArrivalDate   time.Time `json:"arrival_date"`
}

type transferResponseWire struct {
	Departure     string          `json:"departure"`
	Arrival       string          `json:"arrival"`
	C3            float64         `json:"c3"`
	DeltaV        float64         `json:"delta_v"`
	TimeOfFlight  float64         `json:"time_of_flight"`
	DepartureDate time.Time       `json:"departure_date"`
	ArrivalDate   time.Time       `json:"arrival_date"`
	Trajectory    []wireTrajPoint `json:"trajectory"`
}

// encodeTransfer converts a planner.Transfer to its wire shape. C3 and
// delta-v cross from SI (m^2/s^2, m/s) to the km-scale units the
// external interface reports.
func encodeTransfer(dep, arr bodies.ID, t planner.Transfer) transferResponseWire {
	points := make([]wireTrajPoint, 0, len(t.Trajectory))
	for _, sample := range t.Trajectory {
		points = append(points, wireTrajPoint{
			T:          kepler.SecondsSinceEpoch(sample.Time),
			PositionAU: sample.Position.ToAU().Array(),
		})
	}
	return transferResponseWire{
		Departure:     string(dep),
		Arrival:       string(arr),
		C3:            t.C3 / 1e6,
		DeltaV:        t.DeltaVTotal / 1e3,
		TimeOfFlight:  t.ArrivalTime.Sub(t.DepartureTime).Hours() / 24,
		DepartureDate: t.DepartureTime,
		ArrivalDate:   t.ArrivalTime,
		Trajectory:    points,
	}
}

func (s *Server) handleComputeTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequestWire
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	transfer, err := planner.ComputeTransfer(req.Departure, req.Arrival, req.DepartureDate, req.ArrivalDate, defaultTrajectorySamples)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeTransfer(req.Departure, req.Arrival, transfer))
}

type porkchopRequestWire struct {
	Departure      bodies.ID `json:"departure"`
	Arrival        bodies.ID `json:"arrival"`
	DepartureStart time.Time `json:"departure_start"`
	DepartureEnd   time.Time `json:"departure_end"`
	ArrivalStart   time.Time `json:"arrival_start"`
	ArrivalEnd     time.Time `json:"arrival_end"`
	Grid           [2]int    `json:"grid"`
}

// porkchopBestWire highlights the minimum-delta-v feasible cell in the
// grid, sparing a client from having to scan c3/delta_v itself to find
// the launch window a porkchop plot is meant to reveal.
type porkchopBestWire struct {
	DepartureDate time.Time `json:"departure_date"`
	ArrivalDate   time.Time `json:"arrival_date"`
	DeltaV        float64   `json:"delta_v"`
}

type porkchopResponseWire struct {
	DepartureDates []time.Time       `json:"departure_dates"`
	ArrivalDates   []time.Time       `json:"arrival_dates"`
	C3             [][]*float64      `json:"c3"`
	DeltaV         [][]*float64      `json:"delta_v"`
	TimeOfFlight   [][]*float64      `json:"time_of_flight"`
	Partial        bool              `json:"partial"`
	// Reason names why Partial is true. It is still a 200: a partial
	// sweep is a usable result, not a failure, so this is informational
	// rather than routed through writeError/kindStatus.
	Reason *orbiterr.Kind    `json:"reason,omitempty"`
	Best   *porkchopBestWire `json:"best,omitempty"`
}

func (s *Server) handlePorkchop(w http.ResponseWriter, r *http.Request) {
	var req porkchopRequestWire
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	// The external contract allows an independent n x m grid; the
	// planner's worker pool evaluates a square grid, so an asymmetric
	// request is widened to the larger axis rather than silently
	// cropped.
	resolution := defaultPorkchopResolution
	if req.Grid[0] > 0 || req.Grid[1] > 0 {
		resolution = req.Grid[0]
		if req.Grid[1] > resolution {
			resolution = req.Grid[1]
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.plannerDeadline)
	defer cancel()
	result, err := planner.Porkchop(ctx, planner.PorkchopRequest{
		DepartureBody:  req.Departure,
		ArrivalBody:    req.Arrival,
		DepartureStart: req.DepartureStart,
		DepartureEnd:   req.DepartureEnd,
		ArrivalStart:   req.ArrivalStart,
		ArrivalEnd:     req.ArrivalEnd,
		Resolution:     resolution,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodePorkchop(req, resolution, result))
}

func encodePorkchop(req porkchopRequestWire, resolution int, res planner.PorkchopResult) porkchopResponseWire {
	steps := resolution - 1
	if steps < 1 {
		steps = 1
	}
	depStep := req.DepartureEnd.Sub(req.DepartureStart) / time.Duration(steps)
	arrStep := req.ArrivalEnd.Sub(req.ArrivalStart) / time.Duration(steps)

	depDates := make([]time.Time, resolution)
	arrDates := make([]time.Time, resolution)
	for i := 0; i < resolution; i++ {
		depDates[i] = req.DepartureStart.Add(time.Duration(i) * depStep)
		arrDates[i] = req.ArrivalStart.Add(time.Duration(i) * arrStep)
	}

	c3 := make([][]*float64, len(res.Cells))
	dv := make([][]*float64, len(res.Cells))
	tof := make([][]*float64, len(res.Cells))
	for i, row := range res.Cells {
		c3Row := make([]*float64, len(row))
		dvRow := make([]*float64, len(row))
		tofRow := make([]*float64, len(row))
		for j, cell := range row {
			if !cell.Feasible {
				continue
			}
			c3v := cell.C3 / 1e6
			dvv := cell.DeltaVTotal / 1e3
			tofv := cell.ArrivalTime.Sub(cell.DepartureTime).Hours() / 24
			c3Row[j], dvRow[j], tofRow[j] = &c3v, &dvv, &tofv
		}
		c3[i], dv[i], tof[i] = c3Row, dvRow, tofRow
	}

	resp := porkchopResponseWire{
		DepartureDates: depDates,
		ArrivalDates:   arrDates,
		C3:             c3,
		DeltaV:         dv,
		TimeOfFlight:   tof,
		Partial:        res.Truncated,
	}
	if res.Truncated {
		reason := orbiterr.KindPlannerDeadlineExceeded
		resp.Reason = &reason
	}
	if res.BestFound && res.BestDepartureIdx < len(depDates) && res.BestArrivalIdx < len(arrDates) {
		resp.Best = &porkchopBestWire{
			DepartureDate: depDates[res.BestDepartureIdx],
			ArrivalDate:   arrDates[res.BestArrivalIdx],
			DeltaV:        res.Cells[res.BestDepartureIdx][res.BestArrivalIdx].DeltaVTotal / 1e3,
		}
	}
	return resp
}

// ---- mission launch ----

// launchRequestWire accepts either a bare TransferRequest (server
// recomputes the Lambert solve) or a previously computed
// transferResponseWire (server trusts the supplied numbers and only
// revalidates the body ids), matching the external interface's
// either/or LaunchRequest contract.
type launchRequestWire struct {
	Departure     bodies.ID       `json:"departure"`
	Arrival       bodies.ID       `json:"arrival"`
	DepartureDate time.Time       `json:"departure_date"`
	ArrivalDate   time.Time       `json:"arrival_date"`
	C3            *float64        `json:"c3,omitempty"`
	DeltaV        *float64        `json:"delta_v,omitempty"`
	Trajectory    []wireTrajPoint `json:"trajectory,omitempty"`
}

type launchResponseWire struct {
	ID            string    `json:"id"`
	Departure     string    `json:"departure"`
	Arrival       string    `json:"arrival"`
	DepartureDate time.Time `json:"departure_date"`
	ArrivalDate   time.Time `json:"arrival_date"`
	Status        string    `json:"status"`
	Progress      float64   `json:"progress"`
	DeltaV        float64   `json:"delta_v"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequestWire
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := bodies.Get(req.Departure); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := bodies.Get(req.Arrival); err != nil {
		s.writeError(w, err)
		return
	}

	var (
		deltaV        float64
		trajectory    []physics.Vector
		departureTime = req.DepartureDate
		arrivalTime   = req.ArrivalDate
		departureR    physics.Vector
		departureV    physics.Vector // left zero when trusting a client-supplied transfer; see Mission.PositionAt
	)
	if req.C3 != nil && req.DeltaV != nil && len(req.Trajectory) > 1 {
		deltaV = *req.DeltaV * 1e3
		trajectory = make([]physics.Vector, 0, len(req.Trajectory))
		for _, p := range req.Trajectory {
			trajectory = append(trajectory, physics.Vector{
				X: p.PositionAU[0] * physics.AU,
				Y: p.PositionAU[1] * physics.AU,
				Z: p.PositionAU[2] * physics.AU,
			})
		}
	} else {
		transfer, err := planner.ComputeTransfer(req.Departure, req.Arrival, req.DepartureDate, req.ArrivalDate, defaultTrajectorySamples)
		if err != nil {
			s.writeError(w, err)
			return
		}
		deltaV = transfer.DeltaVTotal
		departureTime, arrivalTime = transfer.DepartureTime, transfer.ArrivalTime
		departureR, departureV = transfer.DepartureR, transfer.DepartureV
		trajectory = make([]physics.Vector, 0, len(transfer.Trajectory))
		for _, sample := range transfer.Trajectory {
			trajectory = append(trajectory, sample.Position)
		}
	}

	id := fmt.Sprintf("mission-%d", atomic.AddUint64(&s.nextMissionID, 1))
	mission := simulation.Mission{
		ID:            id,
		Name:          fmt.Sprintf("%s to %s", req.Departure, req.Arrival),
		DepartureBody: req.Departure,
		ArrivalBody:   req.Arrival,
		DepartureTime: departureTime,
		ArrivalTime:   arrivalTime,
		DeltaV:        deltaV,
		Trajectory:    trajectory,
		DepartureR:    departureR,
		DepartureV:    departureV,
	}

	s.enqueueOrOverflow(r.Context(), func(e *simulation.Engine) { e.LaunchMission(mission) })

	writeJSON(w, http.StatusOK, launchResponseWire{
		ID:            mission.ID,
		Departure:     string(mission.DepartureBody),
		Arrival:       string(mission.ArrivalBody),
		DepartureDate: mission.DepartureTime,
		ArrivalDate:   mission.ArrivalTime,
		Status:        string(simulation.MissionPending),
		Progress:      0,
		DeltaV:        mission.DeltaV / 1e3,
	})
}

// ---- WebSocket streaming surface ----

// wsMessage is the envelope every server-to-client WebSocket frame uses,
// matching the {type, data|message} shape the observer-facing surface
// speaks.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "session: websocket upgrade failed", logging.String("error", err.Error()))
		return
	}

	id := fmt.Sprintf("session-%d", atomic.AddUint64(&s.nextSessionID, 1))
	ctx, sessLog := logging.WithSessionLogger(r.Context(), s.log, id)
	ctx, span := observability.StartSessionSpan(ctx, id)
	defer span.End()
	sess := NewSession(id, s.egressCapacity, s.onDrop)

	s.engine.Subscribe(sess)
	if s.collector != nil {
		s.collector.ActiveSessions.Inc()
	}
	sessLog.Info(ctx, "session: connected")

	// outbound is the only path either readPump or applyCommand may use
	// to put a frame on the wire: conn has exactly one writer,
	// writePump, satisfying gorilla/websocket's single-writer contract.
	// It is closed only after readPump has returned, so nothing sends on
	// it concurrently with the close.
	outbound := make(chan wsMessage, outboundQueueCapacity)
	go s.writePump(conn, sess, outbound)
	s.readPump(ctx, conn, sess, outbound) // blocks until the connection closes
	close(outbound)

	s.engine.Unsubscribe(sess)
	if s.collector != nil {
		s.collector.ActiveSessions.Dec()
	}
	conn.Close()
	sessLog.Info(ctx, "session: disconnected", logging.Int("dropped", int(sess.Dropped())))
}

func (s *Server) onDrop() {
	if s.collector != nil {
		s.collector.DroppedSnapshots.Inc()
	}
}

// outboundQueueCapacity bounds the number of control-reply frames
// (status/error/body_info) that can be queued for writePump before
// readPump's send blocks. Control replies are one-per-inbound-command,
// so this only matters if writePump has stalled or exited.
const outboundQueueCapacity = 8

// send queues msg for writePump to write, dropping it if outbound is
// full rather than blocking readPump indefinitely — a full queue means
// writePump has stalled or the connection is already on its way down,
// and conn.ReadMessage will surface that on its own.
func send(outbound chan<- wsMessage, msg wsMessage) {
	select {
	case outbound <- msg:
	default:
	}
}

// readPump is the sole reader of conn; it parses inbound Commands and
// applies subscribe/unsubscribe/focus locally or forwards
// play/pause/set_speed to the engine's command queue. A malformed
// message is a ProtocolError, which per the error taxonomy terminates
// the session rather than being tolerated. Every reply this goroutine
// produces is queued on outbound rather than written to conn directly,
// since writePump is conn's only writer.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *Session, outbound chan<- wsMessage) {
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.log.Warn(ctx, "session: protocol error, closing", logging.String("session_id", logging.SessionIDFromContext(ctx)), logging.String("error", err.Error()))
			send(outbound, wsMessage{Type: "error", Message: string(orbiterr.KindProtocolError)})
			return
		}
		s.applyCommand(ctx, sess, cmd, outbound)
	}
}

func (s *Server) applyCommand(ctx context.Context, sess *Session, cmd Command, outbound chan<- wsMessage) {
	switch cmd.Kind {
	case CommandSubscribe:
		sess.Subscribe()
	case CommandUnsubscribe:
		sess.Unsubscribe()
	case CommandFocus:
		sess.SetFocus(cmd.Body)
		info, err := s.bodyInfo(cmd.Body)
		if err != nil {
			send(outbound, wsMessage{Type: "error", Message: err.Error()})
			return
		}
		send(outbound, wsMessage{Type: "body_info", Data: info})
	case CommandControl:
		switch cmd.Action {
		case ActionPlay:
			s.enqueueOrOverflow(ctx, func(e *simulation.Engine) { e.Play() })
			send(outbound, wsMessage{Type: "status", Message: "playing"})
		case ActionPause:
			s.enqueueOrOverflow(ctx, func(e *simulation.Engine) { e.Pause() })
			send(outbound, wsMessage{Type: "status", Message: "paused"})
		case ActionSetSpeed:
			if cmd.Speed <= 0 {
				send(outbound, wsMessage{Type: "error", Message: string(orbiterr.KindInvalidSpeed)})
				return
			}
			speed := cmd.Speed
			s.enqueueOrOverflow(ctx, func(e *simulation.Engine) { _ = e.SetTimeScale(speed) })
			send(outbound, wsMessage{Type: "status", Message: fmt.Sprintf("speed set to %gx", speed)})
		default:
			send(outbound, wsMessage{Type: "error", Message: string(orbiterr.KindProtocolError)})
		}
	default:
		send(outbound, wsMessage{Type: "error", Message: string(orbiterr.KindProtocolError)})
	}
}

// writePump is the sole writer of conn: every outbound frame, whether a
// ticked state_update, a ping, or a control reply from readPump, is
// written from this one goroutine, satisfying gorilla/websocket's
// single-concurrent-writer requirement. It returns once outbound is
// closed and fully drained, which handleWebSocket only does after
// readPump itself has returned.
func (s *Server) writePump(conn *websocket.Conn, sess *Session, outbound <-chan wsMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case snap := <-sess.Egress():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsMessage{Type: "state_update", Data: EncodeSnapshot(snap, bodies.Epoch)}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
