// Package journal batches per-tick simulation records and flushes them
// to numbered files on a background goroutine, so the simulation tick
// loop never blocks on disk I/O.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orbitengine/backend/internal/logging"
	"github.com/orbitengine/backend/internal/simulation"
)

// DefaultBatchSize is the number of records buffered before a flush,
// matching the original engine's batching threshold.
const DefaultBatchSize = 10000

// DefaultQueueCapacity bounds the channel between tick producers and
// the writer goroutine.
const DefaultQueueCapacity = 4 * DefaultBatchSize

// BodyRecord is one body's state within a Record.
type BodyRecord struct {
	PositionM  [3]float64 `json:"r_m"`
	PositionAU [3]float64 `json:"r_au"`
	VelocityMS [3]float64 `json:"v_ms"`
}

// Record is one tick's worth of journaled state.
type Record struct {
	Tick      uint64                `json:"tick"`
	SimTime   time.Time             `json:"sim_time"`
	WallTime  time.Time             `json:"wall_time"`
	TimeScale float64               `json:"time_scale"`
	Bodies    map[string]BodyRecord `json:"bodies"`
}

// Metadata is the header written at the top of every batch file.
type Metadata struct {
	TotalTimesteps int       `json:"total_timesteps"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Epoch          time.Time `json:"epoch"`
	FileNumber     int       `json:"file_number"`
}

// batchFile is the on-disk shape of one journal file.
type batchFile struct {
	Metadata Metadata `json:"metadata"`
	Data     []Record `json:"data"`
}

// Writer accepts Records from the tick loop over a bounded channel and
// flushes them in batches from a single background goroutine. The zero
// value is not usable; construct with New.
type Writer struct {
	dir       string
	epoch     time.Time
	batchSize int

	queue chan Record
	log   logging.Logger

	dropped    uint64
	droppedMu  sync.Mutex
	fileNumber int
	onFlush    func()

	wg   sync.WaitGroup
	done chan struct{}
}

// Option configures a Writer.
type Option func(*Writer)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithQueueCapacity overrides the channel capacity between producers
// and the writer goroutine.
func WithQueueCapacity(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan Record, n)
		}
	}
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(w *Writer) { w.log = l }
}

// WithOnFlush registers a callback invoked (outside any lock) after
// every successful batch flush, for metric bookkeeping.
func WithOnFlush(fn func()) Option {
	return func(w *Writer) { w.onFlush = fn }
}

// New constructs a Writer that flushes batches into dir, creating it if
// it does not exist. Call Run in a goroutine to start the background
// flush loop; cancelling Run's context flushes the final partial batch,
// and Wait blocks until that flush has completed.
func New(dir string, epoch time.Time, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory %s: %w", dir, err)
	}
	w := &Writer{
		dir:       dir,
		epoch:     epoch,
		batchSize: DefaultBatchSize,
		queue:     make(chan Record, DefaultQueueCapacity),
		log:       logging.Noop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Enqueue submits a record for journaling. If the queue is full the
// oldest queued record is dropped to make room, and the drop is
// counted; the tick loop never blocks on Enqueue.
func (w *Writer) Enqueue(rec Record) {
	select {
	case w.queue <- rec:
		return
	default:
	}
	// Queue full: drop the oldest record and retry once.
	select {
	case <-w.queue:
		w.droppedMu.Lock()
		w.dropped++
		w.droppedMu.Unlock()
	default:
	}
	select {
	case w.queue <- rec:
	default:
		// Another producer raced us and refilled the slot; drop this
		// record instead rather than blocking.
		w.droppedMu.Lock()
		w.dropped++
		w.droppedMu.Unlock()
	}
}

// Publish implements simulation.Subscriber, converting a tick's
// Snapshot into a Record and enqueueing it. Wiring a Writer directly
// into Engine.Subscribe gives every tick a durable record independent
// of whether any observer session is connected.
func (w *Writer) Publish(snap simulation.Snapshot) {
	rec := Record{
		Tick:      snap.TickCount,
		SimTime:   snap.SimTime,
		WallTime:  time.Now(),
		TimeScale: snap.TimeScale,
		Bodies:    make(map[string]BodyRecord, len(snap.Bodies)),
	}
	for _, b := range snap.Bodies {
		rec.Bodies[string(b.ID)] = BodyRecord{
			PositionM:  b.Position.Array(),
			PositionAU: b.Position.ToAU().Array(),
			VelocityMS: b.Velocity.Array(),
		}
	}
	w.Enqueue(rec)
}

// Dropped returns the number of records dropped due to queue overflow.
func (w *Writer) Dropped() uint64 {
	w.droppedMu.Lock()
	defer w.droppedMu.Unlock()
	return w.dropped
}

// Run consumes queued records and flushes them in batches until ctx is
// cancelled, at which point the final partial batch is flushed before
// Run returns.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	batch := make([]Record, 0, w.batchSize)
	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = make([]Record, 0, w.batchSize)
			}
		case <-ctx.Done():
			// Drain whatever is already queued before writing the final
			// batch, since Enqueue may have raced the cancellation.
			draining := true
			for draining {
				select {
				case rec := <-w.queue:
					batch = append(batch, rec)
				default:
					draining = false
				}
			}
			if len(batch) > 0 {
				w.flush(ctx, batch)
			}
			return
		}
	}
}

// Wait blocks until Run has returned and the final flush has completed.
func (w *Writer) Wait() {
	<-w.done
}

func (w *Writer) flush(ctx context.Context, batch []Record) {
	if len(batch) == 0 {
		return
	}
	w.fileNumber++
	meta := Metadata{
		TotalTimesteps: len(batch),
		StartTime:      batch[0].SimTime,
		EndTime:        batch[len(batch)-1].SimTime,
		Epoch:          w.epoch,
		FileNumber:     w.fileNumber,
	}
	payload := batchFile{Metadata: meta, Data: batch}

	name := filepath.Join(w.dir, fmt.Sprintf("journal-%06d.json", w.fileNumber))
	f, err := os.Create(name)
	if err != nil {
		w.log.Error(ctx, "journal: create file failed", logging.String("file", name), logging.String("error", err.Error()))
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(payload); err != nil {
		w.log.Error(ctx, "journal: encode batch failed", logging.String("file", name), logging.String("error", err.Error()))
		return
	}
	w.log.Info(ctx, "journal: flushed batch", logging.String("file", name), logging.Int("records", len(batch)))
	if w.onFlush != nil {
		w.onFlush()
	}
}
