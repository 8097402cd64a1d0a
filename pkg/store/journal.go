package store

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
)

const journalBatch = 64

// Journal appends events to one run without blocking the caller. Events
// are queued on a bounded channel and written in batches by a single
// goroutine; when the queue is full the event is dropped and counted.
type Journal struct {
	store  JournalStore
	runID  string
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan model.Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewJournal starts a writer for runID with room for buffer queued events.
func NewJournal(s JournalStore, runID string, buffer int, logger *zap.Logger) *Journal {
	if buffer <= 0 {
		buffer = 1
	}
	j := &Journal{
		store:  s,
		runID:  runID,
		logger: logger.With(zap.String("component", "journal"), zap.String("run_id", runID)),
		queue:  make(chan model.Event, buffer),
		done:   make(chan struct{}),
	}
	go j.loop()
	return j
}

// RunID returns the run this journal writes to.
func (j *Journal) RunID() string { return j.runID }

// Record queues e. It never blocks.
func (j *Journal) Record(e model.Event) {
	e.RunID = j.runID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// SetStartTime records the agreed start time on the run.
func (j *Journal) SetStartTime(start int64) {
	if err := j.store.SetStartTime(j.runID, start); err != nil {
		j.logger.Warn("record start time", zap.Error(err))
	}
}

// SetStopTag records the granted stop tag on the run.
func (j *Journal) SetStopTag(t tag.Tag) {
	if err := j.store.SetStopTag(j.runID, t); err != nil {
		j.logger.Warn("record stop tag", zap.Error(err))
	}
}

// Close flushes queued events and stops the writer.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	<-j.done
	if n := j.Dropped(); n > 0 {
		j.logger.Warn("journal queue overflowed", zap.Int64("dropped", n))
	}
}

func (j *Journal) loop() {
	defer close(j.done)
	batch := make([]model.Event, 0, journalBatch)
	flush := func() {
		if err := j.store.InsertEvents(batch); err != nil {
			j.logger.Error("write journal batch", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	for e := range j.queue {
		batch = append(batch, e)
		// Take whatever is already queued before writing.
	drain:
		for len(batch) < journalBatch {
			select {
			case next, ok := <-j.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		flush()
	}
}
