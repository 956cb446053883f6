package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-batch/internal/batch"
)

const recorderBuffer = 256

type record struct {
	jobID     string
	itemCount int
	event     Event
}

// Recorder is a batch.Observer that writes lifecycle events to a Store on
// its own goroutine. Events that arrive while the buffer is full are dropped.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	queue  chan record
	once   sync.Once
	done   chan struct{}
	closed chan struct{}
	mu     sync.RWMutex
	stop   bool
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		log:    log.With(slog.String("component", "eventstore.recorder")),
		queue:  make(chan record, recorderBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go r.run()
	return r
}

type submittedPayload struct {
	Items []batch.Item `json:"items"`
}

type transitionPayload struct {
	From      batch.Status   `json:"from"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Failed    int            `json:"failed_items"`
	Failure   *batch.Failure `json:"failure,omitempty"`
}

func (r *Recorder) JobSubmitted(rec batch.JobRecord) {
	payload, _ := json.Marshal(submittedPayload{Items: rec.Items})
	r.enqueue(record{
		jobID:     rec.ID,
		itemCount: len(rec.Items),
		event: Event{
			JobID:     rec.ID,
			Type:      EventJobSubmitted,
			Status:    string(rec.Status),
			Payload:   payload,
			CreatedAt: rec.CreatedAt,
		},
	})
}

func (r *Recorder) JobTransitioned(prev, next batch.JobRecord) {
	kind := EventJobStatus
	if next.Abandoned() {
		kind = EventJobAbandoned
	}
	payload, _ := json.Marshal(transitionPayload{
		From:      prev.Status,
		Completed: next.Progress.Completed,
		Total:     next.Progress.Total,
		Failed:    next.FailedItems(),
		Failure:   next.Failure,
	})
	r.enqueue(record{
		jobID: next.ID,
		event: Event{
			JobID:   next.ID,
			Type:    kind,
			Status:  string(next.Status),
			Payload: payload,
		},
	})
}

func (r *Recorder) enqueue(rec record) {
	if !r.store.Enabled() {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stop {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.log.Warn("dropping job event, recorder queue full",
			slog.String("job_id", rec.jobID),
			slog.String("event", rec.event.Type))
	}
}

func (r *Recorder) run() {
	defer close(r.closed)
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rec.event.Type == EventJobSubmitted {
		if err := r.store.AppendJob(ctx, rec.jobID, rec.itemCount); err != nil {
			r.log.Warn("failed to record job", slog.String("job_id", rec.jobID), slog.String("error", err.Error()))
			return
		}
	}
	if err := r.store.AppendEvent(ctx, rec.event); err != nil {
		r.log.Warn("failed to record job event",
			slog.String("job_id", rec.jobID),
			slog.String("event", rec.event.Type),
			slog.String("error", err.Error()))
	}
}

// Close flushes queued events and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.stop = true
		r.mu.Unlock()
		close(r.done)
	})
	<-r.closed
}
