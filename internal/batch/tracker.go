package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Observer receives lifecycle notifications for auditing. Methods are called
// synchronously and must not block.
type Observer interface {
	JobSubmitted(rec JobRecord)
	JobTransitioned(prev, next JobRecord)
}

// Tracker submits batches and keeps them fresh until they are terminal.
type Tracker struct {
	client   StatusClient
	store    *Store
	sched    *Scheduler
	log      *slog.Logger
	observer Observer
	meters   metric.MeterProvider
	now      func() time.Time

	submitMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type Option func(*Tracker)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// WithMeterProvider records poll and job metrics on mp instead of the global
// provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(t *Tracker) { t.meters = mp }
}

func NewTracker(client StatusClient, cfg SchedulerConfig, logger *slog.Logger, opts ...Option) *Tracker {
	store := NewStore(logger)
	t := &Tracker{
		client: client,
		store:  store,
		sched:  NewScheduler(cfg, client, store, logger),
		log:    logger.With(slog.String("component", "batch.tracker")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sched.OnTransition(t.transitioned)
	meter := meterFrom(t.meters)
	t.sched.instrument(meter)
	if err := registerJobGauge(meter, store); err != nil {
		t.log.Warn("failed to register job gauge", slogError(err))
	}
	return t
}

// Start runs the poll scheduler in the background until ctx is done or
// Close is called.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.started {
		return
	}
	t.started = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		t.sched.Run(ctx)
	}()
}

// Close stops polling and waits for in-flight queries to finish.
func (t *Tracker) Close() {
	t.runMu.Lock()
	cancel, done := t.cancel, t.done
	t.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SubmitBatch validates items, submits them as one job and starts tracking
// it. Any failure is a *SubmissionError and leaves nothing in the store.
func (t *Tracker) SubmitBatch(ctx context.Context, items []Item) (string, error) {
	prepared, err := prepareItems(items)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}

	provisional := newRecord(prepared, t.now().UTC())

	id, err := t.client.Submit(ctx, provisional.Items)
	if err != nil {
		t.log.Warn("batch submission failed", slog.Int("items", len(prepared)), slogError(err))
		return "", &SubmissionError{Err: err}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &SubmissionError{Err: fmt.Errorf("%w: backend returned empty job id", ErrTransport)}
	}

	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	if _, exists := t.store.Get(id); exists {
		return "", &SubmissionError{Err: fmt.Errorf("%w: %s", ErrDuplicateID, id)}
	}
	provisional.ID = id
	t.store.Upsert(provisional)
	t.sched.Track(id, provisional.CreatedAt)

	t.log.Info("batch submitted", slog.String("job_id", id), slog.Int("items", len(prepared)))
	if t.observer != nil {
		t.observer.JobSubmitted(provisional.Clone())
	}
	return id, nil
}

// TrackedJobs returns every job in the store, newest first.
func (t *Tracker) TrackedJobs() []JobRecord {
	return t.store.List()
}

func (t *Tracker) Job(id string) (JobRecord, bool) {
	return t.store.Get(id)
}

// CancelTracking stops polling id without touching backend state. The job
// stays visible until evicted.
func (t *Tracker) CancelTracking(id string) bool {
	removed := t.sched.Remove(id)
	if removed {
		t.log.Info("tracking cancelled", slog.String("job_id", id))
	}
	return removed
}

// Evict stops tracking id and removes it from the store.
func (t *Tracker) Evict(id string) bool {
	t.sched.Remove(id)
	return t.store.Delete(id)
}

// Polling reports whether id is still in the scheduler's active set.
func (t *Tracker) Polling(id string) bool {
	return t.sched.Active(id)
}

// Subscribe registers fn for store changes and returns the unsubscribe func.
func (t *Tracker) Subscribe(fn Listener) func() {
	return t.store.Subscribe(fn)
}

func (t *Tracker) transitioned(prev, next JobRecord) {
	if t.observer != nil {
		t.observer.JobTransitioned(prev, next)
	}
}

func prepareItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	out := make([]Item, len(items))
	seen := make(map[string]struct{}, len(items))
	var errs []error
	for i, item := range items {
		item.Text = strings.TrimSpace(item.Text)
		item.Language = strings.TrimSpace(item.Language)
		item.ID = strings.TrimSpace(item.ID)
		if item.Text == "" {
			errs = append(errs, fmt.Errorf("%w: item %d has no text", ErrInvalidItem, i+1))
		}
		if item.Language == "" {
			errs = append(errs, fmt.Errorf("%w: item %d has no language", ErrInvalidItem, i+1))
		}
		if item.ID == "" {
			item.ID = fmt.Sprintf("item-%d", i+1)
		}
		if _, dup := seen[item.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: item id %q repeated", ErrInvalidItem, item.ID))
		}
		seen[item.ID] = struct{}{}
		if item.Voice != nil {
			v := *item.Voice
			item.Voice = &v
		}
		out[i] = item
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
