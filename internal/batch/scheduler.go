package batch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultMaxInFlight    = 4
	DefaultFailureCeiling = 5
	DefaultQueryTimeout   = 10 * time.Second
)

// SchedulerConfig bounds how often and how widely the scheduler polls.
type SchedulerConfig struct {
	// Interval between the end of one poll of a job and the start of the next.
	Interval time.Duration
	// MaxInFlight caps concurrent status queries across all jobs.
	MaxInFlight int
	// MaxBackoff caps the delay after consecutive failures.
	MaxBackoff time.Duration
	// FailureCeiling is the number of consecutive failed polls after which
	// tracking of a job is abandoned.
	FailureCeiling int
	QueryTimeout   time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = 12 * c.Interval
	}
	if c.FailureCeiling <= 0 {
		c.FailureCeiling = DefaultFailureCeiling
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// TransitionFunc observes a committed status change of a job.
type TransitionFunc func(prev, next JobRecord)

type pollEntry struct {
	id       string
	due      time.Time
	fifoKey  time.Time // last poll attempt, or submission time before the first
	failures int
	inFlight bool
}

type pollResult struct {
	id         string
	report     StatusReport
	err        error
	finishedAt time.Time
}

// Scheduler polls every active job with per-job cadence and backoff, at most
// MaxInFlight queries at a time, and merges results into the store. All
// store writes made by polling happen on the Run goroutine.
type Scheduler struct {
	cfg          SchedulerConfig
	client       StatusClient
	store        *Store
	log          *slog.Logger
	tracer       trace.Tracer
	metrics      *pollMetrics
	onTransition TransitionFunc
	now          func() time.Time

	mu       sync.Mutex
	active   map[string]*pollEntry
	inFlight int

	wake    chan struct{}
	results chan pollResult
	wg      sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, client StatusClient, store *Store, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		client:  client,
		store:   store,
		log:     logger.With(slog.String("component", "batch.scheduler")),
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
		active:  make(map[string]*pollEntry),
		wake:    make(chan struct{}, 1),
		results: make(chan pollResult),
	}
	return s
}

// instrument records poll metrics on meter. Call before Run.
func (s *Scheduler) instrument(meter metric.Meter) {
	metrics, err := newPollMetrics(meter)
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	s.metrics = metrics
}

// OnTransition installs fn as the transition observer. Call before Run.
func (s *Scheduler) OnTransition(fn TransitionFunc) {
	s.onTransition = fn
}

func (s *Scheduler) Config() SchedulerConfig { return s.cfg }

// Track adds a job to the active set. The first poll is due one interval
// after submittedAt.
func (s *Scheduler) Track(id string, submittedAt time.Time) {
	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		return
	}
	s.active[id] = &pollEntry{
		id:      id,
		due:     submittedAt.Add(s.cfg.Interval),
		fifoKey: submittedAt,
	}
	s.mu.Unlock()
	s.signal()
}

// Remove drops a job from the active set. A query already in flight for it
// completes and its result is discarded.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

func (s *Scheduler) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Run drives polling until ctx is done, then waits for in-flight queries.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		wait := s.dispatchDue(ctx)

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case res := <-s.results:
			s.handleResult(ctx, res)
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchDue starts queries for due jobs, oldest first, while slots are
// free. It returns the delay until the next job becomes due, or -1.
func (s *Scheduler) dispatchDue(ctx context.Context) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := time.Duration(-1)
	var due []*pollEntry
	for _, e := range s.active {
		if e.inFlight {
			continue
		}
		if !e.due.After(now) {
			due = append(due, e)
			continue
		}
		if d := e.due.Sub(now); next < 0 || d < next {
			next = d
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].fifoKey.Equal(due[j].fifoKey) {
			return due[i].fifoKey.Before(due[j].fifoKey)
		}
		return due[i].id < due[j].id
	})

	for _, e := range due {
		if s.inFlight >= s.cfg.MaxInFlight {
			break
		}
		e.inFlight = true
		s.inFlight++
		s.wg.Add(1)
		go s.poll(ctx, e.id)
	}
	return next
}

func (s *Scheduler) poll(ctx context.Context, id string) {
	defer s.wg.Done()
	res := s.query(ctx, id)
	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}

func (s *Scheduler) query(ctx context.Context, id string) pollResult {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	qctx, span := s.tracer.Start(qctx, "batch.query_status", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	s.metrics.started(ctx)
	start := time.Now()
	report, err := s.client.QueryStatus(qctx, id)
	outcome := "ok"
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			outcome = "not_found"
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(qctx.Err(), context.DeadlineExceeded):
			outcome = "timeout"
			err = TransportError(err)
		default:
			outcome = "transport"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.finished(ctx, outcome, time.Since(start))

	return pollResult{id: id, report: report, err: err, finishedAt: s.now()}
}

func (s *Scheduler) handleResult(ctx context.Context, res pollResult) {
	s.mu.Lock()
	s.inFlight--
	entry, ok := s.active[res.id]
	if ok {
		entry.inFlight = false
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("discarding result for untracked job", slog.String("job_id", res.id))
		return
	}

	if res.err == nil {
		next, err := s.commit(entry, func(rec JobRecord) JobRecord {
			return applyReport(rec, res.report, res.finishedAt)
		})
		if s.dropped(entry, err) {
			return
		}
		s.mu.Lock()
		if s.active[res.id] == entry {
			if next.Status.Terminal() {
				delete(s.active, res.id)
			} else {
				entry.failures = 0
				entry.fifoKey = res.finishedAt
				entry.due = res.finishedAt.Add(s.cfg.Interval)
			}
		}
		s.mu.Unlock()
		if next.Status.Terminal() {
			s.log.Info("job reached terminal state",
				slog.String("job_id", next.ID),
				slog.String("status", string(next.Status)),
				slog.Int("failed_items", next.FailedItems()))
		}
		return
	}

	failures := entry.failures + 1
	if failures >= s.cfg.FailureCeiling {
		_, err := s.commit(entry, func(rec JobRecord) JobRecord {
			return abandon(rec, failures, res.err)
		})
		if s.dropped(entry, err) {
			return
		}
		s.release(entry)
		s.metrics.abandon(ctx)
		s.log.Warn("abandoned job tracking",
			slog.String("job_id", res.id),
			slog.Int("consecutive_failures", failures),
			slogError(res.err))
		return
	}

	delay := s.backoff(failures)
	_, err := s.commit(entry, func(rec JobRecord) JobRecord {
		return recordFailure(rec, failures)
	})
	if s.dropped(entry, err) {
		return
	}
	s.mu.Lock()
	if s.active[res.id] == entry {
		entry.failures = failures
		entry.fifoKey = res.finishedAt
		entry.due = res.finishedAt.Add(delay)
	}
	s.mu.Unlock()
	s.log.Debug("status poll failed",
		slog.String("job_id", res.id),
		slog.Int("consecutive_failures", failures),
		slog.Duration("retry_in", delay),
		slogError(res.err))
}

// commit merges into the stored record only while entry is still the active
// poll entry of its job. A cancel or evict that wins the race leaves the
// store untouched.
func (s *Scheduler) commit(entry *pollEntry, merge func(JobRecord) JobRecord) (JobRecord, error) {
	prev, next, err := s.store.Update(entry.id, func(rec JobRecord) (JobRecord, bool) {
		if !s.owns(entry) {
			return rec, false
		}
		return merge(rec), true
	})
	if err != nil {
		return next, err
	}
	if s.onTransition != nil && prev.Status != next.Status {
		s.onTransition(prev, next)
	}
	return next, nil
}

// dropped reports whether a commit left nothing further to schedule.
func (s *Scheduler) dropped(entry *pollEntry, err error) bool {
	switch {
	case errors.Is(err, errNoRecord):
		s.release(entry)
		s.log.Debug("job evicted while polling", slog.String("job_id", entry.id))
		return true
	case errors.Is(err, errDeclined):
		s.log.Debug("discarding result for untracked job", slog.String("job_id", entry.id))
		return true
	}
	return false
}

func (s *Scheduler) owns(entry *pollEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[entry.id] == entry
}

// release drops entry from the active set unless it was already replaced.
func (s *Scheduler) release(entry *pollEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[entry.id] == entry {
		delete(s.active, entry.id)
	}
}

// backoff returns Interval * 2^failures, capped at MaxBackoff.
func (s *Scheduler) backoff(failures int) time.Duration {
	d := s.cfg.Interval
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
