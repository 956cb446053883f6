package batch

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Listener receives the full job list, newest first, after every change.
type Listener func([]JobRecord)

// Store is the authoritative in-memory set of tracked jobs. Records are
// replaced whole and handed out as copies; writes are serialized.
type Store struct {
	writeMu sync.Mutex // serializes mutate + notify
	mu      sync.RWMutex
	jobs    map[string]JobRecord
	order   []string // insertion order

	subMu     sync.Mutex
	listeners map[int]Listener
	nextSub   int

	log *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{
		jobs:      make(map[string]JobRecord),
		listeners: make(map[int]Listener),
		log:       logger.With(slog.String("component", "batch.store")),
	}
}

var (
	errNoRecord = errors.New("job not in store")
	errDeclined = errors.New("update declined")
	errRejected = errors.New("update rejected")
)

// Upsert inserts rec or replaces the stored record with the same ID. A write
// that would lower Progress.Completed, or move a terminal job to another
// status, is dropped and Upsert returns false.
func (s *Store) Upsert(rec JobRecord) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	current, exists := s.jobs[rec.ID]
	if exists && !s.admit(current, rec) {
		s.mu.Unlock()
		return false
	}
	if !exists {
		s.order = append(s.order, rec.ID)
	}
	s.jobs[rec.ID] = rec.Clone()
	snapshot := s.listLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// Update replaces the stored record id with the result of fn. It never
// inserts: an absent id yields errNoRecord, and fn returning false yields
// errDeclined. The Upsert guards apply to the new record. fn runs with
// writes serialized, so nothing can delete id between its read and the write.
func (s *Store) Update(id string, fn func(JobRecord) (JobRecord, bool)) (prev, next JobRecord, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	current, exists := s.jobs[id]
	s.mu.RUnlock()
	if !exists {
		return JobRecord{}, JobRecord{}, errNoRecord
	}
	prev = current.Clone()

	next, ok := fn(current.Clone())
	if !ok {
		return prev, prev, errDeclined
	}
	next.ID = id

	s.mu.Lock()
	if !s.admit(current, next) {
		s.mu.Unlock()
		return prev, next, errRejected
	}
	s.jobs[id] = next.Clone()
	snapshot := s.listLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return prev, next, nil
}

// admit applies the monotonic guards to a replacement of current.
func (s *Store) admit(current, rec JobRecord) bool {
	if rec.Progress.Completed < current.Progress.Completed {
		s.log.Warn("rejected regressing job update",
			slog.String("job_id", rec.ID),
			slog.Int("stored_completed", current.Progress.Completed),
			slog.Int("incoming_completed", rec.Progress.Completed))
		return false
	}
	if current.Status.Terminal() && rec.Status != current.Status {
		s.log.Warn("rejected transition out of terminal state",
			slog.String("job_id", rec.ID),
			slog.String("stored_status", string(current.Status)),
			slog.String("incoming_status", string(rec.Status)))
		return false
	}
	return true
}

// Delete evicts a job. It reports whether the job was present.
func (s *Store) Delete(id string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.jobs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	snapshot := s.listLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

func (s *Store) Get(id string) (JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return JobRecord{}, false
	}
	return rec.Clone(), true
}

// List returns every job, newest first.
func (s *Store) List() []JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Subscribe registers fn and returns a function that removes it. Listeners
// run on the writer's goroutine and must not write to the store.
func (s *Store) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.listeners, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) listLocked() []JobRecord {
	position := make(map[string]int, len(s.order))
	for i, id := range s.order {
		position[id] = i
	}
	out := make([]JobRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return position[out[i].ID] > position[out[j].ID]
	})
	return out
}

func (s *Store) notify(snapshot []JobRecord) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		fn(cloneAll(snapshot))
	}
}

func cloneAll(records []JobRecord) []JobRecord {
	out := make([]JobRecord, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}
