package backendsim

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-batch/internal/protocol"
)

// FailMarker in an item's text makes the simulator fail that item.
const FailMarker = "[fail]"

var (
	ErrEmptyBatch = errors.New("batch has no items")
	ErrUnknownJob = errors.New("unknown job")
)

type simJob struct {
	id       string
	items    []protocol.BatchItem
	statuses []protocol.BatchItemStatus
	next     int
	polled   bool
}

// Simulator is an in-memory speech backend. Each status query advances the
// job by one item, so tests and demos see every intermediate state.
type Simulator struct {
	mu           sync.Mutex
	jobs         map[string]*simJob
	artifactBase string
	newID        func() string
}

func NewSimulator(artifactBase string) *Simulator {
	if artifactBase == "" {
		artifactBase = "/audio-output"
	}
	return &Simulator{
		jobs:         make(map[string]*simJob),
		artifactBase: strings.TrimRight(artifactBase, "/"),
		newID:        uuid.NewString,
	}
}

func (s *Simulator) Submit(items []protocol.BatchItem) (string, error) {
	if len(items) == 0 {
		return "", ErrEmptyBatch
	}
	job := &simJob{
		id:       s.newID(),
		items:    append([]protocol.BatchItem(nil), items...),
		statuses: make([]protocol.BatchItemStatus, len(items)),
	}
	for i, item := range items {
		id := item.ID
		if id == "" {
			id = fmt.Sprintf("item-%d", i+1)
		}
		job.statuses[i] = protocol.BatchItemStatus{ID: id, Status: protocol.ItemPending}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.id] = job
	return job.id, nil
}

// Status advances the job by one item and reports it. The first query only
// moves the job from submitted to processing.
func (s *Simulator) Status(jobID string) (protocol.BatchJobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return protocol.BatchJobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	if !job.polled {
		job.polled = true
		if len(job.items) > 0 {
			job.statuses[0].Status = protocol.ItemProcessing
		}
	} else if job.next < len(job.items) {
		s.finishItem(job, job.next)
		job.next++
		if job.next < len(job.items) {
			job.statuses[job.next].Status = protocol.ItemProcessing
		}
	}
	return s.snapshot(job), nil
}

func (s *Simulator) finishItem(job *simJob, i int) {
	item := job.items[i]
	st := &job.statuses[i]
	if strings.Contains(item.Text, FailMarker) {
		st.Status = protocol.ItemFailed
		st.Error = "synthesis failed"
		return
	}
	st.Status = protocol.ItemCompleted
	st.FileURL = fmt.Sprintf("%s/%s/%s.mp3", s.artifactBase, job.id, st.ID)
}

func (s *Simulator) snapshot(job *simJob) protocol.BatchJobStatus {
	out := protocol.BatchJobStatus{
		JobID:      job.id,
		TotalItems: len(job.items),
		Items:      append([]protocol.BatchItemStatus(nil), job.statuses...),
	}
	for _, st := range job.statuses {
		switch st.Status {
		case protocol.ItemCompleted:
			out.CompletedItems++
		case protocol.ItemFailed:
			out.FailedItems++
		}
	}
	done := out.CompletedItems + out.FailedItems
	switch {
	case !job.polled:
		out.Status = protocol.JobSubmitted
	case done < out.TotalItems:
		out.Status = protocol.JobProcessing
	case out.CompletedItems == 0:
		out.Status = protocol.JobFailed
	default:
		out.Status = protocol.JobCompleted
	}
	return out
}

// Forget drops a job, so later queries report it as unknown.
func (s *Simulator) Forget(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return false
	}
	delete(s.jobs, jobID)
	return true
}

func (s *Simulator) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
