package batch

import "time"

// Status is the client-side lifecycle state of a tracked batch job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome is the per-item result state.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// FailureKind separates a job the backend failed from a job we stopped checking.
type FailureKind string

const (
	FailureBackend           FailureKind = "backend_failed"
	FailureTrackingAbandoned FailureKind = "tracking_abandoned"
)

// Voice selects a speaker for an item.
type Voice struct {
	Gender  string `json:"gender" yaml:"gender"`
	Dialect string `json:"dialect,omitempty" yaml:"dialect,omitempty"`
}

// Item is one unit of text to synthesize.
type Item struct {
	ID       string `json:"id" yaml:"id"`
	Text     string `json:"text" yaml:"text"`
	Language string `json:"language" yaml:"language"`
	Voice    *Voice `json:"voice,omitempty" yaml:"voice,omitempty"`
}

// ItemResult holds the outcome of one item. ArtifactRef is set for
// succeeded items, Reason for failed ones.
type ItemResult struct {
	Outcome     Outcome `json:"outcome"`
	ArtifactRef string  `json:"artifact_ref,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

func Pending() ItemResult { return ItemResult{Outcome: OutcomePending} }

func Succeeded(artifactRef string) ItemResult {
	return ItemResult{Outcome: OutcomeSucceeded, ArtifactRef: artifactRef}
}

func Failed(reason string) ItemResult {
	return ItemResult{Outcome: OutcomeFailed, Reason: reason}
}

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type Failure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

// JobRecord is the tracker's view of one submitted batch.
type JobRecord struct {
	ID                  string       `json:"id"`
	Items               []Item       `json:"items"`
	Status              Status       `json:"status"`
	Progress            Progress     `json:"progress"`
	Results             []ItemResult `json:"results"`
	CreatedAt           time.Time    `json:"created_at"`
	LastPolledAt        *time.Time   `json:"last_polled_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Failure             *Failure     `json:"failure,omitempty"`
}

func newRecord(items []Item, createdAt time.Time) JobRecord {
	results := make([]ItemResult, len(items))
	for i := range results {
		results[i] = Pending()
	}
	return JobRecord{
		Items:     append([]Item(nil), items...),
		Status:    StatusQueued,
		Progress:  Progress{Completed: 0, Total: len(items)},
		Results:   results,
		CreatedAt: createdAt,
	}
}

// Clone returns a deep copy of r.
func (r JobRecord) Clone() JobRecord {
	out := r
	if r.Items != nil {
		out.Items = make([]Item, len(r.Items))
		for i, item := range r.Items {
			if item.Voice != nil {
				v := *item.Voice
				item.Voice = &v
			}
			out.Items[i] = item
		}
	}
	if r.Results != nil {
		out.Results = append([]ItemResult(nil), r.Results...)
	}
	if r.LastPolledAt != nil {
		ts := *r.LastPolledAt
		out.LastPolledAt = &ts
	}
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	return out
}

// Artifacts returns the artifact references of succeeded items, by item index.
func (r JobRecord) Artifacts() map[int]string {
	refs := make(map[int]string)
	for i, res := range r.Results {
		if res.Outcome == OutcomeSucceeded {
			refs[i] = res.ArtifactRef
		}
	}
	return refs
}

// FailedItems counts items whose outcome is failed.
func (r JobRecord) FailedItems() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

func (r JobRecord) Abandoned() bool {
	return r.Failure != nil && r.Failure.Kind == FailureTrackingAbandoned
}
