package protocol

import "time"

const (
	SubjectBatchSubmit = "tts.batch.submit"
	SubjectBatchCancel = "tts.batch.cancel"
	SubjectBatchEvict  = "tts.batch.evict"
	SubjectBatchList   = "tts.batch.list"
	SubjectBatchJobs   = "tts.batch.jobs"
)

// SubmitRequest asks the gateway to submit a batch. Replies carry a SubmitReply.
type SubmitRequest struct {
	RequestID string      `json:"request_id,omitempty"`
	Items     []BatchItem `json:"items"`
}

type SubmitReply struct {
	RequestID string `json:"request_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JobCommand targets one tracked job (cancel or evict).
type JobCommand struct {
	JobID string `json:"job_id"`
}

type JobCommandReply struct {
	JobID string `json:"job_id"`
	Found bool   `json:"found"`
}

type JobItemView struct {
	ID          string `json:"id"`
	Outcome     string `json:"outcome"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// JobView is the bus representation of a tracked job.
type JobView struct {
	JobID               string        `json:"job_id"`
	Status              string        `json:"status"`
	Completed           int           `json:"completed"`
	Total               int           `json:"total"`
	Items               []JobItemView `json:"items"`
	CreatedAt           time.Time     `json:"created_at"`
	LastPolledAt        *time.Time    `json:"last_polled_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
	Polling             bool          `json:"polling"`
	FailureKind         string        `json:"failure_kind,omitempty"`
	FailureReason       string        `json:"failure_reason,omitempty"`
}

// JobSnapshot is the full job list, newest first. It answers list requests
// and is broadcast on SubjectBatchJobs after every change.
type JobSnapshot struct {
	Jobs      []JobView `json:"jobs"`
	Timestamp time.Time `json:"timestamp"`
}
