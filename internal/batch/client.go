package batch

import "context"

// RemoteStatus is the job state as reported by the backend.
type RemoteStatus string

const (
	RemoteSubmitted  RemoteStatus = "submitted"
	RemoteProcessing RemoteStatus = "processing"
	RemoteCompleted  RemoteStatus = "completed"
	RemoteFailed     RemoteStatus = "failed"
)

// StatusReport is one answer to a status query. Results is indexed like the
// submitted items; it may be shorter than Total when the backend omits items.
type StatusReport struct {
	Status    RemoteStatus
	Completed int
	Total     int
	Results   []ItemResult
}

// StatusClient is the boundary to the speech backend. Implementations do not
// retry or cache. Errors match ErrTransport or ErrNotFound.
type StatusClient interface {
	Submit(ctx context.Context, items []Item) (string, error)
	QueryStatus(ctx context.Context, jobID string) (StatusReport, error)
}
