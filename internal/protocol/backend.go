package protocol

// Wire format of the speech backend's batch API:
//
//	POST /batch-tts                 BatchSubmitRequest -> BatchSubmitResponse
//	GET  /batch-tts/{job_id}/status BatchJobStatus

const (
	JobSubmitted  = "submitted"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"

	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

type Avatar struct {
	Gender  string `json:"gender"`
	Dialect string `json:"dialect,omitempty"`
}

type BatchItem struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Avatar   *Avatar `json:"avatar,omitempty"`
}

type BatchSubmitRequest struct {
	Items []BatchItem `json:"items"`
}

type BatchSubmitResponse struct {
	JobID string `json:"job_id"`
}

type BatchItemStatus struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	FileURL string `json:"file_url,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BatchJobStatus struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	TotalItems     int               `json:"total_items"`
	CompletedItems int               `json:"completed_items"`
	FailedItems    int               `json:"failed_items"`
	Items          []BatchItemStatus `json:"items"`
}
