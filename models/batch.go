package models

// BatchRequest is the payload for POST /api/v1/batch/fetch.
type BatchRequest struct {
	// URLs is the list of target pages to fetch. Required.
	URLs []string `json:"urls" binding:"required,min=1,max=100,dive,url"`

	// Options contains shared fetch options applied to all URLs.
	Options BatchOptions `json:"options"`

	WebhookURL    string `json:"webhook_url,omitempty" binding:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// BatchOptions are the shared fetch settings applied to every URL in a batch.
type BatchOptions struct {
	Preset          string   `json:"preset,omitempty" binding:"omitempty,oneof=chrome firefox safari ios edge randomized"`
	TimeoutMs       int      `json:"timeoutMs,omitempty" binding:"omitempty,min=1,max=120000"`
	TargetSelector  string   `json:"targetSelector,omitempty"`
	RemoveSelectors []string `json:"removeSelectors,omitempty"`
}

// BatchResponse is the immediate response for POST /api/v1/batch/fetch.
type BatchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// BatchStatusResponse is the response for GET /api/v1/batch/:id and the
// data of the batch.completed webhook event. Results are positional; an
// entry is null until its URL has finished.
type BatchStatusResponse struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	Results   []*FetchResult `json:"results,omitempty"`
}

// Batch job statuses.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
	BatchFailed     = "failed"
)

// BatchJob tracks an in-progress batch fetch operation.
type BatchJob struct {
	ID        string
	Status    string
	Total     int
	Completed int
	Failed    int
	Results   []*FetchResult
	CreatedAt int64 // unix timestamp
}

// Snapshot copies the job into its wire form.
func (j *BatchJob) Snapshot() BatchStatusResponse {
	return BatchStatusResponse{
		ID:        j.ID,
		Status:    j.Status,
		Completed: j.Completed,
		Failed:    j.Failed,
		Total:     j.Total,
		Results:   append([]*FetchResult(nil), j.Results...),
	}
}
