package model

import "time"

// RefreshStatus is the state of a refresh run.
type RefreshStatus string

const (
	// RefreshRunning marks a logged run that has not finished.
	RefreshRunning RefreshStatus = "running"
	// RefreshComplete means the feed was drained without a call-level error.
	RefreshComplete RefreshStatus = "complete"
	// RefreshFailed means the feed or store failed partway through.
	RefreshFailed RefreshStatus = "failed"
)

// RowFailure records why one feed row could not be normalized or stored.
type RowFailure struct {
	ExternalID string `json:"external_id,omitempty"`
	Reason     string `json:"reason"`
}

// RefreshReport summarizes one connector refresh call.
type RefreshReport struct {
	RunID      string        `json:"run_id"`
	Dataset    Dataset       `json:"dataset"`
	Since      *time.Time    `json:"since,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Inserted   int           `json:"inserted"`
	Updated    int           `json:"updated"`
	Unchanged  int           `json:"unchanged"`
	Superseded int           `json:"superseded"`
	Failed     int           `json:"failed"`
	Failures   []RowFailure  `json:"failures,omitempty"`
	Status     RefreshStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// Processed is the number of feed rows the refresh accounted for.
func (r *RefreshReport) Processed() int {
	return r.Inserted + r.Updated + r.Unchanged + r.Failed
}

// Changed is the number of rows written to the store.
func (r *RefreshReport) Changed() int {
	return r.Inserted + r.Updated
}
