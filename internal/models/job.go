package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation job kinds.
const (
	JobKindImage = "image"
	JobKindVideo = "video"
)

// Job states. Requested → Reserved → Submitted → Polling → {Completed | Failed | TimedOut};
// Rejected is the terminal state for a request refused before reserving.
const (
	JobStateRequested = "requested"
	JobStateReserved  = "reserved"
	JobStateSubmitted = "submitted"
	JobStatePolling   = "polling"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateTimedOut  = "timed_out"
	JobStateRejected  = "rejected"
)

// Job outcomes reported to callers.
const (
	OutcomeAccepted            = "accepted"
	OutcomeInsufficientCredits = "insufficient_credits"
	OutcomeBusy                = "busy"
	OutcomeDailyLimit          = "daily_limit"
	OutcomeSubmitFailed        = "submit_failed"
	OutcomeCompleted           = "completed"
	OutcomeFailed              = "failed"
	OutcomeTimedOut            = "timed_out"
)

type Job struct {
	ID            uuid.UUID       `json:"id"`
	UserID        int64           `json:"user_id"`
	Kind          string          `json:"kind"`
	Cost          int64           `json:"cost"`
	State         string          `json:"state"`
	Outcome       string          `json:"outcome,omitempty"`
	Params        json.RawMessage `json:"parameters"`
	ReservationID *uuid.UUID      `json:"reservation_id,omitempty"`
	RefundID      *uuid.UUID      `json:"refund_id,omitempty"`
	RemoteHandle  string          `json:"remote_handle,omitempty"`
	ArtifactURL   string          `json:"artifact_url,omitempty"`
	Error         string          `json:"error,omitempty"`
	SourceJobID   *uuid.UUID      `json:"source_job_id,omitempty"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Terminal reports whether no further transition can happen.
func (j *Job) Terminal() bool {
	return IsTerminalJobState(j.State)
}

// RefundPending reports whether the job ended without a result but its
// reservation has not been refunded yet.
func (j *Job) RefundPending() bool {
	return (j.State == JobStateFailed || j.State == JobStateTimedOut) && j.ReservationID != nil && j.RefundID == nil
}

func IsTerminalJobState(state string) bool {
	switch state {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut, JobStateRejected:
		return true
	}
	return false
}

// JobEvent is one row of the append-only job history.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyJobStats counts the jobs of one kind created on one UTC day.
// Failed includes timed-out jobs.
type DailyJobStats struct {
	Day       string `json:"day"`
	Kind      string `json:"kind"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Rejected  int64  `json:"rejected"`
}
