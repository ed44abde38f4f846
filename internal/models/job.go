package models

import (
	"time"
)

type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// CanTransitionTo encodes pending -> processing -> completed|failed.
// A pending job may also go straight to a terminal state when its first
// delivery arrives before the submission side marks it as processing.
func (s JobState) CanTransitionTo(to JobState) bool {
	switch s {
	case JobStatePending:
		return to == JobStateProcessing || to.IsTerminal()
	case JobStateProcessing:
		return to.IsTerminal()
	default:
		return false
	}
}

// NonTerminalJobStates lists the states a terminal transition may start from.
func NonTerminalJobStates() []JobState {
	return []JobState{JobStatePending, JobStateProcessing}
}

// Job is one outstanding request to the provider. It is created by the
// submission side; ingestion only reads it and moves it to a terminal state.
type Job struct {
	ID                    string     `json:"id" db:"id"`
	ProviderCorrelationID *string    `json:"provider_correlation_id" db:"provider_correlation_id"`
	Platform              string     `json:"platform" db:"platform"`
	TargetRef             string     `json:"target_ref" db:"target_ref"`
	ContainerID           *string    `json:"container_id" db:"container_id"`
	BatchGroupID          *string    `json:"batch_group_id,omitempty" db:"batch_group_id"`
	State                 JobState   `json:"state" db:"state"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	StartedAt             *time.Time `json:"started_at" db:"started_at"`
	CompletedAt           *time.Time `json:"completed_at" db:"completed_at"`
	LastError             *string    `json:"last_error" db:"last_error"`
}

// JobTransition is the outcome of a guarded state change.
type JobTransition struct {
	JobID        string   `json:"job_id"`
	From         JobState `json:"from"`
	To           JobState `json:"to"`
	BatchGroupID *string  `json:"batch_group_id,omitempty"`
}

// BatchGroup aggregates jobs submitted together. Its state is derived from
// its members and is never set directly.
type BatchGroup struct {
	ID        string    `json:"id" db:"id"`
	Total     int       `json:"total" db:"total"`
	Succeeded int       `json:"succeeded" db:"succeeded"`
	Failed    int       `json:"failed" db:"failed"`
	State     JobState  `json:"state" db:"state"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeriveBatchState computes the aggregate state from member counts.
func DeriveBatchState(total, succeeded, failed int) JobState {
	switch {
	case total > 0 && succeeded == total:
		return JobStateCompleted
	case total > 0 && failed == total:
		return JobStateFailed
	default:
		return JobStateProcessing
	}
}
