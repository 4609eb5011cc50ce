package resilience

import (
	"time"
)

// DeadLetter is a mapping job that the dispatcher gave up on: either a
// non-retriable precondition failure or a delivery that kept failing after
// MaxDeliveries attempts.
type DeadLetter struct {
	ID         string    `json:"id"`
	AttemptID  string    `json:"attempt_id"`
	Reason     string    `json:"reason"`
	ErrorType  string    `json:"error_type"` // "transient" or "permanent"
	Deliveries int       `json:"deliveries"`
	FailedAt   time.Time `json:"failed_at"`
}

// DeadLetterFilter specifies criteria for listing dead letters.
type DeadLetterFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewDeadLetter builds a dead letter for an attempt, classifying cause.
func NewDeadLetter(id, attemptID string, deliveries int, cause error) DeadLetter {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return DeadLetter{
		ID:         id,
		AttemptID:  attemptID,
		Reason:     reason,
		ErrorType:  ClassifyError(cause),
		Deliveries: deliveries,
		FailedAt:   time.Now().UTC(),
	}
}

// Matches reports whether the dead letter passes the filter's error type.
func (f DeadLetterFilter) Matches(d DeadLetter) bool {
	return f.ErrorType == "" || f.ErrorType == d.ErrorType
}
