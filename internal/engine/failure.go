package engine

import "errors"

// Failure codes surfaced to both front ends. Every precondition violation is
// one of these; nothing else escapes an operation as a domain outcome.
const (
	CodeTaskNotFound     = "task_not_found"
	CodeTaskNotOpen      = "task_not_open"
	CodeNotRequester     = "not_requester"
	CodeNotAwardedWorker = "not_awarded_worker"
	CodeTaskNotAwarded   = "task_not_awarded"
	CodeTaskNotSubmitted = "task_not_submitted"
	CodeTaskNotInProg    = "task_not_in_progress"
	CodeUnknownCmd       = "unknown_cmd"
)

// Failure is a rejected precondition. TaskStatus carries the task's current
// status when the rejection is status-related, so callers can report it.
type Failure struct {
	Code       string
	TaskStatus string
}

func (f *Failure) Error() string { return f.Code }

func fail(code string) *Failure { return &Failure{Code: code} }

func failStatus(code, status string) *Failure {
	return &Failure{Code: code, TaskStatus: status}
}

// AsFailure unwraps a domain failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
