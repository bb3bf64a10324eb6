package job

import "time"

// HandlerResult is what a handler invocation produced, recorded on the
// job hash and in the result backend.
type HandlerResult struct {
	JobID       string        `json:"job_id"`
	Class       Class         `json:"class"`
	Success     bool          `json:"success"`
	Output      []byte        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Attempt     int           `json:"attempt"`
	Duration    time.Duration `json:"duration_ns"`
	CompletedAt int64         `json:"completed_at"`
}

// Succeeded builds a success result for j.
func Succeeded(j *Job, output []byte, duration time.Duration) *HandlerResult {
	return &HandlerResult{
		JobID:       j.ID,
		Class:       j.Class,
		Success:     true,
		Output:      output,
		Attempt:     j.AttemptsMade,
		Duration:    duration,
		CompletedAt: time.Now().UnixMilli(),
	}
}

// Failed builds a failure result for j.
func Failed(j *Job, errMsg, errKind string, duration time.Duration) *HandlerResult {
	return &HandlerResult{
		JobID:       j.ID,
		Class:       j.Class,
		Success:     false,
		Error:       errMsg,
		ErrorKind:   errKind,
		Attempt:     j.AttemptsMade,
		Duration:    duration,
		CompletedAt: time.Now().UnixMilli(),
	}
}
