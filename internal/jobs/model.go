package jobs

import (
	"fmt"
	"strings"
	"time"

	"convoscore/internal/eval"
)

// Status represents the lifecycle state of an evaluation job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAPIError   Status = "api_error"
	StatusUnknown    Status = "unknown"
)

// ParseStatus maps a persisted status string onto the enum. Anything
// unrecognized (from older or newer record layouts) degrades to unknown
// rather than failing the read.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusAPIError:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// ErrorDetails carries the failure context of a failed or api_error job.
type ErrorDetails struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsTimeout bool      `json:"isTimeout"`
}

// Job is the persisted unit of asynchronous evaluation work.
//
// Result and the error fields are managed exclusively through the transition
// methods below so that a result exists if and only if the job completed.
type Job struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	Markdown     string        `json:"markdown"`
	FileName     string        `json:"fileName"`
	RubricID     string        `json:"rubricId,omitempty"`
	Result       *eval.Result  `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	ErrorDetails *ErrorDetails `json:"errorDetails,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	ExpiresAt    time.Time     `json:"expiresAt,omitempty"`
	RetryCount   int           `json:"retryCount"`
}

// New creates a pending job with the given payload.
func New(id, markdown, fileName, rubricID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Status:    StatusPending,
		Markdown:  markdown,
		FileName:  fileName,
		RubricID:  rubricID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusAPIError
}

// Expired reports whether the record is past its expiry time.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

func (j *Job) touch() {
	j.UpdatedAt = time.Now().UTC()
}

// MarkProcessing claims the job. Only a pending job can be claimed.
func (j *Job) MarkProcessing() error {
	if j.Status != StatusPending {
		return fmt.Errorf("job %s: cannot claim from %s", j.ID, j.Status)
	}
	j.Status = StatusProcessing
	j.touch()
	return nil
}

// Complete finalizes a processing job with its evaluation result.
func (j *Job) Complete(res *eval.Result) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("job %s: cannot complete from %s", j.ID, j.Status)
	}
	if res == nil {
		return fmt.Errorf("job %s: completion requires a result", j.ID)
	}
	j.Status = StatusCompleted
	j.Result = res
	j.Error = ""
	j.ErrorDetails = nil
	j.touch()
	return nil
}

// RecordFailure folds one failed execution attempt into the state machine:
// the job returns to pending for a future poll while attempts remain, and
// turns terminal once maxRetries is reached.
func (j *Job) RecordFailure(kind, message string, isTimeout bool, maxRetries int) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("job %s: cannot record failure from %s", j.ID, j.Status)
	}
	j.RetryCount++
	j.Error = message
	j.ErrorDetails = &ErrorDetails{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
		IsTimeout: isTimeout,
	}
	if j.RetryCount >= maxRetries {
		j.Status = StatusFailed
		j.Error = fmt.Sprintf("Max retries exceeded: %s", message)
		j.ErrorDetails.Message = j.Error
	} else {
		j.Status = StatusPending
	}
	j.Result = nil
	j.touch()
	return nil
}

// FailPermanently marks the job terminal without consuming retries. Used for
// provider rejections that retrying cannot fix (oversized request, bad auth).
func (j *Job) FailPermanently(kind, message string) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("job %s: cannot fail from %s", j.ID, j.Status)
	}
	j.Status = StatusAPIError
	j.Error = message
	j.ErrorDetails = &ErrorDetails{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	j.Result = nil
	j.touch()
	return nil
}

// Requeue is the administrative override: it forces any job, terminal or not,
// back to pending with a clean slate. Not used by the scheduler itself.
func (j *Job) Requeue() {
	j.Status = StatusPending
	j.Result = nil
	j.Error = ""
	j.ErrorDetails = nil
	j.RetryCount = 0
	j.touch()
}

// Validate reports structural problems a record must not have.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if (j.Result != nil) != (j.Status == StatusCompleted) {
		return fmt.Errorf("job %s: result presence disagrees with status %s", j.ID, j.Status)
	}
	return nil
}
