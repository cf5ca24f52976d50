package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeMarginPass  JobType = "margin_pass"
	JobTypeDLQSweep    JobType = "dlq_sweep"
	JobTypeLedgerReset JobType = "ledger_reset"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// MarginPassJobPayload selects the monitoring window. Without a window the
// scheduled hour-aligned window is used.
type MarginPassJobPayload struct {
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// ToMap converts the payload to a map for storage
func (p MarginPassJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{}
	if p.PeriodStart != nil && p.PeriodEnd != nil {
		m["period_start"] = p.PeriodStart.UTC().Format(time.RFC3339)
		m["period_end"] = p.PeriodEnd.UTC().Format(time.RFC3339)
	}
	return m
}

// HasWindow reports whether an explicit window was requested.
func (p MarginPassJobPayload) HasWindow() bool {
	return p.PeriodStart != nil && p.PeriodEnd != nil
}

func MarginPassJobPayloadFromMap(data map[string]interface{}) (*MarginPassJobPayload, error) {
	var payload MarginPassJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

// DLQSweepJobPayload contains the payload for dead-letter retry sweeps
type DLQSweepJobPayload struct {
	Limit int `json:"limit"`
}

func (p DLQSweepJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"limit": p.Limit,
	}
}

func DLQSweepJobPayloadFromMap(data map[string]interface{}) (*DLQSweepJobPayload, error) {
	var payload DLQSweepJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

// LedgerResetJobPayload contains the account whose cycle is reset eagerly
type LedgerResetJobPayload struct {
	AccountID string `json:"account_id"`
}

func (p LedgerResetJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"account_id": p.AccountID,
	}
}

func LedgerResetJobPayloadFromMap(data map[string]interface{}) (*LedgerResetJobPayload, error) {
	var payload LedgerResetJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

func fromMap(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
