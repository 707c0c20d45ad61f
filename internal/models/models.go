package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
const (
	JobPending         = "pending"
	JobInProgress      = "in_progress"
	JobSucceeded       = "succeeded"
	JobRetryableFailed = "retryable_failed"
	JobFailed          = "failed"
)

// Review pipeline stages, executed in order for each job.
const (
	StageFetch  = "fetch"
	StageLLM    = "llm"
	StageNotify = "notify"
)

// Stages lists pipeline stages in execution order.
var Stages = []string{StageFetch, StageLLM, StageNotify}

// Job is a review job for one (changelist, review_version) pair.
type Job struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ChangelistID   int64     `json:"changelist_id"`
	ReviewVersion  int       `json:"review_version"`
	Status         string    `json:"status"`
	ResultRef      *string   `json:"result_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

// WorkItem statuses.
const (
	WorkQueued    = "queued"
	WorkRunning   = "running"
	WorkCompleted = "completed"
	WorkFailed    = "failed"
)

// WorkItem is one leased unit of stage work.
//
// Invariants: claimed_by is non-null iff status is running; lease_expires_at
// is set iff status is running; attempt_count never decreases.
type WorkItem struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Stage          string     `json:"stage"`
	Payload        []byte     `json:"payload"`
	Status         string     `json:"status"`
	Priority       int        `json:"priority"`
	RunAt          time.Time  `json:"run_at"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	LastErrorClass *string    `json:"last_error_class,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StagePayload travels through the work queue between stages.
type StagePayload struct {
	JobID         string   `json:"job_id"`
	ChangelistID  int64    `json:"changelist_id"`
	ReviewVersion int      `json:"review_version"`
	Recipients    []string `json:"recipients"`
	ChangedFiles  []string `json:"changed_files,omitempty"`
	DiffRef       string   `json:"diff_ref,omitempty"`
	ResultRef     string   `json:"result_ref,omitempty"`
}

// Outbox entry statuses.
const (
	OutboxPending         = "pending"
	OutboxSent            = "sent"
	OutboxFailedPermanent = "failed_permanent"
)

// OutboxEntry is a durable per-recipient delivery intent, unique on
// (changelist_id, recipient, review_version).
type OutboxEntry struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	ChangelistID    int64      `json:"changelist_id"`
	Recipient       string     `json:"recipient"`
	ReviewVersion   int        `json:"review_version"`
	Payload         []byte     `json:"payload"`
	Status          string     `json:"status"`
	NotificationID  *string    `json:"notification_id,omitempty"`
	NotifiedAt      *time.Time `json:"notified_at,omitempty"`
	SendAttemptedAt *time.Time `json:"send_attempted_at,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	LastError       *string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Dead letter statuses.
const (
	DeadLetterOpen      = "open"
	DeadLetterReplaying = "replaying"
	DeadLetterResolved  = "resolved"
	DeadLetterReopened  = "reopened"
)

// Replay restart modes.
const (
	RestartAtFailedStage = "resume_at_failed_stage"
	RestartFull          = "full_restart"
)

// DeadLetter records a terminal failure with sanitized triage context.
// Rows are never deleted.
type DeadLetter struct {
	ID                     string     `json:"id"`
	JobID                  string     `json:"job_id"`
	Stage                  string     `json:"stage"`
	ErrorClass             string     `json:"error_class"`
	LastStack              string     `json:"last_stack"`
	SanitizedContext       []byte     `json:"sanitized_context"`
	ReplayPayload          []byte     `json:"replay_payload"`
	FirstFailureAt         time.Time  `json:"first_failure_at"`
	LastFailureAt          time.Time  `json:"last_failure_at"`
	AttemptCount           int        `json:"attempt_count"`
	Status                 string     `json:"status"`
	ReplayCount            int        `json:"replay_count"`
	ReplayStartStage       *string    `json:"replay_start_stage,omitempty"`
	RemediationEvidenceRef *string    `json:"remediation_evidence_ref,omitempty"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// AuditEvent is a state-transition audit row.
type AuditEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
