package types

import (
	"strconv"
	"time"
)

// ModelArtifact is an immutable reference to a submitted risk model.
// The core only reads its identity; content is resolved by the stage executor.
type ModelArtifact struct {
	ArtifactID string `json:"artifactId"`
	Version    string `json:"version"`
	Location   string `json:"location,omitempty"`
}

// TriggerEvent is the inbound payload that starts a run, from a schedule or a manual trigger.
type TriggerEvent struct {
	ArtifactID       string    `json:"artifactId"`
	Version          string    `json:"version"`
	Location         string    `json:"location,omitempty"`
	IdempotencyToken string    `json:"idempotencyToken,omitempty"`
	RequestedAt      time.Time `json:"requestedAt"`
	Source           string    `json:"source,omitempty"`
}

// RunRequest asks the coordinator to run the checks against one artifact.
type RunRequest struct {
	RequestID        string        `json:"requestId"`
	Artifact         ModelArtifact `json:"artifact"`
	IdempotencyToken string        `json:"idempotencyToken,omitempty"`
	RequestedAt      time.Time     `json:"requestedAt"`
}

// DedupKey returns the key that maps a request to at most one run: the explicit
// idempotency token when supplied, otherwise the artifact identity. The artifact
// ID is length-prefixed so IDs and versions containing '@' cannot collide.
func (r RunRequest) DedupKey() string {
	if r.IdempotencyToken != "" {
		return "token:" + r.IdempotencyToken
	}
	id := r.Artifact.ArtifactID
	return "artifact:" + strconv.Itoa(len(id)) + ":" + id + "@" + r.Artifact.Version
}

// Outcome is the result of one stage attempt.
type Outcome struct {
	Kind      OutcomeKind            `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ErrorKind FailureCategory        `json:"errorKind,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool { return o.Kind == OutcomeSuccess }

// Category returns the failure category of a non-successful outcome.
// Timed-out attempts report FailureTimeout.
func (o Outcome) Category() FailureCategory {
	switch o.Kind {
	case OutcomeSuccess:
		return ""
	case OutcomeTimedOut:
		return FailureTimeout
	}
	if o.ErrorKind == "" {
		return FailureTransient
	}
	return o.ErrorKind
}

// Attempt is one execution try of a stage.
type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Outcome    Outcome   `json:"outcome"`
}

// StageResult is the final outcome of a stage within a run: its last successful
// attempt, or its last failed attempt once retries are exhausted.
type StageResult struct {
	Stage        StageKind `json:"stage"`
	Attempt      Attempt   `json:"attempt"`
	AttemptCount int       `json:"attemptCount"`
}

// Succeeded reports whether the stage ended in success.
func (r StageResult) Succeeded() bool { return r.Attempt.Outcome.Succeeded() }

// AggregatedResult combines the three stage results into one verdict.
// It is never mutated after creation.
type AggregatedResult struct {
	RunID         string                    `json:"runId"`
	OverallStatus OverallStatus             `json:"overallStatus"`
	StageResults  map[StageKind]StageResult `json:"stageResults"`
	ComputedAt    time.Time                 `json:"computedAt"`
}

// ReportRequest asks the downstream report builder to produce the audit report of a run.
type ReportRequest struct {
	RunID  string           `json:"runId"`
	Result AggregatedResult `json:"result"`
}

// Run is the durable record of one end-to-end execution of the three stages.
type Run struct {
	RunID            string                    `json:"runId"`
	DedupKey         string                    `json:"dedupKey"`
	RequestID        string                    `json:"requestId,omitempty"`
	Artifact         ModelArtifact             `json:"artifact"`
	Status           RunStatus                 `json:"status"`
	Version          int                       `json:"version"`
	CreatedAt        time.Time                 `json:"createdAt"`
	UpdatedAt        time.Time                 `json:"updatedAt"`
	RequestedAt      time.Time                 `json:"requestedAt"`
	Deadline         time.Time                 `json:"deadline,omitempty"`
	StageAttempts    map[StageKind][]Attempt   `json:"stageAttempts,omitempty"`
	StageResults     map[StageKind]StageResult `json:"stageResults,omitempty"`
	Result           *AggregatedResult         `json:"result,omitempty"`
	ReportDispatched bool                      `json:"reportDispatched,omitempty"`
	FailureReason    string                    `json:"failureReason,omitempty"`
	FailureCategory  FailureCategory           `json:"failureCategory,omitempty"`
}

// Clone returns a deep copy of the run so callers can mutate it without
// affecting the stored record.
func (r Run) Clone() Run {
	out := r
	if r.StageAttempts != nil {
		out.StageAttempts = make(map[StageKind][]Attempt, len(r.StageAttempts))
		for k, v := range r.StageAttempts {
			out.StageAttempts[k] = append([]Attempt(nil), v...)
		}
	}
	if r.StageResults != nil {
		out.StageResults = make(map[StageKind]StageResult, len(r.StageResults))
		for k, v := range r.StageResults {
			out.StageResults[k] = v
		}
	}
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	return out
}

// MissingStages returns the stages that have no recorded result yet.
func (r Run) MissingStages() []StageKind {
	var missing []StageKind
	for _, k := range AllStages {
		if _, ok := r.StageResults[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// RunHandle identifies a run to the submitter.
type RunHandle struct {
	RunID    string    `json:"runId"`
	DedupKey string    `json:"dedupKey"`
	Status   RunStatus `json:"status"`
}

// StageInput is what a stage runner receives for one attempt.
type StageInput struct {
	RunID    string        `json:"runId"`
	Stage    StageKind     `json:"stage"`
	Artifact ModelArtifact `json:"artifact"`
	Attempt  int           `json:"attempt"`
}

// Event is an append-only audit record of something that happened to a run.
type Event struct {
	EventID   string                 `json:"eventId"`
	Kind      EventKind              `json:"kind"`
	RunID     string                 `json:"runId"`
	Stage     StageKind              `json:"stage,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notification informs downstream alerting of a terminal run transition.
type Notification struct {
	Level         AlertLevel    `json:"level"`
	RunID         string        `json:"runId"`
	ArtifactID    string        `json:"artifactId,omitempty"`
	Version       string        `json:"version,omitempty"`
	Status        RunStatus     `json:"status"`
	OverallStatus OverallStatus `json:"overallStatus,omitempty"`
	Message       string        `json:"message"`
	Timestamp     time.Time     `json:"timestamp"`
}
