// Package types defines the public domain types for the riskcheck run orchestration engine.
package types

// StageKind identifies one of the three analysis stages of a run.
type StageKind string

// StageKind values enumerate the fixed set of analysis stages.
const (
	StageValidation  StageKind = "VALIDATION"
	StageBackTest    StageKind = "BACKTEST"
	StageSensitivity StageKind = "SENSITIVITY_ANALYSIS"
)

// AllStages lists every stage a run dispatches, in a stable order.
var AllStages = []StageKind{StageValidation, StageBackTest, StageSensitivity}

// Valid reports whether k is one of the fixed stage kinds.
func (k StageKind) Valid() bool {
	switch k {
	case StageValidation, StageBackTest, StageSensitivity:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// RunStatus values represent the lifecycle states of a run.
const (
	RunCreated   RunStatus = "CREATED"
	RunRunning   RunStatus = "RUNNING"
	RunJoining   RunStatus = "JOINING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// OverallStatus is the aggregated verdict of a completed run.
type OverallStatus string

const (
	StatusPassed             OverallStatus = "PASSED"
	StatusPassedWithWarnings OverallStatus = "PASSED_WITH_WARNINGS"
	StatusFailed             OverallStatus = "FAILED"
)

// OutcomeKind classifies the result of a single stage attempt.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "SUCCESS"
	OutcomeFailure  OutcomeKind = "FAILURE"
	OutcomeTimedOut OutcomeKind = "TIMED_OUT"
)

// FailureCategory classifies why a stage attempt or a run failed.
type FailureCategory string

const (
	FailureTransient  FailureCategory = "TRANSIENT"
	FailurePermanent  FailureCategory = "PERMANENT"
	FailureTimeout    FailureCategory = "TIMEOUT"
	FailureStructural FailureCategory = "STRUCTURAL"
)

// AlertLevel is the severity of a notification.
type AlertLevel string

const (
	AlertLevelError   AlertLevel = "error"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelInfo    AlertLevel = "info"
)

// NotificationType defines the notification sink type.
type NotificationType string

// NotificationType values enumerate the supported notification sink backends.
const (
	NotifyConsole     NotificationType = "console"
	NotifyWebhook     NotificationType = "webhook"
	NotifyFile        NotificationType = "file"
	NotifySNS         NotificationType = "sns"
	NotifyEventBridge NotificationType = "eventbridge"
)

// RunnerType defines the backend that executes a stage.
type RunnerType string

// RunnerType values enumerate the supported stage compute backends.
const (
	RunnerLambda       RunnerType = "lambda"
	RunnerStepFunction RunnerType = "step-function"
	RunnerHTTP         RunnerType = "http"
)

// EventKind classifies the type of audit event.
type EventKind string

// EventKind values enumerate the categories of recorded events.
const (
	EventRunCreated           EventKind = "RUN_CREATED"
	EventRunStateChanged      EventKind = "RUN_STATE_CHANGED"
	EventDuplicateSubmit      EventKind = "DUPLICATE_SUBMIT"
	EventStageDispatched      EventKind = "STAGE_DISPATCHED"
	EventAttemptFinished      EventKind = "ATTEMPT_FINISHED"
	EventRetryScheduled       EventKind = "RETRY_SCHEDULED"
	EventRetryExhausted       EventKind = "RETRY_EXHAUSTED"
	EventStageResultRecorded  EventKind = "STAGE_RESULT_RECORDED"
	EventDuplicateStageResult EventKind = "DUPLICATE_STAGE_RESULT"
	EventLateOutcomeDiscarded EventKind = "LATE_OUTCOME_DISCARDED"
	EventResultAggregated     EventKind = "RESULT_AGGREGATED"
	EventReportDispatched     EventKind = "REPORT_DISPATCHED"
	EventReportFailed         EventKind = "REPORT_DISPATCH_FAILED"
	EventRunRecovered         EventKind = "RUN_RECOVERED"
	EventDeadlineExceeded     EventKind = "DEADLINE_EXCEEDED"
)
