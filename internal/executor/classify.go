package executor

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/riskcheck/internal/artifact"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// AWS error codes that will fail the same way on every retry.
var permanentAPICodes = map[string]bool{
	"ValidationException":            true,
	"InvalidParameterValueException": true,
	"InvalidRequestContentException": true,
	"RequestTooLargeException":       true,
	"ResourceNotFoundException":      true,
	"AccessDeniedException":          true,
	"UnrecognizedClientException":    true,
	"StateMachineDoesNotExist":       true,
	"StateMachineDeleting":           true,
	"InvalidArn":                     true,
	"InvalidExecutionInput":          true,
	"InvalidName":                    true,
	"InvalidRuntimeException":        true,
	"InvalidZipFileException":        true,
}

// Classify maps a stage error to an outcome kind and failure category.
// Unknown errors are treated as transient.
func Classify(err error) (types.OutcomeKind, types.FailureCategory) {
	if err == nil {
		return types.OutcomeSuccess, ""
	}

	var stageErr *StageError
	if errors.As(err, &stageErr) {
		if stageErr.Category == types.FailureTimeout {
			return types.OutcomeTimedOut, types.FailureTimeout
		}
		return types.OutcomeFailure, stageErr.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.OutcomeTimedOut, types.FailureTimeout
	}
	if artifact.IsPermanent(err) {
		return types.OutcomeFailure, types.FailurePermanent
	}
	if errors.Is(err, artifact.ErrUnavailable) {
		return types.OutcomeFailure, types.FailureTransient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.OutcomeFailure, types.FailureTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentAPICodes[apiErr.ErrorCode()] {
		return types.OutcomeFailure, types.FailurePermanent
	}
	return types.OutcomeFailure, types.FailureTransient
}

// isPermanent reports whether the error says nothing about backend health.
func isPermanent(err error) bool {
	kind, cat := Classify(err)
	return kind == types.OutcomeFailure && cat == types.FailurePermanent
}
