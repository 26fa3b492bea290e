package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const (
	defaultPollInterval = 5 * time.Second
	maxExecutionName    = 80
)

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SFNAPI is the subset of the AWS Step Functions client used by SFNRunner.
type SFNAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

// SFNRunner runs a stage as a Step Functions execution and polls it to completion.
// Execution names are derived from run, stage and attempt, so a re-dispatched
// attempt attaches to the execution already started for it.
type SFNRunner struct {
	client          SFNAPI
	stateMachineARN string
	pollInterval    time.Duration
}

// NewSFNRunner creates a runner for the given state machine.
func NewSFNRunner(client SFNAPI, stateMachineARN string, pollInterval time.Duration) *SFNRunner {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &SFNRunner{client: client, stateMachineARN: stateMachineARN, pollInterval: pollInterval}
}

// RunStage starts (or re-attaches to) the execution and waits for it to finish.
func (r *SFNRunner) RunStage(ctx context.Context, in types.StageInput) (map[string]interface{}, error) {
	if r.stateMachineARN == "" {
		return nil, Permanent("step-function runner for %s: stateMachineArn is required", in.Stage)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, Permanent("marshaling stage input: %v", err)
	}

	name := executionName(in)
	execARN := executionARN(r.stateMachineARN, name)
	out, err := r.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(r.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(body)),
	})
	if err != nil {
		var exists *sfntypes.ExecutionAlreadyExists
		if !errors.As(err, &exists) {
			return nil, fmt.Errorf("step-function StartExecution failed: %w", err)
		}
	} else if out.ExecutionArn != nil {
		execARN = *out.ExecutionArn
	}

	return r.wait(ctx, execARN)
}

func (r *SFNRunner) wait(ctx context.Context, execARN string) (map[string]interface{}, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		out, err := r.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
			ExecutionArn: aws.String(execARN),
		})
		if err != nil {
			return nil, fmt.Errorf("step-function DescribeExecution failed: %w", err)
		}

		switch out.Status {
		case sfntypes.ExecutionStatusSucceeded:
			payload := map[string]interface{}{}
			if out.Output != nil && *out.Output != "" {
				if err := json.Unmarshal([]byte(*out.Output), &payload); err != nil {
					return nil, Permanent("stage output invalid: %v", err)
				}
			}
			return payload, nil
		case sfntypes.ExecutionStatusTimedOut:
			return nil, &StageError{Category: types.FailureTimeout, Detail: "execution timed out"}
		case sfntypes.ExecutionStatusFailed:
			detail := fmt.Sprintf("%s: %s", aws.ToString(out.Error), aws.ToString(out.Cause))
			if strings.Contains(aws.ToString(out.Error), "Permanent") {
				return nil, Permanent("%s", detail)
			}
			return nil, Transient("%s", detail)
		case sfntypes.ExecutionStatusAborted:
			return nil, Transient("execution aborted")
		}
		timer.Reset(r.pollInterval)
	}
}

// executionName is unique per run, stage and attempt and valid as a Step
// Functions execution name.
func executionName(in types.StageInput) string {
	name := fmt.Sprintf("%s-%s-%d", in.RunID, strings.ToLower(string(in.Stage)), in.Attempt)
	name = invalidNameChars.ReplaceAllString(name, "_")
	if len(name) > maxExecutionName {
		name = name[len(name)-maxExecutionName:]
	}
	return name
}

// executionARN derives an execution ARN from its state machine ARN.
func executionARN(stateMachineARN, name string) string {
	return strings.Replace(stateMachineARN, ":stateMachine:", ":execution:", 1) + ":" + name
}
