package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// LambdaAPI is the subset of the AWS Lambda client used by LambdaRunner.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaRunner runs a stage as a synchronous Lambda invocation.
// A function error whose errorType contains "Permanent" is not retried.
type LambdaRunner struct {
	client       LambdaAPI
	functionName string
}

// NewLambdaRunner creates a runner for the given function name or ARN.
func NewLambdaRunner(client LambdaAPI, functionName string) *LambdaRunner {
	return &LambdaRunner{client: client, functionName: functionName}
}

type lambdaFunctionError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// RunStage invokes the function with the stage input as its event.
func (r *LambdaRunner) RunStage(ctx context.Context, in types.StageInput) (map[string]interface{}, error) {
	if r.functionName == "" {
		return nil, Permanent("lambda runner for %s has no function name", in.Stage)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, Permanent("marshaling stage input: %v", err)
	}

	out, err := r.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(r.functionName),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("lambda invoke %s: %w", r.functionName, err)
	}

	if out.FunctionError != nil {
		var fe lambdaFunctionError
		_ = json.Unmarshal(out.Payload, &fe)
		detail := fmt.Sprintf("%s: %s", aws.ToString(out.FunctionError), fe.ErrorMessage)
		if strings.Contains(fe.ErrorType, "Permanent") {
			return nil, Permanent("%s", detail)
		}
		return nil, Transient("%s", detail)
	}

	var payload map[string]interface{}
	if len(out.Payload) == 0 || string(out.Payload) == "null" {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		return nil, Permanent("stage output invalid: %v", err)
	}
	return payload, nil
}
