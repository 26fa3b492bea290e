package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends report requests to an SQS queue. On a FIFO queue the run
// id is the deduplication id, so a republish within the dedup window is dropped
// by SQS itself.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSPublisher creates a publisher for the given queue.
func NewSQSPublisher(client SQSAPI, queueURL string, fifo bool) (*SQSPublisher, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("report queue URL required")
	}
	return &SQSPublisher{client: client, queueURL: queueURL, fifo: fifo}, nil
}

// Publish sends the request as a JSON message.
func (p *SQSPublisher) Publish(ctx context.Context, req types.ReportRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling report request: %w", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"runId":         {DataType: aws.String("String"), StringValue: aws.String(req.RunID)},
			"overallStatus": {DataType: aws.String("String"), StringValue: aws.String(string(req.Result.OverallStatus))},
		},
	}
	if p.fifo {
		in.MessageGroupId = aws.String(req.RunID)
		in.MessageDeduplicationId = aws.String(req.RunID)
	}

	if _, err := p.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sending report request: %w", err)
	}
	return nil
}
