package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const (
	defaultMaxMessages = 10
	defaultWaitSeconds = 20
	defaultConcurrency = 4
	receiveErrorPause  = 5 * time.Second
)

// SQSAPI is the subset of the SQS client used by Consumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls an SQS queue of trigger events and submits them.
// Messages that were submitted, resolved to an existing run, or can never be
// decoded are deleted; the rest become visible again for redelivery.
type Consumer struct {
	client      SQSAPI
	queueURL    string
	submitter   Submitter
	maxMessages int32
	waitSeconds int32
	concurrency int
	logger      *slog.Logger
}

// NewConsumer creates a consumer from intake config.
func NewConsumer(client SQSAPI, cfg types.IntakeConfig, sub Submitter, logger *slog.Logger) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("intake queue URL required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		client:      client,
		queueURL:    cfg.QueueURL,
		submitter:   sub,
		maxMessages: cfg.MaxMessages,
		waitSeconds: cfg.WaitSeconds,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
	if c.maxMessages <= 0 || c.maxMessages > 10 {
		c.maxMessages = defaultMaxMessages
	}
	if c.waitSeconds <= 0 || c.waitSeconds > 20 {
		c.waitSeconds = defaultWaitSeconds
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	return c, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("intake consumer started", "queue", c.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("intake receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveErrorPause):
			}
		}
	}
}

// Poll receives one batch and handles its messages concurrently. It returns
// the number of messages deleted.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("receiving messages: %w", err)
	}

	deleted := make([]bool, len(out.Messages))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, msg := range out.Messages {
		g.Go(func() error {
			deleted[i] = c.handle(gCtx, msg)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, d := range deleted {
		if d {
			n++
		}
	}
	return n, nil
}

func (c *Consumer) handle(ctx context.Context, msg sqstypes.Message) bool {
	msgID := aws.ToString(msg.MessageId)
	h, err := Handle(ctx, c.submitter, []byte(aws.ToString(msg.Body)), msgID)
	switch {
	case err == nil:
		c.logger.Info("trigger event submitted", "messageID", msgID, "runID", h.RunID, "status", h.Status)
	case Unprocessable(err):
		c.logger.Warn("dropping invalid trigger event", "messageID", msgID, "error", err)
	default:
		c.logger.Error("trigger event submit failed, leaving for redelivery", "messageID", msgID, "error", err)
		return false
	}

	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("failed to delete message", "messageID", msgID, "error", err)
		return false
	}
	return true
}
