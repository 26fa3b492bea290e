package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/riskcheck/internal/coordinator"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

type stubSubmitter struct {
	mu   sync.Mutex
	reqs []types.RunRequest
	err  error
}

func (s *stubSubmitter) Submit(_ context.Context, req types.RunRequest) (types.RunHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return types.RunHandle{RunID: "run-" + req.Artifact.Version, Status: types.RunRunning}, s.err
}

func TestDecode_Valid(t *testing.T) {
	ev, err := Decode([]byte(`{
		"artifactId": "pd-model",
		"version": "v3",
		"location": "s3://models/pd-model/v3",
		"idempotencyToken": "daily-2026-03-02",
		"requestedAt": "2026-03-02T09:00:00Z",
		"source": "schedule"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "pd-model", ev.ArtifactID)
	assert.Equal(t, "v3", ev.Version)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), ev.RequestedAt.UTC())

	req := ToRunRequest(ev, "msg-1")
	assert.Equal(t, "msg-1", req.RequestID)
	assert.Equal(t, "s3://models/pd-model/v3", req.Artifact.Location)
	assert.Equal(t, "token:daily-2026-03-02", req.DedupKey())
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"artifactId":`},
		{"missing version", `{"artifactId":"pd-model"}`},
		{"empty artifact", `{"artifactId":"","version":"v1"}`},
		{"wrong type", `{"artifactId":"pd-model","version":3}`},
		{"bad timestamp", `{"artifactId":"pd-model","version":"v1","requestedAt":"yesterday"}`},
		{"unknown source", `{"artifactId":"pd-model","version":"v1","source":"cron"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestHandle_DuplicateIsNotAnError(t *testing.T) {
	sub := &stubSubmitter{err: fmt.Errorf("%w: run-v1 is RUNNING", coordinator.ErrDuplicateRun)}
	h, err := Handle(context.Background(), sub, []byte(`{"artifactId":"pd-model","version":"v1"}`), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "run-v1", h.RunID)
}

func TestUnprocessable(t *testing.T) {
	assert.True(t, Unprocessable(fmt.Errorf("%w: bad json", ErrInvalidEvent)))
	assert.True(t, Unprocessable(fmt.Errorf("%w: artifactId and version are required", coordinator.ErrInvalidRequest)))
	assert.False(t, Unprocessable(coordinator.ErrClosed))
	assert.False(t, Unprocessable(nil))
}

type mockSQS struct {
	mu       sync.Mutex
	messages []sqstypes.Message
	deleted  []string
	recvErr  error
}

func (m *mockSQS) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recvErr != nil {
		return nil, m.recvErr
	}
	n := int(params.MaxNumberOfMessages)
	if n > len(m.messages) {
		n = len(m.messages)
	}
	batch := m.messages[:n]
	m.messages = m.messages[n:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func message(id, body string) sqstypes.Message {
	return sqstypes.Message{MessageId: aws.String(id), ReceiptHandle: aws.String("rh-" + id), Body: aws.String(body)}
}

func TestConsumer_Poll(t *testing.T) {
	client := &mockSQS{messages: []sqstypes.Message{
		message("1", `{"artifactId":"pd-model","version":"v1"}`),
		message("2", `{"artifactId":"lgd-model","version":"v7"}`),
		message("3", `not json`),
	}}
	sub := &stubSubmitter{}
	c, err := NewConsumer(client, types.IntakeConfig{QueueURL: "q", Concurrency: 2}, sub, nil)
	require.NoError(t, err)

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"rh-1", "rh-2", "rh-3"}, client.deleted)
	assert.Len(t, sub.reqs, 2)
}

func TestConsumer_SubmitFailureLeavesMessage(t *testing.T) {
	client := &mockSQS{messages: []sqstypes.Message{message("1", `{"artifactId":"pd-model","version":"v1"}`)}}
	sub := &stubSubmitter{err: errors.New("store unavailable")}
	c, err := NewConsumer(client, types.IntakeConfig{QueueURL: "q"}, sub, nil)
	require.NoError(t, err)

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, client.deleted)
}

func TestConsumer_ReceiveError(t *testing.T) {
	client := &mockSQS{recvErr: errors.New("access denied")}
	c, err := NewConsumer(client, types.IntakeConfig{QueueURL: "q"}, &stubSubmitter{}, nil)
	require.NoError(t, err)

	_, err = c.Poll(context.Background())
	assert.ErrorContains(t, err, "access denied")
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	client := &mockSQS{}
	c, err := NewConsumer(client, types.IntakeConfig{QueueURL: "q"}, &stubSubmitter{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNewConsumer_Defaults(t *testing.T) {
	_, err := NewConsumer(&mockSQS{}, types.IntakeConfig{}, &stubSubmitter{}, nil)
	assert.Error(t, err)

	c, err := NewConsumer(&mockSQS{}, types.IntakeConfig{QueueURL: "q", MaxMessages: 50}, &stubSubmitter{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(defaultMaxMessages), c.maxMessages)
	assert.Equal(t, int32(defaultWaitSeconds), c.waitSeconds)
	assert.Equal(t, defaultConcurrency, c.concurrency)
}
