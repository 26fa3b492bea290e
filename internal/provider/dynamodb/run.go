package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const (
	codeConditionalCheckFailed = "ConditionalCheckFailed"
	codeTransactionConflict    = "TransactionConflict"
)

// runKeyTTL returns the TTL for a run-related key based on status. Active runs
// keep an extra day of headroom so they are never expired mid-flight.
func (p *DynamoDBProvider) runKeyTTL(status types.RunStatus) time.Duration {
	if lifecycle.IsTerminal(status) {
		return p.retentionTTL
	}
	return p.retentionTTL + 24*time.Hour
}

// CreateRun writes the run record and its dedup claim in one transaction.
func (p *DynamoDBProvider) CreateRun(ctx context.Context, run types.Run, replaceRunID string) (bool, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return false, err
	}
	ttl := ttlEpoch(p.runKeyTTL(run.Status))

	// TTL deletion lags expiry, so an expired claim that is still present is free.
	claimCondition := "attribute_not_exists(PK) OR #ttl < :now"
	claimValues := map[string]ddbtypes.AttributeValue{":now": attrN(time.Now().Unix())}
	if replaceRunID != "" {
		claimCondition += " OR runId = :replace"
		claimValues[":replace"] = attrS(replaceRunID)
	}

	_, err = p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbtypes.TransactWriteItem{
			{
				Put: &ddbtypes.Put{
					TableName: &p.tableName,
					Item: map[string]ddbtypes.AttributeValue{
						"PK":      attrS(runPK(run.RunID)),
						"SK":      attrS(runTruthSK(run.RunID)),
						"GSI1PK":  attrS(statusGSI1PK(run.Status)),
						"GSI1SK":  attrS(runListSK(run.CreatedAt, run.RunID)),
						"data":    attrS(string(data)),
						"version": attrN(int64(run.Version)),
						"ttl":     attrN(ttl),
					},
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &ddbtypes.Put{
					TableName: &p.tableName,
					Item: map[string]ddbtypes.AttributeValue{
						"PK":    attrS(dedupPK(run.DedupKey)),
						"SK":    attrS(dedupSK()),
						"runId": attrS(run.RunID),
						"ttl":   attrN(ttlEpoch(p.runKeyTTL(types.RunCreated))),
					},
					ConditionExpression:       aws.String(claimCondition),
					ExpressionAttributeNames:  map[string]string{"#ttl": "ttl"},
					ExpressionAttributeValues: claimValues,
				},
			},
		},
	})
	if err == nil {
		return true, nil
	}

	codes, cancelled := cancellationCodes(err)
	if !cancelled {
		return false, fmt.Errorf("creating run %q: %w", run.RunID, err)
	}
	if len(codes) > 0 && codes[0] == codeConditionalCheckFailed {
		return false, fmt.Errorf("run %q already exists", run.RunID)
	}
	for _, code := range codes {
		if code == codeConditionalCheckFailed || code == codeTransactionConflict {
			return false, nil
		}
	}
	return false, fmt.Errorf("creating run %q: %w", run.RunID, err)
}

// GetRun retrieves a run from the truth item (strongly consistent).
func (p *DynamoDBProvider) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": attrS(runPK(runID)),
			"SK": attrS(runTruthSK(runID)),
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("run %q: %w", runID, provider.ErrNotFound)
	}

	ttlVal, _ := attributeInt(out.Item, "ttl")
	if isExpired(ttlVal) {
		return nil, fmt.Errorf("run %q: %w", runID, provider.ErrNotFound)
	}

	return decodeRun(out.Item)
}

// CompareAndSwapRun atomically replaces a run if the stored version matches.
// The status index keys move with the record.
func (p *DynamoDBProvider) CompareAndSwapRun(ctx context.Context, runID string, expectedVersion int, newRun types.Run) (bool, error) {
	data, err := json.Marshal(newRun)
	if err != nil {
		return false, err
	}

	_, err = p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": attrS(runPK(runID)),
			"SK": attrS(runTruthSK(runID)),
		},
		UpdateExpression:    aws.String("SET #data = :data, #version = :newVersion, #ttl = :ttl, GSI1PK = :gsi1pk"),
		ConditionExpression: aws.String("#version = :expectedVersion"),
		ExpressionAttributeNames: map[string]string{
			"#data":    "data",
			"#version": "version",
			"#ttl":     "ttl",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":data":            attrS(string(data)),
			":newVersion":      attrN(int64(newRun.Version)),
			":expectedVersion": attrN(int64(expectedVersion)),
			":ttl":             attrN(ttlEpoch(p.runKeyTTL(newRun.Status))),
			":gsi1pk":          attrS(statusGSI1PK(newRun.Status)),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, err
	}
	if lifecycle.IsTerminal(newRun.Status) && newRun.DedupKey != "" {
		p.refreshClaim(ctx, newRun)
	}
	return true, nil
}

// refreshClaim aligns the dedup claim's TTL with its terminal run, so the claim
// neither outlives the run nor expires while the run is still retained. A claim
// already taken over by another run is left alone. Failures are logged: an
// unrefreshed claim only expires at its creation-time TTL.
func (p *DynamoDBProvider) refreshClaim(ctx context.Context, run types.Run) {
	_, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": attrS(dedupPK(run.DedupKey)),
			"SK": attrS(dedupSK()),
		},
		UpdateExpression:         aws.String("SET #ttl = :ttl"),
		ConditionExpression:      aws.String("runId = :runId"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":ttl":   attrN(ttlEpoch(p.runKeyTTL(run.Status))),
			":runId": attrS(run.RunID),
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		p.logger.Warn("failed to refresh dedup claim TTL", "runID", run.RunID, "dedupKey", run.DedupKey, "error", err)
	}
}

// ListRuns returns runs in a status, newest first. The status index is
// eventually consistent; callers re-read each run before acting on it.
func (p *DynamoDBProvider) ListRuns(ctx context.Context, status types.RunStatus, limit int) ([]types.Run, error) {
	page, err := p.ListRunsPage(ctx, status, limit, "")
	return page.Runs, err
}

// ListRunsPage reads one page of the status index. The cursor is the GSI1 sort
// key of the last item evaluated, so expired or stale entries skipped on one
// page never stall the next.
func (p *DynamoDBProvider) ListRunsPage(ctx context.Context, status types.RunStatus, limit int, cursor string) (provider.RunPage, error) {
	if limit <= 0 {
		limit = 100
	}

	input := &dynamodb.QueryInput{
		TableName:              &p.tableName,
		IndexName:              aws.String(gsi1),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": attrS(statusGSI1PK(status)),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if cursor != "" {
		runID := runIDFromListSK(cursor)
		input.ExclusiveStartKey = map[string]ddbtypes.AttributeValue{
			"PK":     attrS(runPK(runID)),
			"SK":     attrS(runTruthSK(runID)),
			"GSI1PK": attrS(statusGSI1PK(status)),
			"GSI1SK": attrS(cursor),
		}
	}

	out, err := p.client.Query(ctx, input)
	if err != nil {
		return provider.RunPage{}, err
	}

	var page provider.RunPage
	if out.LastEvaluatedKey != nil {
		next, err := attributeStr(out.LastEvaluatedKey, "GSI1SK")
		if err != nil {
			return provider.RunPage{}, fmt.Errorf("reading list cursor: %w", err)
		}
		page.Next = next
	}
	for _, item := range out.Items {
		ttlVal, _ := attributeInt(item, "ttl")
		if isExpired(ttlVal) {
			continue
		}
		run, err := decodeRun(item)
		if err != nil {
			p.logger.Warn("skipping corrupt run data", "error", err)
			continue
		}
		if run.Status != status {
			continue
		}
		page.Runs = append(page.Runs, *run)
	}
	return page, nil
}

func decodeRun(item map[string]ddbtypes.AttributeValue) (*types.Run, error) {
	data, err := attributeStr(item, "data")
	if err != nil {
		return nil, err
	}
	var run types.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}
