package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/riskcheck/internal/provider"
)

// LookupDedup returns the run currently holding a dedup claim.
func (p *DynamoDBProvider) LookupDedup(ctx context.Context, dedupKey string) (string, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": attrS(dedupPK(dedupKey)),
			"SK": attrS(dedupSK()),
		},
	})
	if err != nil {
		return "", err
	}
	if out.Item == nil {
		return "", fmt.Errorf("dedup key %q: %w", dedupKey, provider.ErrNotFound)
	}
	ttlVal, _ := attributeInt(out.Item, "ttl")
	if isExpired(ttlVal) {
		return "", fmt.Errorf("dedup key %q: %w", dedupKey, provider.ErrNotFound)
	}
	return attributeStr(out.Item, "runId")
}
