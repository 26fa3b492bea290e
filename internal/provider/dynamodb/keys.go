package dynamodb

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// PK/SK prefix constants.
const (
	prefixRun       = "RUN#"
	prefixEvent     = "EVENT#"
	prefixDedup     = "DEDUP#"
	prefixRunStatus = "RUNSTATUS#"

	skDedup = "DEDUP"
	gsi1    = "GSI1"
)

func runPK(runID string) string      { return prefixRun + runID }
func runTruthSK(runID string) string { return prefixRun + runID }
func dedupPK(key string) string      { return prefixDedup + key }
func dedupSK() string                { return skDedup }

func statusGSI1PK(status types.RunStatus) string { return prefixRunStatus + string(status) }

func runListSK(createdAt time.Time, runID string) string {
	return provider.ListKey(createdAt, runID)
}

// runIDFromListSK recovers the run ID from a GSI1 sort key.
func runIDFromListSK(sk string) string {
	if i := strings.LastIndex(sk, "#"); i >= 0 {
		return sk[i+1:]
	}
	return sk
}

// eventSK orders events by ID. ULID event IDs sort by creation time; events
// without an ID fall back to a millisecond timestamp with a random suffix.
func eventSK(event types.Event) string {
	if event.EventID != "" {
		return prefixEvent + event.EventID
	}
	nonce := make([]byte, 4)
	_, _ = rand.Read(nonce)
	return fmt.Sprintf("%s%013d#%s", prefixEvent, event.Timestamp.UnixMilli(), hex.EncodeToString(nonce))
}

func ttlEpoch(d time.Duration) int64 {
	return time.Now().Add(d).Unix()
}

func isExpired(epoch int64) bool {
	return epoch > 0 && time.Now().Unix() > epoch
}

func attrS(v string) *ddbtypes.AttributeValueMemberS {
	return &ddbtypes.AttributeValueMemberS{Value: v}
}

func attrN(n int64) *ddbtypes.AttributeValueMemberN {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// attributeStr extracts a string attribute from a DynamoDB item.
func attributeStr(item map[string]ddbtypes.AttributeValue, key string) (string, error) {
	av, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	var s string
	if err := attributevalue.Unmarshal(av, &s); err != nil {
		return "", fmt.Errorf("unmarshaling %q: %w", key, err)
	}
	return s, nil
}

// attributeInt extracts an integer attribute, returning 0 when absent.
func attributeInt(item map[string]ddbtypes.AttributeValue, key string) (int64, error) {
	av, ok := item[key]
	if !ok {
		return 0, nil
	}
	var n int64
	if err := attributevalue.Unmarshal(av, &n); err != nil {
		return 0, fmt.Errorf("unmarshaling %q: %w", key, err)
	}
	return n, nil
}
