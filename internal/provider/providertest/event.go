package providertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// TestEventAppendAndList verifies event append and chronological listing per run.
func TestEventAppendAndList(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		err := prov.AppendEvent(ctx, types.Event{
			EventID:   fmt.Sprintf("01JCT%021d", i),
			Kind:      types.EventAttemptFinished,
			RunID:     "ct-events",
			Stage:     types.StageBackTest,
			Message:   fmt.Sprintf("attempt %d", i+1),
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}
	require.NoError(t, prov.AppendEvent(ctx, types.Event{
		EventID:   "01JCTOTHER0000000000000000",
		Kind:      types.EventRunCreated,
		RunID:     "ct-events-other",
		Timestamp: base,
	}))

	events, err := prov.ListEvents(ctx, "ct-events", 10)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, "attempt 1", events[0].Message)
	assert.Equal(t, "attempt 5", events[4].Message)
	assert.Equal(t, types.StageBackTest, events[0].Stage)

	events, err = prov.ListEvents(ctx, "ct-events", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "attempt 4", events[0].Message, "limit keeps the most recent events")
	assert.Equal(t, "attempt 5", events[1].Message)
}
