// Package providertest provides shared conformance tests for provider.Provider
// implementations. Call RunAll from a test function to verify a provider
// satisfies the full behavioral contract.
package providertest

import (
	"testing"

	"github.com/dwsmith1983/riskcheck/internal/provider"
)

// RunAll runs the complete provider conformance suite as subtests.
func RunAll(t *testing.T, prov provider.Provider) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { TestCreateAndGet(t, prov) })
	t.Run("DedupClaim", func(t *testing.T) { TestDedupClaim(t, prov) })
	t.Run("DedupReplace", func(t *testing.T) { TestDedupReplace(t, prov) })
	t.Run("CreateRace", func(t *testing.T) { TestCreateRace(t, prov) })
	t.Run("CompareAndSwap", func(t *testing.T) { TestCompareAndSwap(t, prov) })
	t.Run("CASRaceCondition", func(t *testing.T) { TestCASRaceCondition(t, prov) })
	t.Run("ListRunsByStatus", func(t *testing.T) { TestListRunsByStatus(t, prov) })
	t.Run("ListRunsPaging", func(t *testing.T) { TestListRunsPaging(t, prov) })
	t.Run("EventAppendAndList", func(t *testing.T) { TestEventAppendAndList(t, prov) })
}
