// Package testutil provides shared test utilities for riskcheck.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// WaitFor polls check every 10ms until it returns true or timeout is reached.
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

// WaitForRunStatus polls until the run reaches the given status and returns it.
func WaitForRunStatus(t *testing.T, prov provider.Provider, runID string, status types.RunStatus, timeout time.Duration) types.Run {
	t.Helper()
	var run types.Run
	WaitFor(t, timeout, func() bool {
		got, err := prov.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = *got
		return run.Status == status
	}, "run "+runID+" with status "+string(status))
	return run
}

// WaitForEvent polls until an event of the given kind was recorded for the run.
func WaitForEvent(t *testing.T, prov provider.Provider, runID string, kind types.EventKind, timeout time.Duration) types.Event {
	t.Helper()
	var found types.Event
	WaitFor(t, timeout, func() bool {
		events, err := prov.ListEvents(context.Background(), runID, 1000)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Kind == kind {
				found = e
				return true
			}
		}
		return false
	}, "event "+string(kind)+" for "+runID)
	return found
}

// CountEvents returns how many events of a kind were recorded for the run.
func CountEvents(t *testing.T, prov provider.Provider, runID string, kind types.EventKind) int {
	t.Helper()
	events, err := prov.ListEvents(context.Background(), runID, 1000)
	if err != nil {
		t.Fatalf("listing events for %s: %v", runID, err)
	}
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
