// Package notify delivers run notifications to multiple sinks.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// Sink is a notification destination.
type Sink interface {
	Send(ctx context.Context, n types.Notification) error
	Name() string
}

// Notifier receives notifications for terminal run transitions.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification)
}

// Dispatcher routes notifications to configured sinks. Delivery is best
// effort: a failing sink is logged and the others still receive the message.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// New creates a dispatcher over the given sinks.
func New(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sinks: sinks, logger: logger}
}

// NewDispatcher creates a dispatcher from notification configs.
func NewDispatcher(configs []types.NotificationConfig, logger *slog.Logger) (*Dispatcher, error) {
	d := New(logger)
	for _, cfg := range configs {
		sink, err := newSink(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s sink: %w", cfg.Type, err)
		}
		d.sinks = append(d.sinks, sink)
	}
	return d, nil
}

// Notify sends a notification to all configured sinks.
func (d *Dispatcher) Notify(ctx context.Context, n types.Notification) {
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, n); err != nil {
			d.logger.Error("notification delivery failed", "sink", sink.Name(), "runID", n.RunID, "error", err)
		}
	}
}

// Sinks returns the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

func newSink(cfg types.NotificationConfig) (Sink, error) {
	switch cfg.Type {
	case types.NotifyConsole:
		return NewConsoleSink(), nil
	case types.NotifyWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook URL required")
		}
		return NewWebhookSink(cfg.URL), nil
	case types.NotifyFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file path required")
		}
		return NewFileSink(cfg.Path)
	case types.NotifySNS:
		return NewSNSSink(cfg.TopicARN)
	case types.NotifyEventBridge:
		return NewEventBridgeSink(cfg.EventBusName)
	default:
		return nil, fmt.Errorf("unknown notification type %q", cfg.Type)
	}
}

// ForRun builds the notification for a run that reached a terminal state.
func ForRun(run types.Run, now time.Time) types.Notification {
	n := types.Notification{
		Level:      types.AlertLevelError,
		RunID:      run.RunID,
		ArtifactID: run.Artifact.ArtifactID,
		Version:    run.Artifact.Version,
		Status:     run.Status,
		Timestamp:  now,
	}
	switch run.Status {
	case types.RunCompleted:
		if run.Result != nil {
			n.OverallStatus = run.Result.OverallStatus
		}
		switch n.OverallStatus {
		case types.StatusPassed:
			n.Level = types.AlertLevelInfo
		case types.StatusPassedWithWarnings:
			n.Level = types.AlertLevelWarning
		}
		n.Message = fmt.Sprintf("risk checks for %s@%s completed: %s", run.Artifact.ArtifactID, run.Artifact.Version, n.OverallStatus)
	case types.RunCancelled:
		n.Level = types.AlertLevelWarning
		n.Message = fmt.Sprintf("risk checks for %s@%s cancelled", run.Artifact.ArtifactID, run.Artifact.Version)
	default:
		n.Message = fmt.Sprintf("risk checks for %s@%s failed (%s): %s",
			run.Artifact.ArtifactID, run.Artifact.Version, run.FailureCategory, run.FailureReason)
	}
	return n
}
