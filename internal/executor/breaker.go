package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailThreshold int           // consecutive failures before opening (default 5)
	Cooldown      time.Duration // how long to stay open before half-open (default 30s)
	FailWindow    time.Duration // reset the failure count after this long in closed state (default 60s)
}

// DefaultBreakerConfig returns the default config.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailThreshold: 5,
		Cooldown:      30 * time.Second,
		FailWindow:    60 * time.Second,
	}
}

// BreakerRunner fails fast when a stage backend keeps failing. There is one
// breaker per stage. Permanent failures and cancellations count as successes
// because they say nothing about backend health.
type BreakerRunner struct {
	next   StageRunner
	config BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[types.StageKind]*gobreaker.CircuitBreaker
}

// NewBreakerRunner wraps next with per-stage circuit breakers.
func NewBreakerRunner(next StageRunner, config BreakerConfig, logger *slog.Logger) *BreakerRunner {
	def := DefaultBreakerConfig()
	if config.FailThreshold <= 0 {
		config.FailThreshold = def.FailThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.FailWindow <= 0 {
		config.FailWindow = def.FailWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRunner{
		next:     next,
		config:   config,
		logger:   logger,
		breakers: make(map[types.StageKind]*gobreaker.CircuitBreaker),
	}
}

// RunStage runs the stage through its breaker.
func (b *BreakerRunner) RunStage(ctx context.Context, in types.StageInput) (map[string]interface{}, error) {
	out, err := b.breaker(in.Stage).Execute(func() (interface{}, error) {
		return b.next.RunStage(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	payload, _ := out.(map[string]interface{})
	return payload, nil
}

// State returns the breaker state of a stage.
func (b *BreakerRunner) State(stage types.StageKind) gobreaker.State {
	return b.breaker(stage).State()
}

func (b *BreakerRunner) breaker(stage types.StageKind) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[stage]; ok {
		return cb
	}
	threshold := uint32(b.config.FailThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(stage),
		MaxRequests: 1,
		Interval:    b.config.FailWindow,
		Timeout:     b.config.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("stage circuit breaker state changed", "stage", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[stage] = cb
	return cb
}
