// Package config handles loading and validation of riskcheck.yaml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/riskcheck/internal/schedule"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// FileName is the config file looked up by Load.
const FileName = "riskcheck.yaml"

// Supported run store providers.
const (
	ProviderMemory   = "memory"
	ProviderDynamoDB = "dynamodb"
)

// Load reads and parses riskcheck.yaml from the given directory.
func Load(dir string) (*types.ProjectConfig, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile reads, parses and validates a config file, then applies
// RISKCHECK_* environment overrides.
func LoadFile(path string) (*types.ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (*types.ProjectConfig, error) {
	var cfg types.ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns an in-memory config suitable for local runs.
func Default() *types.ProjectConfig {
	return &types.ProjectConfig{
		Provider:  ProviderMemory,
		Retry:     schedule.DefaultRetryPolicy(),
		Artifacts: types.ArtifactConfig{Type: "passthrough"},
		Report:    types.ReportConfig{Type: "log"},
	}
}

func applyEnv(cfg *types.ProjectConfig) {
	if v := os.Getenv("RISKCHECK_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("RISKCHECK_TABLE_NAME"); v != "" {
		if cfg.DynamoDB == nil {
			cfg.DynamoDB = &types.DynamoDBConfig{}
		}
		cfg.DynamoDB.TableName = v
	}
	if v := os.Getenv("RISKCHECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RISKCHECK_SERVER_ADDR"); v != "" {
		if cfg.Server == nil {
			cfg.Server = &types.ServerConfig{}
		}
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RISKCHECK_API_KEY"); v != "" {
		if cfg.Server == nil {
			cfg.Server = &types.ServerConfig{}
		}
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("RISKCHECK_ARCHIVE_DSN"); v != "" && cfg.Archiver != nil {
		cfg.Archiver.DSN = v
	}
}

// Validate checks a config assembled outside of Load, such as from environment variables.
func Validate(cfg *types.ProjectConfig) error {
	return validate(cfg)
}

func validate(cfg *types.ProjectConfig) error {
	switch cfg.Provider {
	case "":
		return fmt.Errorf("provider is required")
	case ProviderMemory:
	case ProviderDynamoDB:
		if cfg.DynamoDB == nil {
			return fmt.Errorf("dynamodb config is required when provider is dynamodb")
		}
		if cfg.DynamoDB.TableName == "" {
			return fmt.Errorf("dynamodb.tableName is required")
		}
		if _, err := schedule.ParseTimeout(cfg.DynamoDB.RetentionTTL); err != nil {
			return fmt.Errorf("dynamodb.retentionTTL: %w", err)
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	if err := validateDurations(cfg); err != nil {
		return err
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.maxAttempts must not be negative")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}

	for stage, sc := range cfg.Stages {
		if !stage.Valid() {
			return fmt.Errorf("stages: unknown stage %q", stage)
		}
		if err := validateStage(stage, sc); err != nil {
			return err
		}
	}

	switch cfg.Artifacts.Type {
	case "", "passthrough":
	case "s3":
		if cfg.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket is required for s3")
		}
	case "minio":
		if cfg.Artifacts.Endpoint == "" || cfg.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.endpoint and artifacts.bucket are required for minio")
		}
	default:
		return fmt.Errorf("unknown artifacts.type %q", cfg.Artifacts.Type)
	}

	switch cfg.Report.Type {
	case "", "log":
	case "sqs":
		if cfg.Report.QueueURL == "" {
			return fmt.Errorf("report.queueUrl is required for sqs")
		}
		if cfg.Report.FIFO != strings.HasSuffix(cfg.Report.QueueURL, ".fifo") {
			return fmt.Errorf("report.fifo must match the queue URL suffix")
		}
	default:
		return fmt.Errorf("unknown report.type %q", cfg.Report.Type)
	}

	if cfg.Intake != nil && cfg.Intake.QueueURL == "" {
		return fmt.Errorf("intake.queueUrl is required")
	}
	if a := cfg.Archiver; a != nil && a.Enabled && a.DSN == "" && a.DSNSecretARN == "" {
		return fmt.Errorf("archiver.dsn or archiver.dsnSecretArn is required when enabled")
	}
	return nil
}

func validateStage(stage types.StageKind, sc types.StageConfig) error {
	switch sc.Type {
	case types.RunnerLambda:
		if sc.FunctionName == "" {
			return fmt.Errorf("stages.%s: functionName is required for lambda", stage)
		}
	case types.RunnerStepFunction:
		if sc.StateMachine == "" {
			return fmt.Errorf("stages.%s: stateMachineArn is required for step-function", stage)
		}
	case types.RunnerHTTP:
		if sc.URL == "" {
			return fmt.Errorf("stages.%s: url is required for http", stage)
		}
	default:
		return fmt.Errorf("stages.%s: unknown runner type %q", stage, sc.Type)
	}
	if _, err := schedule.ParseTimeout(sc.PollInterval); err != nil {
		return fmt.Errorf("stages.%s.pollInterval: %w", stage, err)
	}
	return nil
}

func validateDurations(cfg *types.ProjectConfig) error {
	checks := map[string]string{
		"coordinator.stageTimeout":     cfg.Coordinator.StageTimeout,
		"coordinator.runTimeout":       cfg.Coordinator.RunTimeout,
		"coordinator.recoveryInterval": cfg.Coordinator.RecoveryInterval,
		"coordinator.stuckThreshold":   cfg.Coordinator.StuckThreshold,
	}
	for stage, v := range cfg.Coordinator.StageTimeouts {
		checks["coordinator.stageTimeouts."+string(stage)] = v
	}
	if cb := cfg.CircuitBreaker; cb != nil {
		checks["circuitBreaker.cooldown"] = cb.Cooldown
		checks["circuitBreaker.failWindow"] = cb.FailWindow
	}
	if a := cfg.Archiver; a != nil {
		checks["archiver.interval"] = a.Interval
	}
	for name, v := range checks {
		if _, err := schedule.ParseTimeout(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
