package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/dwsmith1983/riskcheck/internal/config"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ConfigFromEnv assembles a config for the Lambda handlers. When
// RISKCHECK_CONFIG_FILE is set the file is loaded instead.
//
// Reads: TABLE_NAME, AWS_REGION, RETENTION_TTL, VALIDATION_FUNCTION,
// BACKTEST_FUNCTION or BACKTEST_STATE_MACHINE_ARN, SENSITIVITY_FUNCTION,
// STAGE_TIMEOUT, RUN_TIMEOUT, MAX_ATTEMPTS, ARTIFACT_BUCKET, REPORT_QUEUE_URL,
// SNS_TOPIC_ARN, EVENT_BUS_NAME, ARCHIVE_DSN_SECRET_ARN, LOG_LEVEL
func ConfigFromEnv() (*types.ProjectConfig, error) {
	if path := os.Getenv("RISKCHECK_CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}

	tableName := os.Getenv("TABLE_NAME")
	region := os.Getenv("AWS_REGION")
	if tableName == "" {
		return nil, fmt.Errorf("TABLE_NAME environment variable required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS_REGION environment variable required")
	}

	cfg := config.Default()
	cfg.Provider = config.ProviderDynamoDB
	cfg.LogLevel = EnvOrDefault("LOG_LEVEL", "info")
	cfg.DynamoDB = &types.DynamoDBConfig{
		TableName:    tableName,
		Region:       region,
		RetentionTTL: EnvOrDefault("RETENTION_TTL", "720h"),
	}
	cfg.Coordinator = types.CoordinatorConfig{
		StageTimeout: EnvOrDefault("STAGE_TIMEOUT", "10m"),
		RunTimeout:   os.Getenv("RUN_TIMEOUT"),
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return nil, fmt.Errorf("MAX_ATTEMPTS: %w", err)
		}
		cfg.Retry.MaxAttempts = n
	}

	cfg.Stages = map[types.StageKind]types.StageConfig{}
	if fn := os.Getenv("VALIDATION_FUNCTION"); fn != "" {
		cfg.Stages[types.StageValidation] = types.StageConfig{Type: types.RunnerLambda, FunctionName: fn}
	}
	if arn := os.Getenv("BACKTEST_STATE_MACHINE_ARN"); arn != "" {
		cfg.Stages[types.StageBackTest] = types.StageConfig{Type: types.RunnerStepFunction, StateMachine: arn}
	} else if fn := os.Getenv("BACKTEST_FUNCTION"); fn != "" {
		cfg.Stages[types.StageBackTest] = types.StageConfig{Type: types.RunnerLambda, FunctionName: fn}
	}
	if fn := os.Getenv("SENSITIVITY_FUNCTION"); fn != "" {
		cfg.Stages[types.StageSensitivity] = types.StageConfig{Type: types.RunnerLambda, FunctionName: fn}
	}

	if bucket := os.Getenv("ARTIFACT_BUCKET"); bucket != "" {
		cfg.Artifacts = types.ArtifactConfig{Type: "s3", Bucket: bucket, Region: region}
	}
	if q := os.Getenv("REPORT_QUEUE_URL"); q != "" {
		cfg.Report = types.ReportConfig{Type: "sqs", QueueURL: q, FIFO: strings.HasSuffix(q, ".fifo")}
	}
	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.Notifications = append(cfg.Notifications, types.NotificationConfig{Type: types.NotifySNS, TopicARN: arn})
	}
	if bus := os.Getenv("EVENT_BUS_NAME"); bus != "" {
		cfg.Notifications = append(cfg.Notifications, types.NotificationConfig{Type: types.NotifyEventBridge, EventBusName: bus})
	}
	if arn := os.Getenv("ARCHIVE_DSN_SECRET_ARN"); arn != "" {
		cfg.Archiver = &types.ArchiverConfig{Enabled: true, DSNSecretARN: arn}
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating environment config: %w", err)
	}
	return cfg, nil
}
