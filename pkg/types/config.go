package types

// ProjectConfig is the top-level riskcheck.yaml configuration.
type ProjectConfig struct {
	Provider       string                    `yaml:"provider"`
	DynamoDB       *DynamoDBConfig           `yaml:"dynamodb,omitempty"`
	Coordinator    CoordinatorConfig         `yaml:"coordinator,omitempty"`
	Retry          RetryPolicy               `yaml:"retry,omitempty"`
	Artifacts      ArtifactConfig            `yaml:"artifacts,omitempty"`
	Stages         map[StageKind]StageConfig `yaml:"stages,omitempty"`
	CircuitBreaker *CircuitBreakerConfig     `yaml:"circuitBreaker,omitempty"`
	Report         ReportConfig              `yaml:"report,omitempty"`
	Intake         *IntakeConfig             `yaml:"intake,omitempty"`
	Notifications  []NotificationConfig      `yaml:"notifications,omitempty"`
	Archiver       *ArchiverConfig           `yaml:"archiver,omitempty"`
	Server         *ServerConfig             `yaml:"server,omitempty"`
	Telemetry      *TelemetryConfig          `yaml:"telemetry,omitempty"`
	LogLevel       string                    `yaml:"logLevel,omitempty"`
}

// DynamoDBConfig holds DynamoDB run store settings.
type DynamoDBConfig struct {
	TableName    string `yaml:"tableName"`
	Region       string `yaml:"region,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	CreateTable  bool   `yaml:"createTable,omitempty"`
	RetentionTTL string `yaml:"retentionTTL,omitempty"`
}

// CoordinatorConfig bounds stage attempts and whole runs in time.
type CoordinatorConfig struct {
	StageTimeout  string               `yaml:"stageTimeout,omitempty"`
	StageTimeouts map[StageKind]string `yaml:"stageTimeouts,omitempty"`
	RunTimeout    string               `yaml:"runTimeout,omitempty"`
	// RecoveryInterval enables the periodic recovery sweep of a long-running process.
	RecoveryInterval string `yaml:"recoveryInterval,omitempty"`
	StuckThreshold   string `yaml:"stuckThreshold,omitempty"`
}

// RetryPolicy configures automatic retry behavior for stage attempts.
type RetryPolicy struct {
	MaxAttempts       int               `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffSeconds    float64           `yaml:"backoffSeconds" json:"backoffSeconds"`
	BackoffMultiplier float64           `yaml:"backoffMultiplier,omitempty" json:"backoffMultiplier,omitempty"`
	MaxBackoffSeconds float64           `yaml:"maxBackoffSeconds,omitempty" json:"maxBackoffSeconds,omitempty"`
	Jitter            float64           `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	RetryableFailures []FailureCategory `yaml:"retryableFailures,omitempty" json:"retryableFailures,omitempty"`
}

// ArtifactConfig selects the artifact accessor backend.
type ArtifactConfig struct {
	Type      string `yaml:"type,omitempty"` // s3, minio, passthrough
	Bucket    string `yaml:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"accessKey,omitempty"`
	SecretKey string `yaml:"secretKey,omitempty"`
	UseSSL    bool   `yaml:"useSSL,omitempty"`
}

// StageConfig binds a stage to the compute backend that runs it.
type StageConfig struct {
	Type         RunnerType `yaml:"type"`
	FunctionName string     `yaml:"functionName,omitempty"`
	StateMachine string     `yaml:"stateMachineArn,omitempty"`
	URL          string     `yaml:"url,omitempty"`
	PollInterval string     `yaml:"pollInterval,omitempty"`
}

// CircuitBreakerConfig holds per-stage circuit breaker settings.
type CircuitBreakerConfig struct {
	FailThreshold int    `yaml:"failThreshold,omitempty"`
	Cooldown      string `yaml:"cooldown,omitempty"`
	FailWindow    string `yaml:"failWindow,omitempty"`
}

// ReportConfig selects where report requests are published.
type ReportConfig struct {
	Type     string `yaml:"type,omitempty"` // sqs, log
	QueueURL string `yaml:"queueUrl,omitempty"`
	FIFO     bool   `yaml:"fifo,omitempty"`
}

// IntakeConfig configures the SQS trigger event consumer.
type IntakeConfig struct {
	QueueURL    string `yaml:"queueUrl"`
	MaxMessages int32  `yaml:"maxMessages,omitempty"`
	WaitSeconds int32  `yaml:"waitSeconds,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
}

// NotificationConfig defines a notification sink.
type NotificationConfig struct {
	Type         NotificationType `yaml:"type" json:"type"`
	URL          string           `yaml:"url,omitempty" json:"url,omitempty"`
	Path         string           `yaml:"path,omitempty" json:"path,omitempty"`
	TopicARN     string           `yaml:"topicArn,omitempty" json:"topicArn,omitempty"`
	EventBusName string           `yaml:"eventBusName,omitempty" json:"eventBusName,omitempty"`
}

// ArchiverConfig configures archival of terminal runs to Postgres.
type ArchiverConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DSN          string `yaml:"dsn,omitempty"`
	DSNSecretARN string `yaml:"dsnSecretArn,omitempty"`
	Interval     string `yaml:"interval,omitempty"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr            string `yaml:"addr,omitempty"`
	APIKey          string `yaml:"apiKey,omitempty"`
	APIKeySecretARN string `yaml:"apiKeySecretArn,omitempty"`
	MaxRequestBody  int64  `yaml:"maxRequestBody,omitempty"`
}

// TelemetryConfig configures OTLP export of metrics and traces.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure,omitempty"`
	ServiceName string `yaml:"serviceName,omitempty"`
}
