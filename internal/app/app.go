// Package app wires the riskcheck components together from a project config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dwsmith1983/riskcheck/internal/archiver"
	"github.com/dwsmith1983/riskcheck/internal/artifact"
	"github.com/dwsmith1983/riskcheck/internal/config"
	"github.com/dwsmith1983/riskcheck/internal/coordinator"
	"github.com/dwsmith1983/riskcheck/internal/executor"
	"github.com/dwsmith1983/riskcheck/internal/intake"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/metrics"
	"github.com/dwsmith1983/riskcheck/internal/notify"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/internal/provider/dynamodb"
	"github.com/dwsmith1983/riskcheck/internal/provider/memory"
	"github.com/dwsmith1983/riskcheck/internal/provider/postgres"
	"github.com/dwsmith1983/riskcheck/internal/report"
	"github.com/dwsmith1983/riskcheck/internal/schedule"
	"github.com/dwsmith1983/riskcheck/internal/telemetry"
	"github.com/dwsmith1983/riskcheck/internal/watchdog"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const defaultHTTPRunnerTimeout = 5 * time.Minute

// Deps holds the wired components of a riskcheck process.
type Deps struct {
	Config      *types.ProjectConfig
	Provider    provider.Provider
	Coordinator *coordinator.Coordinator
	Metrics     *metrics.Metrics
	Notifier    *notify.Dispatcher
	Archive     *postgres.Store
	Archiver    *archiver.Archiver
	Consumer    *intake.Consumer
	Watchdog    *watchdog.Watchdog
	Logger      *slog.Logger

	telemetryShutdown telemetry.ShutdownFunc
	cancelConsumer    context.CancelFunc
	consumerDone      chan struct{}
}

// Option overrides a component that Build would otherwise create from config.
type Option func(*builder)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) { b.logger = l }
}

// WithProvider replaces the configured run store.
func WithProvider(p provider.Provider) Option {
	return func(b *builder) { b.provider = p }
}

// WithRunners replaces the configured stage runners.
func WithRunners(r executor.Router) Option {
	return func(b *builder) { b.runners = r }
}

// WithPublisher replaces the configured report publisher.
func WithPublisher(p report.Publisher) Option {
	return func(b *builder) { b.publisher = p }
}

// WithAWSConfig supplies the AWS config instead of loading the default chain.
func WithAWSConfig(cfg aws.Config) Option {
	return func(b *builder) {
		b.awsCfg = cfg
		b.awsLoaded = true
	}
}

type builder struct {
	cfg       *types.ProjectConfig
	logger    *slog.Logger
	provider  provider.Provider
	runners   executor.Router
	publisher report.Publisher

	awsOnce   sync.Once
	awsCfg    aws.Config
	awsErr    error
	awsLoaded bool
}

func (b *builder) aws(ctx context.Context) (aws.Config, error) {
	if b.awsLoaded {
		return b.awsCfg, nil
	}
	b.awsOnce.Do(func() {
		b.awsCfg, b.awsErr = awsconfig.LoadDefaultConfig(ctx)
	})
	if b.awsErr != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", b.awsErr)
	}
	return b.awsCfg, nil
}

// Build creates every component described by cfg. Nothing is started.
func Build(ctx context.Context, cfg *types.ProjectConfig, opts ...Option) (*Deps, error) {
	b := &builder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = NewLogger(cfg.LogLevel)
	}
	logger := b.logger

	if err := b.resolveSecrets(ctx); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	d := &Deps{Config: cfg, Logger: logger, telemetryShutdown: shutdown}

	d.Metrics, err = metrics.NewFromGlobal()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	d.Provider = b.provider
	if d.Provider == nil {
		if d.Provider, err = NewProvider(cfg); err != nil {
			return nil, err
		}
	}

	accessor, err := b.buildAccessor(ctx)
	if err != nil {
		return nil, err
	}
	runners := b.runners
	if runners == nil {
		if runners, err = b.buildRunners(ctx); err != nil {
			return nil, err
		}
	}
	exec := executor.New(accessor, runners, executor.WithLogger(logger))

	publisher := b.publisher
	if publisher == nil {
		if publisher, err = b.buildPublisher(ctx); err != nil {
			return nil, err
		}
	}

	d.Notifier, err = notify.NewDispatcher(cfg.Notifications, logger)
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	coordOpts, err := coordinatorOptions(cfg)
	if err != nil {
		return nil, err
	}
	coordOpts = append(coordOpts,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(d.Metrics),
		coordinator.WithNotifier(d.Notifier),
	)
	d.Coordinator = coordinator.New(d.Provider, exec, report.NewTrigger(publisher, logger),
		schedule.NewPolicy(cfg.Retry), coordOpts...)

	if a := cfg.Archiver; a != nil && a.Enabled {
		d.Archive, err = postgres.New(ctx, a.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to archive: %w", err)
		}
		interval, _ := schedule.ParseTimeout(a.Interval)
		d.Archiver = archiver.New(d.Provider, d.Archive, interval, logger)
	}

	if cc := cfg.Coordinator; cc.RecoveryInterval != "" {
		interval, _ := schedule.ParseTimeout(cc.RecoveryInterval)
		threshold, _ := schedule.ParseTimeout(cc.StuckThreshold)
		d.Watchdog = watchdog.New(d.Coordinator, d.Provider, d.Notifier, logger, interval, threshold)
	}

	if cfg.Intake != nil {
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		d.Consumer, err = intake.NewConsumer(sqs.NewFromConfig(awsCfg), *cfg.Intake, d.Coordinator, logger)
		if err != nil {
			return nil, fmt.Errorf("creating intake consumer: %w", err)
		}
	}
	return d, nil
}

func (b *builder) resolveSecrets(ctx context.Context) error {
	if !config.NeedsSecrets(b.cfg) {
		return nil
	}
	awsCfg, err := b.aws(ctx)
	if err != nil {
		return err
	}
	if err := config.ResolveSecrets(ctx, secretsmanager.NewFromConfig(awsCfg), b.cfg); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}
	return nil
}

// OpenArchive connects to the Postgres archive of an enabled archiver,
// resolving the DSN secret first when needed.
func OpenArchive(ctx context.Context, cfg *types.ProjectConfig, opts ...Option) (*postgres.Store, error) {
	if cfg.Archiver == nil || !cfg.Archiver.Enabled {
		return nil, errors.New("archiver is not enabled in config")
	}
	b := &builder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.resolveSecrets(ctx); err != nil {
		return nil, err
	}
	store, err := postgres.New(ctx, cfg.Archiver.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to archive: %w", err)
	}
	return store, nil
}

// NewProvider creates the run store named by cfg.Provider.
func NewProvider(cfg *types.ProjectConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderDynamoDB:
		p, err := dynamodb.New(cfg.DynamoDB)
		if err != nil {
			return nil, fmt.Errorf("creating DynamoDB provider: %w", err)
		}
		return p, nil
	case config.ProviderMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func (b *builder) buildAccessor(ctx context.Context) (artifact.Accessor, error) {
	ac := b.cfg.Artifacts
	switch ac.Type {
	case "s3":
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		var opts []func(*s3.Options)
		if ac.Region != "" {
			opts = append(opts, func(o *s3.Options) { o.Region = ac.Region })
		}
		if ac.Endpoint != "" {
			opts = append(opts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(ac.Endpoint)
				o.UsePathStyle = true
			})
		}
		return artifact.NewS3Accessor(s3.NewFromConfig(awsCfg, opts...), ac.Bucket, ac.Prefix), nil
	case "minio":
		client, err := artifact.NewMinioClient(artifact.MinioConfig{
			Endpoint:  ac.Endpoint,
			AccessKey: ac.AccessKey,
			SecretKey: ac.SecretKey,
			Region:    ac.Region,
			UseSSL:    ac.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating minio client: %w", err)
		}
		return artifact.NewMinioAccessor(client, ac.Bucket, ac.Prefix), nil
	default:
		return artifact.Passthrough{}, nil
	}
}

func (b *builder) buildRunners(ctx context.Context) (executor.Router, error) {
	bc := executor.DefaultBreakerConfig()
	if cb := b.cfg.CircuitBreaker; cb != nil {
		if cb.FailThreshold > 0 {
			bc.FailThreshold = cb.FailThreshold
		}
		if d, _ := schedule.ParseTimeout(cb.Cooldown); d > 0 {
			bc.Cooldown = d
		}
		if d, _ := schedule.ParseTimeout(cb.FailWindow); d > 0 {
			bc.FailWindow = d
		}
	}

	router := executor.Router{}
	for stage, sc := range b.cfg.Stages {
		runner, err := b.buildRunner(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}
		router[stage] = runner
	}
	// One breaker wrapper keeps a breaker per stage.
	breaker := executor.NewBreakerRunner(router, bc, b.logger)
	out := executor.Router{}
	for stage := range router {
		out[stage] = breaker
	}
	return out, nil
}

func (b *builder) buildRunner(ctx context.Context, sc types.StageConfig) (executor.StageRunner, error) {
	switch sc.Type {
	case types.RunnerHTTP:
		return executor.NewHTTPRunner(sc.URL, &http.Client{Timeout: defaultHTTPRunnerTimeout}), nil
	case types.RunnerLambda:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		return executor.NewLambdaRunner(lambda.NewFromConfig(awsCfg), sc.FunctionName), nil
	case types.RunnerStepFunction:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		poll, _ := schedule.ParseTimeout(sc.PollInterval)
		return executor.NewSFNRunner(sfn.NewFromConfig(awsCfg), sc.StateMachine, poll), nil
	default:
		return nil, fmt.Errorf("unknown runner type %q", sc.Type)
	}
}

func (b *builder) buildPublisher(ctx context.Context) (report.Publisher, error) {
	rc := b.cfg.Report
	if rc.Type != "sqs" {
		return report.NewLogPublisher(b.logger), nil
	}
	awsCfg, err := b.aws(ctx)
	if err != nil {
		return nil, err
	}
	p, err := report.NewSQSPublisher(sqs.NewFromConfig(awsCfg), rc.QueueURL, rc.FIFO)
	if err != nil {
		return nil, fmt.Errorf("creating report publisher: %w", err)
	}
	return p, nil
}

func coordinatorOptions(cfg *types.ProjectConfig) ([]coordinator.Option, error) {
	cc := cfg.Coordinator
	stageTimeout, err := schedule.ParseTimeout(cc.StageTimeout)
	if err != nil {
		return nil, fmt.Errorf("coordinator.stageTimeout: %w", err)
	}
	perStage := make(map[types.StageKind]time.Duration, len(cc.StageTimeouts))
	for stage, v := range cc.StageTimeouts {
		d, err := schedule.ParseTimeout(v)
		if err != nil {
			return nil, fmt.Errorf("coordinator.stageTimeouts.%s: %w", stage, err)
		}
		perStage[stage] = d
	}
	runTimeout, err := schedule.ParseTimeout(cc.RunTimeout)
	if err != nil {
		return nil, fmt.Errorf("coordinator.runTimeout: %w", err)
	}
	return []coordinator.Option{
		coordinator.WithStageTimeout(stageTimeout, perStage),
		coordinator.WithRunTimeout(runTimeout),
	}, nil
}

// Start connects the run store, recovers in-flight runs and starts the
// background workers.
func (d *Deps) Start(ctx context.Context) error {
	if err := d.Provider.Start(ctx); err != nil {
		return fmt.Errorf("starting provider: %w", err)
	}
	if d.Archive != nil {
		if err := d.Archive.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating archive: %w", err)
		}
	}
	n, err := d.Coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering runs: %w", err)
	}
	if n > 0 {
		d.Logger.Info("recovered in-flight runs", "count", n)
	}
	if d.Archiver != nil {
		d.Archiver.Start(ctx)
	}
	if d.Watchdog != nil {
		d.Watchdog.Start(ctx)
	}
	if d.Consumer != nil {
		cctx, cancel := context.WithCancel(ctx)
		d.cancelConsumer = cancel
		d.consumerDone = make(chan struct{})
		go func() {
			defer close(d.consumerDone)
			if err := d.Consumer.Run(cctx); err != nil && !errors.Is(err, context.Canceled) {
				d.Logger.Error("intake consumer stopped", "error", err)
			}
		}()
	}
	return nil
}

// Shutdown stops intake first, then lets in-flight stages drain before
// closing storage.
func (d *Deps) Shutdown(ctx context.Context) error {
	var errs []error
	if d.cancelConsumer != nil {
		d.cancelConsumer()
		select {
		case <-d.consumerDone:
		case <-ctx.Done():
		}
	}
	if d.Watchdog != nil {
		d.Watchdog.Stop(ctx)
	}
	if err := d.Coordinator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing coordinator: %w", err))
	}
	if d.Archiver != nil {
		d.Archiver.Stop(ctx)
	}
	if err := d.Provider.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping provider: %w", err))
	}
	if d.Archive != nil {
		d.Archive.Close()
	}
	if d.telemetryShutdown != nil {
		if err := d.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewLogger returns a JSON logger on stderr at the named level.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnvOrDefault returns the environment variable or the fallback when unset.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// WaitForRuns polls until every listed run is terminal or ctx ends, and
// returns the IDs still in flight. Runs left in flight are resumed by the
// next recovery sweep.
func (d *Deps) WaitForRuns(ctx context.Context, runIDs []string, poll time.Duration) []string {
	pending := append([]string(nil), runIDs...)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		remaining := pending[:0]
		for _, id := range pending {
			run, err := d.Coordinator.Get(ctx, id)
			if err != nil || !lifecycle.IsTerminal(run.Status) {
				remaining = append(remaining, id)
			}
		}
		pending = remaining
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return pending
		case <-ticker.C:
		}
	}
}
