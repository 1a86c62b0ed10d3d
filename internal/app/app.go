// Package app wires configuration, clients and the store into a runnable
// sync pass shared by the CLI and the Lambda entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dwsmith1983/airflow-monitor/internal/airflow"
	"github.com/dwsmith1983/airflow-monitor/internal/config"
	"github.com/dwsmith1983/airflow-monitor/internal/httpclient"
	"github.com/dwsmith1983/airflow-monitor/internal/lock"
	"github.com/dwsmith1983/airflow-monitor/internal/logging"
	"github.com/dwsmith1983/airflow-monitor/internal/metrics"
	"github.com/dwsmith1983/airflow-monitor/internal/notify"
	"github.com/dwsmith1983/airflow-monitor/internal/store/postgres"
	"github.com/dwsmith1983/airflow-monitor/internal/syncer"
	"github.com/dwsmith1983/airflow-monitor/internal/telemetry"
	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// ServiceName identifies the process in telemetry and the lease item.
const ServiceName = "airflow-monitor"

// Store is the run store plus its lifecycle.
type Store interface {
	syncer.Store
	Close()
}

// Deps holds everything a sync pass needs.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Telemetry *telemetry.Providers
	Store     Store
	Syncer    *syncer.Syncer
	Notifier  *notify.Dispatcher

	// Lease is nil when LOCK_TABLE is unset.
	Lease    *lock.Lease
	LeaseKey string
}

// Init loads the configuration from the environment and builds Deps.
func Init(ctx context.Context, version string) (*Deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, version)
}

// Build creates all dependencies from cfg: it resolves secrets, connects to
// Postgres and makes sure the tables exist.
func Build(ctx context.Context, cfg *config.Config, version string) (*Deps, error) {
	logger := NewLogger(cfg)

	awsCfg, err := Prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, ServiceName, version)
	if err != nil {
		return nil, err
	}
	ins, err := metrics.New(tel.MeterProvider)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	if err := store.EnsureSchema(ctx, cfg.PSQLRole); err != nil {
		store.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	api := NewAirflowClient(cfg, logger)

	s := syncer.New(api, store, syncOptions(cfg),
		syncer.WithLogger(logger),
		syncer.WithTracerProvider(tel.TracerProvider),
		syncer.WithMetrics(ins),
	)

	notifier := notify.NewDispatcher(logger, notify.NewLogSink(logger))
	if cfg.EventBusName != "" {
		sink, err := notify.NewEventBridgeSink(eventbridge.NewFromConfig(awsCfg), cfg.EventBusName)
		if err != nil {
			store.Close()
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		notifier.AddSink(sink)
	}

	d := &Deps{
		Config:    cfg,
		Logger:    logger,
		Telemetry: tel,
		Store:     store,
		Syncer:    s,
		Notifier:  notifier,
	}
	if cfg.LockTable != "" {
		owner, _ := os.Hostname()
		d.Lease = lock.New(dynamodb.NewFromConfig(awsCfg), cfg.LockTable, cfg.LockTTL, owner)
		d.LeaseKey = LeaseKey(cfg)
	}

	logger.Info("airflow-monitor initialised",
		"version", version,
		"source", cfg.AirflowURL,
		"schema", cfg.PSQLSchema,
		"maxRuns", cfg.MaxRuns,
		"pace", cfg.Pace(),
		"dryRun", cfg.DryRun,
		"lease", cfg.LockTable != "",
	)
	return d, nil
}

// syncOptions maps cfg onto the syncer. Source is the configured URL as
// given, so airflow_env matches rows written by earlier deployments.
func syncOptions(cfg *config.Config) syncer.Options {
	return syncer.Options{
		Since:        cfg.Since(),
		OnlyPipeline: cfg.SaveOnlyDAG,
		Commit:       !cfg.DryRun,
		MaxRuns:      cfg.MaxRuns,
		Pace:         cfg.Pace(),
		Source:       cfg.AirflowURL,
	}
}

// NewLogger builds the process logger from cfg and installs it as the default.
func NewLogger(cfg *config.Config) *slog.Logger {
	logger := logging.New(logging.Options{Local: cfg.IsLocal(), Debug: cfg.Debug})
	slog.SetDefault(logger)
	return logger
}

// Prepare loads the AWS configuration when any AWS-backed feature is enabled
// and resolves password secrets into cfg. The zero aws.Config is returned when
// nothing needs AWS.
func Prepare(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var awsCfg aws.Config
	if !cfg.NeedsSecrets() && cfg.LockTable == "" && cfg.EventBusName == "" {
		return awsCfg, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsCfg, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.NeedsSecrets() {
		if err := cfg.ResolveSecrets(ctx, secretsmanager.NewFromConfig(awsCfg)); err != nil {
			return awsCfg, err
		}
	}
	return awsCfg, nil
}

// OpenStore connects to the configured Postgres database. The schema is not
// created.
func OpenStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	return postgres.New(ctx, cfg.DSN(), cfg.PSQLSchema, cfg.UserAgent)
}

// NewAirflowClient builds the REST client with retries, basic auth and the
// configured user agent.
func NewAirflowClient(cfg *config.Config, logger *slog.Logger) *airflow.Client {
	httpc := httpclient.New(httpclient.Config{
		Username:      cfg.AirflowUser,
		Password:      cfg.AirflowPassword,
		UserAgent:     cfg.UserAgent,
		SkipTLSVerify: cfg.AirflowSkipTLSVerify,
		Timeout:       cfg.HTTPTimeout,
		MaxRetries:    cfg.MaxRetries(),
	}, logger)
	if cfg.AirflowSkipTLSVerify {
		logger.Warn("TLS certificate verification disabled for Airflow API")
	}
	return airflow.NewClient(cfg.AirflowURL, httpc,
		airflow.WithPageLimit(cfg.AirflowPageLimit),
		airflow.WithLogger(logger),
	)
}

// LeaseKey scopes the lease to one Airflow source and target schema, so
// syncs of different deployments do not block each other.
func LeaseKey(cfg *config.Config) string {
	return cfg.PSQLSchema + "|" + cfg.AirflowURL
}

// RunOnce runs one sync pass under the lease, if configured, and publishes the
// summary. When another process holds the lease the error wraps
// types.ErrLockHeld and nothing is synced.
func (d *Deps) RunOnce(ctx context.Context) (types.SyncSummary, error) {
	if d.Lease != nil {
		token, err := d.Lease.Acquire(ctx, d.LeaseKey)
		if err != nil {
			if errors.Is(err, types.ErrLockHeld) {
				d.Logger.Info("another sync pass holds the lease, skipping", "key", d.LeaseKey)
			}
			return types.SyncSummary{}, err
		}
		defer func() {
			if err := d.Lease.Release(context.WithoutCancel(ctx), d.LeaseKey, token); err != nil {
				d.Logger.Error("releasing lease", "key", d.LeaseKey, "error", err)
			}
		}()
	}

	sum, err := d.Syncer.Run(ctx)
	d.Notifier.Dispatch(context.WithoutCancel(ctx), sum)
	return sum, err
}

// Flush exports buffered telemetry without shutting the providers down.
func (d *Deps) Flush(ctx context.Context) error {
	if d.Telemetry == nil {
		return nil
	}
	return d.Telemetry.Flush(ctx)
}

// Close releases the store connections and flushes telemetry.
func (d *Deps) Close(ctx context.Context) error {
	if d.Store != nil {
		d.Store.Close()
	}
	if d.Telemetry != nil {
		if err := d.Telemetry.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down telemetry: %w", err)
		}
	}
	return nil
}
