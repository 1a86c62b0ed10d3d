// Package config loads the airflow-monitor runtime configuration from an
// optional YAML file overlaid with environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding the optional YAML file path.
const FileEnv = "AIRFLOW_MONITOR_CONFIG"

const (
	defaultMaxRuns     = 1000
	defaultSleepAfter  = 0.5
	defaultHTTPRetries = 3
	defaultHTTPTimeout = 30 * time.Second
	defaultSchema      = "public"
	defaultLockTTL     = 30 * time.Minute
)

// Config is the complete runtime configuration. Every field can be set in the
// YAML file and overridden by its environment variable.
type Config struct {
	AirflowURL              string `yaml:"airflowUrl" envconfig:"AIRFLOW_URL"`
	AirflowUser             string `yaml:"airflowUser" envconfig:"AIRFLOW_USER"`
	AirflowPassword         string `yaml:"airflowPassword" envconfig:"AIRFLOW_PASSWORD"`
	AirflowPasswordSecretID string `yaml:"airflowPasswordSecretId" envconfig:"AIRFLOW_PASSWORD_SECRET_ID"`
	AirflowSkipTLSVerify    bool   `yaml:"airflowSkipTlsVerify" envconfig:"AIRFLOW_SKIP_TLS_VERIFY"`
	AirflowPageLimit        int    `yaml:"airflowPageLimit" envconfig:"AIRFLOW_PAGE_LIMIT"`

	// HTTPMaxRetries is a pointer so an explicit 0 disables retries.
	HTTPMaxRetries *int          `yaml:"httpMaxRetries" envconfig:"HTTP_MAX_RETRIES"`
	HTTPTimeout    time.Duration `yaml:"httpTimeout" envconfig:"HTTP_TIMEOUT"`
	UserAgent      string        `yaml:"userAgent" envconfig:"USER_AGENT"`
	Environment    string        `yaml:"environment" envconfig:"ENVIRONMENT"`
	Debug          bool          `yaml:"debug" envconfig:"IS_DEBUG"`

	MaxRuns     int      `yaml:"saveMaxDagRuns" envconfig:"SAVE_MAX_DAG_RUNS"`
	SleepAfter  *float64 `yaml:"sleepAfterDag" envconfig:"SLEEP_AFTER_DAG"` // seconds, explicit 0 disables pacing
	SaveSince   string   `yaml:"saveSince" envconfig:"SAVE_SINCE"`
	SaveOnlyDAG string   `yaml:"saveOnlyDag" envconfig:"SAVE_ONLY_DAG"`
	DryRun      bool     `yaml:"dryRun" envconfig:"DRY_RUN"`

	PSQL                 string `yaml:"psql" envconfig:"PSQL"`
	PSQLUser             string `yaml:"psqlUser" envconfig:"PSQL_USER"`
	PSQLPassword         string `yaml:"psqlPassword" envconfig:"PSQL_PASSWORD"`
	PSQLPasswordSecretID string `yaml:"psqlPasswordSecretId" envconfig:"PSQL_PASSWORD_SECRET_ID"`
	PSQLSchema           string `yaml:"psqlSchema" envconfig:"PSQL_SCHEMA"`
	PSQLRole             string `yaml:"psqlRole" envconfig:"PSQL_ROLE"`

	LockTable    string        `yaml:"lockTable" envconfig:"LOCK_TABLE"`
	LockTTL      time.Duration `yaml:"lockTtl" envconfig:"LOCK_TTL"`
	EventBusName string        `yaml:"eventBusName" envconfig:"EVENT_BUS_NAME"`
	AWSRegion    string        `yaml:"awsRegion" envconfig:"AWS_REGION"`
	OTLPEndpoint string        `yaml:"otlpEndpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	since *time.Time
}

// Load reads the YAML file named by AIRFLOW_MONITOR_CONFIG when set, applies
// environment overrides, fills defaults and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv(FileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Unset variables leave the YAML values in place.
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxRuns == 0 {
		c.MaxRuns = defaultMaxRuns
	}
	if c.SleepAfter == nil {
		s := defaultSleepAfter
		c.SleepAfter = &s
	}
	if c.HTTPMaxRetries == nil {
		n := defaultHTTPRetries
		c.HTTPMaxRetries = &n
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.PSQLSchema == "" {
		c.PSQLSchema = defaultSchema
	}
	if c.LockTTL == 0 {
		c.LockTTL = defaultLockTTL
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.AirflowURL == "" {
		errs = append(errs, errors.New("AIRFLOW_URL is required"))
	}
	if c.AirflowUser == "" {
		errs = append(errs, errors.New("AIRFLOW_USER is required"))
	}
	if c.AirflowPassword == "" && c.AirflowPasswordSecretID == "" {
		errs = append(errs, errors.New("AIRFLOW_PASSWORD or AIRFLOW_PASSWORD_SECRET_ID is required"))
	}
	if c.UserAgent == "" {
		errs = append(errs, errors.New("USER_AGENT is required"))
	}
	if c.PSQL == "" {
		errs = append(errs, errors.New("PSQL is required"))
	}
	if c.MaxRuns < 0 {
		errs = append(errs, fmt.Errorf("SAVE_MAX_DAG_RUNS must not be negative, got %d", c.MaxRuns))
	}
	if *c.SleepAfter < 0 {
		errs = append(errs, fmt.Errorf("SLEEP_AFTER_DAG must not be negative, got %g", *c.SleepAfter))
	}
	if *c.HTTPMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("HTTP_MAX_RETRIES must not be negative, got %d", *c.HTTPMaxRetries))
	}
	if c.AirflowPageLimit < 0 {
		errs = append(errs, fmt.Errorf("AIRFLOW_PAGE_LIMIT must not be negative, got %d", c.AirflowPageLimit))
	}
	if c.SaveSince != "" {
		if err := c.SetSaveSince(c.SaveSince); err != nil {
			errs = append(errs, fmt.Errorf("SAVE_SINCE: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SetSaveSince sets the manual watermark override from an RFC 3339 timestamp.
// An empty string clears it.
func (c *Config) SetSaveSince(s string) error {
	if s == "" {
		c.SaveSince, c.since = "", nil
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t = t.UTC()
	c.SaveSince, c.since = s, &t
	return nil
}

// IsLocal reports whether the process runs on a developer machine.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// Pace is the pause between pipelines.
func (c *Config) Pace() time.Duration {
	if c.SleepAfter == nil {
		return time.Duration(defaultSleepAfter * float64(time.Second))
	}
	return time.Duration(*c.SleepAfter * float64(time.Second))
}

// Since is the manual watermark override, or nil when unset.
func (c *Config) Since() *time.Time {
	return c.since
}

// MaxRetries returns the HTTP retry budget.
func (c *Config) MaxRetries() int {
	if c.HTTPMaxRetries == nil {
		return defaultHTTPRetries
	}
	return *c.HTTPMaxRetries
}

// DSN returns the Postgres connection string with the <user> and <password>
// placeholders substituted and any SQLAlchemy driver suffix removed from the
// scheme, e.g. postgresql+psycopg2:// becomes postgresql://.
func (c *Config) DSN() string {
	dsn := c.PSQL
	if c.PSQLUser != "" {
		dsn = strings.ReplaceAll(dsn, "<user>", c.PSQLUser)
	}
	if c.PSQLPassword != "" {
		dsn = strings.ReplaceAll(dsn, "<password>", c.PSQLPassword)
	}
	if scheme, rest, ok := strings.Cut(dsn, "://"); ok {
		if base, _, hasDriver := strings.Cut(scheme, "+"); hasDriver {
			dsn = base + "://" + rest
		}
	}
	return dsn
}

// SecretGetter is the subset of the Secrets Manager client used to resolve
// password secrets.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NeedsSecrets reports whether any password must be fetched from Secrets Manager.
func (c *Config) NeedsSecrets() bool {
	return c.AirflowPasswordSecretID != "" || c.PSQLPasswordSecretID != ""
}

// ResolveSecrets fetches the passwords whose secret ids are configured. A
// fetched secret replaces any password set directly.
func (c *Config) ResolveSecrets(ctx context.Context, sm SecretGetter) error {
	if c.AirflowPasswordSecretID != "" {
		v, err := getSecret(ctx, sm, c.AirflowPasswordSecretID)
		if err != nil {
			return fmt.Errorf("config: airflow password: %w", err)
		}
		c.AirflowPassword = v
	}
	if c.PSQLPasswordSecretID != "" {
		v, err := getSecret(ctx, sm, c.PSQLPasswordSecretID)
		if err != nil {
			return fmt.Errorf("config: psql password: %w", err)
		}
		c.PSQLPassword = v
	}
	return nil
}

func getSecret(ctx context.Context, sm SecretGetter, id string) (string, error) {
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}
	return *out.SecretString, nil
}
