package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/inopsio/modeld/pkg/executor"
	"github.com/inopsio/modeld/pkg/lifecycle"
	"github.com/inopsio/modeld/pkg/stores"
	"github.com/inopsio/modeld/pkg/telemetry"
	"github.com/inopsio/modeld/pkg/transports/ssh"
)

// Config is the modeld service configuration.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Store     StoreConfig            `yaml:"store"`
	Lifecycle LifecycleConfig        `yaml:"lifecycle"`
	Executor  ExecutorConfig         `yaml:"executor"`
	Models    ModelsConfig           `yaml:"models"`
	Remote    RemoteConfig           `yaml:"remote"`
	Policy    PolicyConfig           `yaml:"policy"`
	Events    telemetry.EventsConfig `yaml:"events"`
	Telemetry telemetry.Config       `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0s"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver          string        `yaml:"driver" validate:"required,oneof=sqlite badger memory"`
	Path            string        `yaml:"path" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0s"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0s"`
	InMemory        bool          `yaml:"in_memory"`
	SyncWrites      bool          `yaml:"sync_writes"`
}

// LifecycleConfig configures the coordinator.
type LifecycleConfig struct {
	// JobTimeout forces a model to failed when its job does not report.
	// Zero disables the watchdog.
	JobTimeout       time.Duration `yaml:"job_timeout" validate:"gte=0s"`
	MaxCASRetries    int           `yaml:"max_cas_retries" validate:"gte=0,lte=100"`
	DefaultListLimit int           `yaml:"default_list_limit" validate:"gt=0,ltefield=MaxListLimit"`
	MaxListLimit     int           `yaml:"max_list_limit" validate:"gt=0"`

	// RecoverOnStart fails models left in a transient state by a previous
	// run of this instance.
	RecoverOnStart bool `yaml:"recover_on_start"`

	// InstanceID identifies this process as the owner of the jobs it
	// starts. It must be stable across restarts and unique among processes
	// sharing a store. Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`
}

// ExecutorConfig configures the job worker pool.
type ExecutorConfig struct {
	Workers     int           `yaml:"workers" validate:"gt=0,lte=256"`
	QueueSize   int           `yaml:"queue_size" validate:"gt=0"`
	JobTimeout  time.Duration `yaml:"job_timeout" validate:"gte=0s"`
	MaxRetries  int           `yaml:"max_retries" validate:"gte=0"`
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"gte=0s"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"gte=0s"`

	// SimulatedDelay is how long simulated jobs take.
	SimulatedDelay time.Duration `yaml:"simulated_delay" validate:"gte=0s"`
}

// ModelsConfig configures the local model artifact cache.
type ModelsConfig struct {
	CacheDir        string `yaml:"cache_dir" validate:"required"`
	MaxModelSize    int64  `yaml:"max_model_size" validate:"gt=0"`
	RequireArtifact bool   `yaml:"require_artifact"`
}

// RemoteConfig configures deploys to a serving host over SSH.
type RemoteConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Host                  string        `yaml:"host" validate:"required_if=Enabled true"`
	Port                  int           `yaml:"port" validate:"gte=0,lte=65535"`
	User                  string        `yaml:"user" validate:"required_if=Enabled true"`
	Password              string        `yaml:"password"`
	PrivateKeyPath        string        `yaml:"private_key_path"`
	PrivateKeyPassphrase  string        `yaml:"private_key_passphrase"`
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" validate:"gte=0s"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"gte=0s"`
	RemoteDir             string        `yaml:"remote_dir" validate:"required_if=Enabled true"`
	DeployCommand         string        `yaml:"deploy_command"`
	UndeployCommand       string        `yaml:"undeploy_command"`
}

// PolicyConfig configures deploy admission policies.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
	Watch   bool     `yaml:"watch"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	exec := executor.DefaultConfig()
	tel := telemetry.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          stores.DriverSQLite,
			Path:            "./data/modeld.db",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
			BusyTimeout:     5 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			JobTimeout:       5 * time.Minute,
			MaxCASRetries:    3,
			DefaultListLimit: 100,
			MaxListLimit:     1000,
			RecoverOnStart:   true,
		},
		Executor: ExecutorConfig{
			Workers:        exec.Workers,
			QueueSize:      exec.QueueSize,
			JobTimeout:     exec.JobTimeout,
			MaxRetries:     exec.MaxRetries,
			BaseBackoff:    exec.BaseBackoff,
			MaxBackoff:     exec.MaxBackoff,
			SimulatedDelay: 2 * time.Second,
		},
		Models: ModelsConfig{
			CacheDir:     "./models",
			MaxModelSize: 1 << 30,
		},
		Remote: RemoteConfig{
			Port:           22,
			ConnectTimeout: 30 * time.Second,
			CommandTimeout: 5 * time.Minute,
			RemoteDir:      "/var/lib/modeld/models",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Events:    tel.Events,
		Telemetry: *tel,
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		if err := cfg.applyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults, checks it against the
// service schema, applies environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.LookupEnv)
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if raw != nil {
		if err := NewSchemaRegistry().ValidateDocument(raw); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from MODELD_* variables. LOG_LEVEL is honored
// for compatibility with the CLI.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MODELD_SERVER_ADDRESS", &c.Server.Address)
	str("MODELD_STORE_DRIVER", &c.Store.Driver)
	str("MODELD_STORE_PATH", &c.Store.Path)
	str("MODELD_MODEL_CACHE_DIR", &c.Models.CacheDir)
	str("MODELD_METRICS_ADDRESS", &c.Telemetry.Metrics.ListenAddress)
	str("MODELD_NATS_URL", &c.Events.NATS.URL)
	str("MODELD_INSTANCE_ID", &c.Lifecycle.InstanceID)
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("MODELD_LOG_LEVEL", &c.Telemetry.Logging.Level)

	if v, ok := lookup("MODELD_MAX_MODEL_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MODELD_MAX_MODEL_SIZE %q: %w", v, err)
		}
		c.Models.MaxModelSize = n
	}
	if v, ok := lookup("MODELD_JOB_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid MODELD_JOB_TIMEOUT %q: %w", v, err)
		}
		c.Lifecycle.JobTimeout = d
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Remote.Enabled && c.Remote.Password == "" && c.Remote.PrivateKeyPath == "" {
		return fmt.Errorf("invalid configuration: remote requires a password or private_key_path")
	}
	if c.Remote.Enabled && c.Remote.KnownHostsPath == "" && !c.Remote.InsecureIgnoreHostKey {
		return fmt.Errorf("invalid configuration: remote requires known_hosts_path unless insecure_ignore_host_key is set")
	}

	tel := c.TelemetryConfig()
	if err := tel.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "ltefield":
		return fmt.Sprintf("%s must not exceed %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
	}
}

// StoreConfig returns the store settings.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Driver:          c.Store.Driver,
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		BusyTimeout:     c.Store.BusyTimeout,
		InMemory:        c.Store.InMemory,
		SyncWrites:      c.Store.SyncWrites,
	}
}

// ExecutorConfig returns the worker pool settings.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		Workers:     c.Executor.Workers,
		QueueSize:   c.Executor.QueueSize,
		JobTimeout:  c.Executor.JobTimeout,
		MaxRetries:  c.Executor.MaxRetries,
		BaseBackoff: c.Executor.BaseBackoff,
		MaxBackoff:  c.Executor.MaxBackoff,
	}
}

// SSHConfig returns the connection settings for the serving host.
func (c *Config) SSHConfig() ssh.Config {
	cfg := ssh.DefaultConfig(c.Remote.Host, c.Remote.User)
	if c.Remote.Port > 0 {
		cfg.Port = c.Remote.Port
	}
	cfg.Password = c.Remote.Password
	cfg.PrivateKeyPath = c.Remote.PrivateKeyPath
	cfg.PrivateKeyPassphrase = c.Remote.PrivateKeyPassphrase
	cfg.KnownHostsPath = c.Remote.KnownHostsPath
	cfg.InsecureIgnoreHostKey = c.Remote.InsecureIgnoreHostKey
	if c.Remote.ConnectTimeout > 0 {
		cfg.ConnectTimeout = c.Remote.ConnectTimeout
	}
	if c.Remote.CommandTimeout > 0 {
		cfg.CommandTimeout = c.Remote.CommandTimeout
	}
	return cfg
}

// RemoteRunnerConfig returns the remote runner settings.
func (c *Config) RemoteRunnerConfig() executor.RemoteConfig {
	return executor.RemoteConfig{
		CacheDir:        c.Models.CacheDir,
		RemoteDir:       c.Remote.RemoteDir,
		DeployCommand:   c.Remote.DeployCommand,
		UndeployCommand: c.Remote.UndeployCommand,
	}
}

// LifecycleOptions returns coordinator options. Admission and observers
// are wired by the caller.
func (c *Config) LifecycleOptions(logger zerolog.Logger) lifecycle.Options {
	return lifecycle.Options{
		JobTimeout:       c.Lifecycle.JobTimeout,
		MaxCASRetries:    c.Lifecycle.MaxCASRetries,
		DefaultListLimit: c.Lifecycle.DefaultListLimit,
		MaxListLimit:     c.Lifecycle.MaxListLimit,
		InstanceID:       c.instanceID(),
		Logger:           logger,
	}
}

func (c *Config) instanceID() string {
	if c.Lifecycle.InstanceID != "" {
		return c.Lifecycle.InstanceID
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// TelemetryConfig returns the telemetry settings with the events section
// attached.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tel := c.Telemetry
	tel.Events = c.Events
	return &tel
}
