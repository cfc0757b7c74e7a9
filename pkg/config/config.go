package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/ferry/pkg/dispatch"
	"github.com/cuemby/ferry/pkg/health"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/network"
	"github.com/cuemby/ferry/pkg/reconciler"
	"github.com/cuemby/ferry/pkg/scheduler"
	"github.com/cuemby/ferry/pkg/shipping"
	"gopkg.in/yaml.v3"
)

// PassphraseEnv overrides the master passphrase of the config file
const PassphraseEnv = "FERRY_MASTER_PASSPHRASE"

// Config is the configuration of a ferry control plane
type Config struct {
	DataDir          string          `yaml:"data_dir"`
	ClusterID        string          `yaml:"cluster_id"`
	MasterPassphrase string          `yaml:"master_passphrase"`
	MetricsAddr      string          `yaml:"metrics_addr"`
	Log              LogConfig       `yaml:"log"`
	Scheduler        SchedulerConfig `yaml:"scheduler"`
	Shipping         ShippingConfig  `yaml:"shipping"`
	Sweeper          SweeperConfig   `yaml:"sweeper"`
	Health           HealthConfig    `yaml:"health"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type SchedulerConfig struct {
	DefaultRetryDelay time.Duration `yaml:"default_retry_delay"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type ShippingConfig struct {
	ConnectionWait  time.Duration `yaml:"connection_wait"`
	AwaitTimeout    time.Duration `yaml:"await_timeout"`
	ListenTimeout   time.Duration `yaml:"listen_timeout"`
	PortRange       string        `yaml:"port_range"`
	SendTemplate    string        `yaml:"send_template"`
	ReceiveTemplate string        `yaml:"receive_template"`
	KillStale       bool          `yaml:"kill_stale"`
	Compression     string        `yaml:"compression"`
	MaxReissues     int           `yaml:"max_reissues"`
	// LocalReceiver runs the receiving side of cluster remotes in this
	// process
	LocalReceiver bool `yaml:"local_receiver"`
}

type SweeperConfig struct {
	// RunEveryMinutes applies until the Sweeper/RunEvery controller
	// property is set
	RunEveryMinutes int `yaml:"run_every_minutes"`
}

type HealthConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	Retries       int           `yaml:"retries"`
}

// Default returns the configuration used for unset values
func Default() *Config {
	ship := shipping.DefaultConfig()
	disp := dispatch.DefaultConfig()
	probe := health.DefaultConfig()
	return &Config{
		DataDir:     "/var/lib/ferry",
		MetricsAddr: "127.0.0.1:9105",
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Scheduler: SchedulerConfig{
			DefaultRetryDelay: scheduler.DefaultRetryDelay,
			ShutdownTimeout:   30 * time.Second,
		},
		Shipping: ShippingConfig{
			ConnectionWait:  ship.ConnectionWait,
			AwaitTimeout:    disp.AwaitTimeout,
			ListenTimeout:   disp.ListenTimeout,
			PortRange:       "12000-12999",
			SendTemplate:    dispatch.DefaultSendTemplate,
			ReceiveTemplate: dispatch.DefaultReceiveTemplate,
			KillStale:       ship.KillStale,
			Compression:     string(ship.Compression),
			MaxReissues:     disp.MaxReissues,
		},
		Sweeper: SweeperConfig{
			RunEveryMinutes: int(reconciler.DefaultRunEvery / time.Minute),
		},
		Health: HealthConfig{
			ProbeInterval: probe.Interval,
			ProbeTimeout:  probe.Timeout,
			Retries:       probe.Retries,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults. The passphrase environment variable wins over the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if v := os.Getenv(PassphraseEnv); v != "" {
		cfg.MasterPassphrase = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the services would reject
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if !log.Level(c.Log.Level).Valid() {
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	if _, err := network.ParsePortRange(c.Shipping.PortRange); err != nil {
		return fmt.Errorf("shipping.port_range: %w", err)
	}
	if !shipping.Compression(c.Shipping.Compression).Valid() {
		return fmt.Errorf("shipping.compression: unknown mode %q", c.Shipping.Compression)
	}
	if _, err := dispatch.ParseTemplates(c.Shipping.SendTemplate, c.Shipping.ReceiveTemplate); err != nil {
		return fmt.Errorf("shipping: %w", err)
	}
	if c.Shipping.MaxReissues < 0 {
		return fmt.Errorf("shipping.max_reissues must not be negative")
	}
	if c.Sweeper.RunEveryMinutes <= 0 {
		return fmt.Errorf("sweeper.run_every_minutes must be positive")
	}
	if c.Health.Retries <= 0 {
		return fmt.Errorf("health.retries must be positive")
	}
	for name, d := range map[string]time.Duration{
		"scheduler.default_retry_delay": c.Scheduler.DefaultRetryDelay,
		"scheduler.shutdown_timeout":    c.Scheduler.ShutdownTimeout,
		"shipping.connection_wait":      c.Shipping.ConnectionWait,
		"shipping.await_timeout":        c.Shipping.AwaitTimeout,
		"shipping.listen_timeout":       c.Shipping.ListenTimeout,
		"health.probe_interval":         c.Health.ProbeInterval,
		"health.probe_timeout":          c.Health.ProbeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// ShippingService returns the shipping service configuration
func (c *Config) ShippingService() shipping.Config {
	cfg := shipping.DefaultConfig()
	cfg.ClusterID = c.ClusterID
	cfg.ConnectionWait = c.Shipping.ConnectionWait
	cfg.Compression = shipping.Compression(c.Shipping.Compression)
	cfg.KillStale = c.Shipping.KillStale
	return cfg
}

// Dispatcher returns the dispatcher configuration
func (c *Config) Dispatcher() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.AwaitTimeout = c.Shipping.AwaitTimeout
	cfg.ListenTimeout = c.Shipping.ListenTimeout
	cfg.MaxReissues = c.Shipping.MaxReissues
	return cfg
}

// Probes returns the remote probing configuration
func (c *Config) Probes() health.Config {
	cfg := health.DefaultConfig()
	cfg.Interval = c.Health.ProbeInterval
	cfg.Timeout = c.Health.ProbeTimeout
	cfg.Retries = c.Health.Retries
	return cfg
}

// SweepInterval returns the sweeper interval used until the controller
// property is set
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweeper.RunEveryMinutes) * time.Minute
}

// Logging returns the logger configuration
func (c *Config) Logging() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
