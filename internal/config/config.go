package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	AWS            AWSConfig            `mapstructure:"aws"`
	Fleet          FleetConfig          `mapstructure:"fleet"`
	Runner         RunnerConfig         `mapstructure:"runner"`
	Reaper         ReaperConfig         `mapstructure:"reaper"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Store          StoreConfig          `mapstructure:"store"`
	DryRun         bool                 `mapstructure:"dry_run"`
	LogLevel       string               `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

type AWSConfig struct {
	Region                string            `mapstructure:"region"`
	LaunchTemplateID      string            `mapstructure:"launch_template_id"`
	LaunchTemplateVersion string            `mapstructure:"launch_template_version"`
	SubnetIDs             []string          `mapstructure:"subnet_ids"`
	AMIParameterName      string            `mapstructure:"ami_parameter_name"`
	Creator               string            `mapstructure:"creator"`
	ExtraTags             map[string]string `mapstructure:"extra_tags"`
}

type FleetConfig struct {
	DefaultTier        string   `mapstructure:"default_tier"`
	InstanceTypes      []string `mapstructure:"instance_types"`
	MaxSpotPrice       string   `mapstructure:"max_spot_price"`
	AllocationStrategy string   `mapstructure:"allocation_strategy"`
	FailoverCodes      []string `mapstructure:"failover_codes"`
	RetryableCodes     []string `mapstructure:"retryable_codes"`
	EnableTracing      bool     `mapstructure:"enable_tracing"`
}

type RunnerConfig struct {
	Environment        string `mapstructure:"environment"`
	BootTimeoutMinutes int    `mapstructure:"boot_timeout_minutes"`
}

type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type LeaderElectionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockFilePath  string        `mapstructure:"lock_file_path"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)
	v.SetDefault("server.api_key", "")

	// AWS defaults. Required keys get empty defaults so environment-only
	// configuration still reaches Unmarshal.
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.launch_template_id", "")
	v.SetDefault("aws.launch_template_version", "$Default")
	v.SetDefault("aws.subnet_ids", []string{})
	v.SetDefault("aws.ami_parameter_name", "")
	v.SetDefault("aws.creator", "forge")

	// Fleet defaults
	v.SetDefault("fleet.default_tier", "spot")
	v.SetDefault("fleet.instance_types", []string{"m5.large"})
	v.SetDefault("fleet.allocation_strategy", "capacity-optimized")
	v.SetDefault("fleet.max_spot_price", "")
	v.SetDefault("fleet.failover_codes", []string{
		"InsufficientInstanceCapacity",
		"UnfulfillableCapacity",
		"MaxSpotInstanceCountExceeded",
		"SpotMaxPriceTooLow",
	})
	v.SetDefault("fleet.retryable_codes", []string{
		"InsufficientInstanceCapacity",
	})
	v.SetDefault("fleet.enable_tracing", false)

	// Runner defaults
	v.SetDefault("runner.environment", "default")
	v.SetDefault("runner.boot_timeout_minutes", 10)

	// Reaper defaults
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", 60*time.Second)

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	// Leader election defaults
	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/tmp/forge-leader.lock")
	v.SetDefault("leader_election.lease_duration", 15*time.Second)
	v.SetDefault("leader_election.renew_deadline", 10*time.Second)
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/tmp/forge-allocations.json")
	v.SetDefault("store.max_events", 1000)

	// General defaults
	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

func (c *Config) Validate() error {
	// AWS validation
	if c.AWS.Region == "" {
		return fmt.Errorf("aws.region is required")
	}
	if c.AWS.LaunchTemplateID == "" {
		return fmt.Errorf("aws.launch_template_id is required")
	}
	if len(c.AWS.SubnetIDs) == 0 {
		return fmt.Errorf("aws.subnet_ids is required")
	}

	// Fleet validation
	switch c.Fleet.DefaultTier {
	case "spot", "on-demand", "capacity-block":
	default:
		return fmt.Errorf("fleet.default_tier must be one of spot, on-demand, capacity-block")
	}
	if len(c.Fleet.InstanceTypes) == 0 {
		return fmt.Errorf("fleet.instance_types is required")
	}

	// Runner validation
	if c.Runner.Environment == "" {
		return fmt.Errorf("runner.environment is required")
	}
	if c.Runner.BootTimeoutMinutes <= 0 {
		return fmt.Errorf("runner.boot_timeout_minutes must be > 0")
	}

	// Reaper validation
	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be > 0 when reaper is enabled")
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	// Leader election validation
	if c.LeaderElection.Enabled {
		if c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.LeaseDuration <= 0 {
			return fmt.Errorf("leader_election.lease_duration must be > 0")
		}
		if c.LeaderElection.RenewDeadline <= 0 {
			return fmt.Errorf("leader_election.renew_deadline must be > 0")
		}
		if c.LeaderElection.RenewDeadline >= c.LeaderElection.LeaseDuration {
			return fmt.Errorf("leader_election.renew_deadline must be < lease_duration")
		}
	}

	return nil
}

// BootTimeout returns the configured boot budget as a duration.
func (c *Config) BootTimeout() time.Duration {
	return time.Duration(c.Runner.BootTimeoutMinutes) * time.Minute
}
