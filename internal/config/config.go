package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MaxBodyBytes    string        `mapstructure:"max_body_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SandboxConfig struct {
	Engine       string        `mapstructure:"engine"` // "api" or "cli"
	DockerBinary string        `mapstructure:"docker_binary"`
	MountPath    string        `mapstructure:"mount_path"`
	User         string        `mapstructure:"user"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Memory       string        `mapstructure:"memory"`
	CPUs         float64       `mapstructure:"cpus"`
	PidsLimit    int64         `mapstructure:"pids_limit"`
	MaxOutput    string        `mapstructure:"max_output"`
	TmpfsSize    string        `mapstructure:"tmpfs_size"`
	Network      bool          `mapstructure:"network"`
	PullMissing  bool          `mapstructure:"pull_missing"`
	Images       []string      `mapstructure:"images"`
}

type WorkspaceConfig struct {
	Root       string        `mapstructure:"root"`
	SweepAfter time.Duration `mapstructure:"sweep_after"`
}

type ExecutionConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type QuotaConfig struct {
	Backend string        `mapstructure:"backend"` // "none", "memory" or "sqlite"
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
	DBPath  string        `mapstructure:"db_path"`
}

type Config struct {
	Server        ServerConfig    `mapstructure:"server"`
	Log           LogConfig       `mapstructure:"log"`
	Sandbox       SandboxConfig   `mapstructure:"sandbox"`
	Workspace     WorkspaceConfig `mapstructure:"workspace"`
	Execution     ExecutionConfig `mapstructure:"execution"`
	Quota         QuotaConfig     `mapstructure:"quota"`
	LanguagesFile string          `mapstructure:"languages_file"`
}

// Load reads configuration from path, or from runbox.yaml in the working
// directory or $HOME/.runbox when path is empty. A missing default file is
// not an error. Every key can be overridden with RUNBOX_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", "64KiB")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	policy := sandbox.DefaultPolicy()
	limits := sandbox.DefaultLimits()
	v.SetDefault("sandbox.engine", "api")
	v.SetDefault("sandbox.docker_binary", "docker")
	v.SetDefault("sandbox.mount_path", policy.MountPath)
	v.SetDefault("sandbox.user", policy.User)
	v.SetDefault("sandbox.timeout", limits.Timeout)
	v.SetDefault("sandbox.memory", "256MiB")
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", limits.PidsLimit)
	v.SetDefault("sandbox.max_output", "1MiB")
	v.SetDefault("sandbox.tmpfs_size", policy.TmpfsSize)
	v.SetDefault("sandbox.network", policy.Network)
	v.SetDefault("sandbox.pull_missing", policy.PullMissing)
	v.SetDefault("sandbox.images", []string{})

	v.SetDefault("workspace.root", filepath.Join(os.TempDir(), "runbox"))
	v.SetDefault("workspace.sweep_after", time.Hour)

	v.SetDefault("execution.max_concurrent", 8)

	v.SetDefault("quota.backend", "none")
	v.SetDefault("quota.limit", 30)
	v.SetDefault("quota.window", time.Minute)
	v.SetDefault("quota.db_path", filepath.Join(os.Getenv("HOME"), ".runbox", "quota.db"))

	v.SetDefault("languages_file", "")
}

// Validate checks enumerated values and size strings.
func (c *Config) Validate() error {
	switch c.Sandbox.Engine {
	case "api", "cli":
	default:
		return fmt.Errorf("sandbox.engine: unknown engine %q (want api or cli)", c.Sandbox.Engine)
	}
	switch c.Quota.Backend {
	case "", "none":
	case "memory", "sqlite":
		if c.Quota.Window <= 0 || c.Quota.Limit < 1 {
			return fmt.Errorf("quota: limit and window must be positive")
		}
	default:
		return fmt.Errorf("quota.backend: unknown backend %q (want none, memory or sqlite)", c.Quota.Backend)
	}
	if c.Execution.MaxConcurrent < 0 {
		return fmt.Errorf("execution.max_concurrent must not be negative")
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	if _, err := c.MaxBodyBytes(); err != nil {
		return err
	}
	if _, err := units.RAMInBytes(c.Sandbox.TmpfsSize); err != nil {
		return fmt.Errorf("sandbox.tmpfs_size: %w", err)
	}
	return nil
}

// Limits converts the sandbox section into execution limits.
func (c *Config) Limits() (sandbox.Limits, error) {
	mem, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return sandbox.Limits{}, fmt.Errorf("sandbox.memory: %w", err)
	}
	out, err := units.RAMInBytes(c.Sandbox.MaxOutput)
	if err != nil {
		return sandbox.Limits{}, fmt.Errorf("sandbox.max_output: %w", err)
	}
	return sandbox.Limits{
		Timeout:        c.Sandbox.Timeout,
		MemoryBytes:    mem,
		NanoCPUs:       int64(c.Sandbox.CPUs * 1e9),
		PidsLimit:      c.Sandbox.PidsLimit,
		MaxOutputBytes: out,
	}, nil
}

// Policy converts the sandbox section into an isolation policy.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		MountPath:    c.Sandbox.MountPath,
		User:         c.Sandbox.User,
		Network:      c.Sandbox.Network,
		ReadOnlyRoot: true,
		TmpfsSize:    c.Sandbox.TmpfsSize,
		PullMissing:  c.Sandbox.PullMissing,
		Images:       c.Sandbox.Images,
	}
}

// MaxBodyBytes returns the request body limit of the HTTP server.
func (c *Config) MaxBodyBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Server.MaxBodyBytes)
	if err != nil {
		return 0, fmt.Errorf("server.max_body_bytes: %w", err)
	}
	return n, nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
