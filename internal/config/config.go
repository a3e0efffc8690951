package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/logger"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// ProxyEnabled mounts /proxy/{sessionId}/* onto hosted servers.
	ProxyEnabled bool `mapstructure:"proxy_enabled"`
	// AllowedOrigins for the terminal websocket; empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type EngineConfig struct {
	DockerHost string `mapstructure:"docker_host"`
	PublishIP  string `mapstructure:"publish_ip"`
}

// LimitsConfig describes one class of runtime.
type LimitsConfig struct {
	Image     string  `mapstructure:"image"`
	MemoryMB  int64   `mapstructure:"memory_mb"`
	CPUs      float64 `mapstructure:"cpus"`
	PidsLimit int64   `mapstructure:"pids_limit"`
	Network   string  `mapstructure:"network"`
	// Images other than Image that language entries may use; empty allows any.
	Images []string `mapstructure:"images"`
}

type RuntimeConfig struct {
	Root        string       `mapstructure:"root"`
	ServerPort  int          `mapstructure:"server_port"`
	Interactive LimitsConfig `mapstructure:"interactive"`
	Ephemeral   LimitsConfig `mapstructure:"ephemeral"`
}

type ExecConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	KillOnTimeout  bool          `mapstructure:"kill_on_timeout"`
	// OutputLimit caps stdout and stderr per exec, in bytes; 0 is unlimited.
	OutputLimit int64 `mapstructure:"output_limit"`
}

type GradingConfig struct {
	LanguagesFile  string        `mapstructure:"languages_file"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxCases       int           `mapstructure:"max_cases"`
}

type ReaperConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	ScratchTTL time.Duration `mapstructure:"scratch_ttl"`
	// IdleTTL of zero disables idle runtime reaping.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type Config struct {
	Server     ServerConfig  `mapstructure:"server"`
	Engine     EngineConfig  `mapstructure:"engine"`
	Runtime    RuntimeConfig `mapstructure:"runtime"`
	Exec       ExecConfig    `mapstructure:"exec"`
	Grading    GradingConfig `mapstructure:"grading"`
	Reaper     ReaperConfig  `mapstructure:"reaper"`
	ScratchDir string        `mapstructure:"scratch_dir"`
	Log        logger.Config `mapstructure:"log"`
}

// Load reads runbox.yaml from file, or from . and $HOME/.runbox when file is
// empty. A missing config file is not an error; RUNBOX_* environment
// variables override file values.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
	}
	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
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
	v.SetDefault("server.proxy_enabled", true)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("engine.docker_host", "")
	v.SetDefault("engine.publish_ip", "127.0.0.1")

	v.SetDefault("runtime.root", "/app")
	v.SetDefault("runtime.server_port", 3000)
	v.SetDefault("runtime.interactive.image", "node:20-alpine")
	v.SetDefault("runtime.interactive.memory_mb", 2048)
	v.SetDefault("runtime.interactive.cpus", 1.0)
	v.SetDefault("runtime.interactive.pids_limit", 512)
	v.SetDefault("runtime.interactive.network", "bridge")
	v.SetDefault("runtime.ephemeral.image", "node:20-alpine")
	v.SetDefault("runtime.ephemeral.memory_mb", 256)
	v.SetDefault("runtime.ephemeral.cpus", 0.5)
	v.SetDefault("runtime.ephemeral.pids_limit", 64)
	v.SetDefault("runtime.ephemeral.network", "none")

	v.SetDefault("exec.default_timeout", "30s")
	v.SetDefault("exec.max_timeout", "5m")
	v.SetDefault("exec.kill_on_timeout", true)
	v.SetDefault("exec.output_limit", 1<<20)

	v.SetDefault("grading.languages_file", "")
	v.SetDefault("grading.default_timeout", "10s")
	v.SetDefault("grading.max_cases", 50)

	v.SetDefault("reaper.interval", "1h")
	v.SetDefault("reaper.scratch_ttl", "1h")
	v.SetDefault("reaper.idle_ttl", "0s")

	v.SetDefault("scratch_dir", filepath.Join(os.TempDir(), "runbox"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
}

// Validate rejects values the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Runtime.Root, "/") {
		errs = append(errs, fmt.Errorf("runtime.root %q must be absolute", c.Runtime.Root))
	}
	if c.Runtime.ServerPort <= 0 || c.Runtime.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("runtime.server_port %d out of range", c.Runtime.ServerPort))
	}
	for name, l := range map[string]LimitsConfig{"interactive": c.Runtime.Interactive, "ephemeral": c.Runtime.Ephemeral} {
		if l.Image == "" {
			errs = append(errs, fmt.Errorf("runtime.%s.image is required", name))
		}
		if l.MemoryMB <= 0 {
			errs = append(errs, fmt.Errorf("runtime.%s.memory_mb must be positive", name))
		}
		if l.CPUs < 0 {
			errs = append(errs, fmt.Errorf("runtime.%s.cpus must not be negative", name))
		}
		if l.Network != "bridge" && l.Network != "none" {
			errs = append(errs, fmt.Errorf("runtime.%s.network %q must be bridge or none", name, l.Network))
		}
	}
	if c.Exec.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("exec.default_timeout must be positive"))
	}
	if c.Exec.MaxTimeout < c.Exec.DefaultTimeout {
		errs = append(errs, errors.New("exec.max_timeout must be at least exec.default_timeout"))
	}
	if c.Exec.OutputLimit < 0 {
		errs = append(errs, errors.New("exec.output_limit must not be negative"))
	}
	if c.Grading.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("grading.default_timeout must be positive"))
	}
	if c.Grading.MaxCases <= 0 {
		errs = append(errs, errors.New("grading.max_cases must be positive"))
	}
	if c.Reaper.Interval <= 0 {
		errs = append(errs, errors.New("reaper.interval must be positive"))
	}
	if c.Reaper.ScratchTTL <= 0 {
		errs = append(errs, errors.New("reaper.scratch_ttl must be positive"))
	}
	if c.Reaper.IdleTTL < 0 {
		errs = append(errs, errors.New("reaper.idle_ttl must not be negative"))
	}
	if c.ScratchDir == "" {
		errs = append(errs, errors.New("scratch_dir is required"))
	}
	return errors.Join(errs...)
}
