// Package config loads and validates the herdsman configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full herdsman configuration.
type Config struct {
	Listen    string `mapstructure:"listen"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	DataDir      string `mapstructure:"data_dir"`
	RegistryPath string `mapstructure:"registry_path"`
	LogDir       string `mapstructure:"log_dir"`
	GGUFDir      string `mapstructure:"gguf_dir"`

	PortRangeStart int `mapstructure:"port_range_start"`
	PortRangeEnd   int `mapstructure:"port_range_end"`

	VLLMBinary    string `mapstructure:"vllm_binary"`
	SimpleBinary  string `mapstructure:"simple_binary"`
	OllamaBinary  string `mapstructure:"ollama_binary"`
	OllamaBaseURL string `mapstructure:"ollama_base_url"`

	ConverterCommand string `mapstructure:"converter_command"`
	Quantization     string `mapstructure:"quantization"`

	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthMaxWait  time.Duration `mapstructure:"health_max_wait"`

	// External disables local spawning; start requests record a
	// reference to ExternalBaseURL instead.
	External        bool   `mapstructure:"external"`
	ExternalBaseURL string `mapstructure:"external_base_url"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:7878")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("port_range_start", 8002)
	v.SetDefault("port_range_end", 8020)
	v.SetDefault("vllm_binary", "vllm")
	v.SetDefault("simple_binary", "llama-server")
	v.SetDefault("ollama_binary", "ollama")
	v.SetDefault("ollama_base_url", "http://127.0.0.1:11434")
	v.SetDefault("converter_command", "convert-hf-to-gguf")
	v.SetDefault("quantization", "q4_k_m")
	v.SetDefault("health_interval", 2*time.Second)
	v.SetDefault("health_max_wait", 120*time.Second)
	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// Load reads the config file at path (optional, empty means defaults
// only) and applies HERDSMAN_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("herdsman")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Paths not set explicitly hang off the data directory.
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(cfg.DataDir, "servers.db")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if cfg.GGUFDir == "" {
		cfg.GGUFDir = filepath.Join(cfg.DataDir, "gguf")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.External && c.ExternalBaseURL == "" {
		return fmt.Errorf("external mode requires external_base_url")
	}
	if c.HealthInterval <= 0 || c.HealthMaxWait <= 0 {
		return fmt.Errorf("health intervals must be positive")
	}
	return nil
}
