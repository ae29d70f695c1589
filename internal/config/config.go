// Package config loads tool configuration with viper.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// CollectConfig holds defaults for the collect command.
type CollectConfig struct {
	ServiceURI       string   `mapstructure:"service_uri"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	ScopedOutput     []string `mapstructure:"scoped_output"`
	WaitPaused       bool     `mapstructure:"wait_paused"`
	Resume           bool     `mapstructure:"resume"`
	FunctionCoverage bool     `mapstructure:"function_coverage"`
	BranchCoverage   bool     `mapstructure:"branch_coverage"`
	IncludeDart      bool     `mapstructure:"include_dart"`
	LineCachePath    string   `mapstructure:"line_cache"`
	Out              string   `mapstructure:"out"`
}

// ReportConfig holds defaults for the report command.
type ReportConfig struct {
	PackageConfig string   `mapstructure:"package_config"`
	BasePath      string   `mapstructure:"base_path"`
	ReportOn      []string `mapstructure:"report_on"`
	Pretty        bool     `mapstructure:"pretty"`
	ReportFuncs   bool     `mapstructure:"report_funcs"`
}

// Config is the full tool configuration.
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Collect  CollectConfig `mapstructure:"collect"`
	Report   ReportConfig  `mapstructure:"report"`
}

// defaults returns the configuration used when no file overrides it.
func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Collect: CollectConfig{
			ServiceURI:     "http://127.0.0.1:8181/",
			TimeoutSeconds: 30,
			Out:            "coverage.json",
		},
	}
}

// Load reads vmcov.yaml from the working directory or its configs/
// subdirectory into the configuration. A missing file yields the defaults.
func Load() (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigName("vmcov")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("configs")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}
	return cfg, nil
}
