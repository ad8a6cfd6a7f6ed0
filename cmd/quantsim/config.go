package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the quantsim configuration file
// (~/.config/quantsim/config.yaml).  Pointer fields distinguish "not
// set" from zero values.
type Config struct {
	// Quantization defaults
	WeightQuant     string   `yaml:"weight_quant"`
	ActivationQuant string   `yaml:"activation_quant"`
	WeightBits      *int64   `yaml:"weight_bits"`
	ActivationBits  *int64   `yaml:"activation_bits"`
	MovingRate      *float64 `yaml:"moving_rate"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quantsim", "config.yaml")
}

// LoadConfig reads the config file.  Returns a zero Config if the file
// doesn't exist or doesn't parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyQuantConfig applies config file defaults to the quantization
// flags when the corresponding CLI flag was not explicitly set.
func applyQuantConfig(c *cli.Command, cfg Config) {
	if cfg.WeightQuant != "" && !c.IsSet("weight-quant") {
		weightQuant = cfg.WeightQuant
	}
	if cfg.ActivationQuant != "" && !c.IsSet("activation-quant") {
		activationQuant = cfg.ActivationQuant
	}
	if cfg.WeightBits != nil && !c.IsSet("weight-bits") {
		weightBits = *cfg.WeightBits
	}
	if cfg.ActivationBits != nil && !c.IsSet("activation-bits") {
		activationBits = *cfg.ActivationBits
	}
	if cfg.MovingRate != nil && !c.IsSet("moving-rate") {
		movingRate = *cfg.MovingRate
	}
	applyLoggingConfig(c, cfg)
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	applyLoggingConfig(c, cfg)
}
