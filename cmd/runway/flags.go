package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("RUNWAY_CONFIG", "configs/runway.json"),
		"Path to configuration file (env: RUNWAY_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("RUNWAY_CONFIG", "configs/runway.json"),
		"Path to configuration file (env: RUNWAY_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("RUNWAY_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: RUNWAY_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("RUNWAY_LOG_FORMAT", ""),
		"Log format: json, text (env: RUNWAY_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("RUNWAY_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, 0 to use config value (env: RUNWAY_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "%s - module boot orchestrator\n\nUsage: %s [options]\n\nOptions:\n",
			appName, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	return nil
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
