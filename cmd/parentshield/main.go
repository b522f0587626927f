// Package main is the entry point for the ParentShield security gateway.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)

	app, err := newApplication(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", observability.Error(err))
		os.Exit(1)
	}

	if err := app.run(flags.configPath); err != nil {
		logger.Error("server terminated", observability.Error(err))
		os.Exit(1)
	}
}

func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("PARENTSHIELD_CONFIG_PATH", "configs/parentshield.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("PARENTSHIELD_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("PARENTSHIELD_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("parentshield version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting parentshield",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("failed to load configuration file, using defaults",
			observability.Error(err),
		)
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", observability.Error(err))
		os.Exit(1)
	}
	return cfg
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
