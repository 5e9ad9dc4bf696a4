package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var (
	configPath         string
	verbosityTraceFlag bool
	logFilenameFlag    string
)

var rootCmd = &cobra.Command{
	Use:           "offline0",
	Short:         "Offline cache agent for the tresorerie web app",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "offline0:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up logging from it and the
// persistent flags.
func loadConfig() (offline0.Config, error) {
	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		return offline0.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogging(cfg); err != nil {
		return offline0.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg offline0.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if verbosityTraceFlag {
		level = zerolog.TraceLevel
	}

	// stdout, plus the log file when one is given
	logFile := logFilenameFlag
	if logFile == "" {
		logFile = cfg.Logging.File
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, f)
	}
	log.Logger = log.Level(level).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("version", cfg.Agent.Version).Logger()
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
