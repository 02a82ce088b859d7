package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/dokzlo13/trackerd/internal/app"
	"github.com/dokzlo13/trackerd/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
	clearData := pflag.Bool("clear-data", false, "Erase local history, the stored user id and delivered events, then exit")
	showAnalytics := pflag.Bool("analytics", false, "Print the analytics summary of delivered events as JSON, then exit")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	closeLog := setupLogging(cfg.Log)
	defer closeLog()

	log.Info().Str("config", *configPath).Msg("Starting trackerd")

	if *clearData || *showAnalytics {
		code := runOnce(cfg, *clearData)
		closeLog()
		os.Exit(code)
	}

	// Create application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if err := application.Run(app.SignalContext()); err != nil {
		log.Error().Err(err).Msg("trackerd stopped with error")
	}
}

// runOnce handles the one-shot maintenance flags and returns the exit code.
// Only storage is opened: no script runs and no event is recorded.
func runOnce(cfg *config.Config, clearData bool) int {
	m, err := app.OpenMaintenance(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open storage")
		return 1
	}
	defer m.Close()

	ctx := context.Background()

	if clearData {
		log.Info().Msg("Clearing all tracking data (--clear-data)")
		if err := m.ClearAllData(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to clear data")
			return 1
		}
		return 0
	}

	if err := m.WriteAnalytics(ctx, os.Stdout); err != nil {
		log.Error().Err(err).Msg("Failed to write analytics")
		return 1
	}
	return 0
}

// setupLogging configures the global logger and returns a func that
// closes the rotating log file, if any.
func setupLogging(cfg config.LogConfig) func() {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer
	if cfg.UseJSON {
		// JSON output for production
		out = os.Stderr
	} else {
		// Text output (with optional colors)
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		}
	}

	closer := func() {}
	if cfg.File.Path != "" {
		file := &lj.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		// The file always gets JSON lines
		out = zerolog.MultiLevelWriter(out, file)
		closer = func() { _ = file.Close() }
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	switch cfg.GetLevel() {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return closer
}
