// Package log holds the daemon logger, configured from flags.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gammadia/nomadcloud/server/flags"
	"github.com/spf13/viper"
)

// Base is a bare logger without attributes, handed to library packages
var Base *slog.Logger

// logger is the daemon logger with default attributes
var logger *slog.Logger

func Init() error {
	return initWith(os.Stdout, viper.GetString(flags.LogFormat), viper.GetString(flags.LogLevel), viper.GetBool(flags.LogSource))
}

func initWith(w io.Writer, format, level string, source bool) error {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	options := slog.HandlerOptions{
		AddSource: source,
		Level:     logLevel,
	}

	switch format {
	case "json":
		Base = slog.New(slog.NewJSONHandler(w, &options))
	case "text":
		Base = slog.New(slog.NewTextHandler(w, &options))
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	logger = Base.With("component", "daemon")
	return nil
}

// Proxies for slog.Logger methods

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

func With(args ...any) *slog.Logger {
	return logger.With(args...)
}
