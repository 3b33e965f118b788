// Package observability owns the process-wide loggers.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger is used by commands. It is a no-op logger until
	// InitCLILogger runs so packages can log unconditionally.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP service and the job orchestrator.
	ServerLogger = zap.NewNop()
)

// NewLogger builds a logger for level ("debug", "info", ...) and profile.
// STRUCTURED emits JSON; CONSOLE emits human-readable lines.
func NewLogger(serviceName, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid logging profile %q (want %s or %s)", profile, ProfileStructured, ProfileConsole)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if serviceName != "" {
		logger = logger.With(zap.String("service", serviceName))
	}
	return logger, nil
}

// InitCLILogger replaces CLILogger. Console output is used for interactive
// commands unless structured logs are requested.
func InitCLILogger(serviceName, level string, structured bool) error {
	profile := ProfileConsole
	if structured {
		profile = ProfileStructured
	}
	logger, err := NewLogger(serviceName, level, profile)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// InitServerLogger replaces ServerLogger.
func InitServerLogger(serviceName, level, profile string) error {
	logger, err := NewLogger(serviceName, level, profile)
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// Sync flushes both loggers, ignoring the errors stderr returns on some
// platforms.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
