package observability

import (
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger builds the logger for the adconfirm daemon.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithLevel(levelFromEnv(), "adconfirm")
}

// InitLoggerWithService builds a logger named after serviceName at the level
// selected by LOG_LEVEL or ENV. Pass the result to components instead of
// using the global logger.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(levelFromEnv(), serviceName)
}

// InitLoggerWithLevel builds a JSON logger at level, tags every entry with
// the service and installs it as the zap global. When LOG_FILE is set the
// same entries are also written to a size-rotated file.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig = encoderConfig()

	var opts []zap.Option
	if path := os.Getenv("LOG_FILE"); path != "" {
		file := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), zapcore.AddSync(rotatingFile(path)), cfg.Level)
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, file)
		}))
	}

	logger, err := cfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// encoderConfig keeps the key names the log shipper parses.
func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.LevelKey = "level"
	ec.NameKey = "logger"
	ec.CallerKey = "caller"
	ec.MessageKey = "msg"
	ec.StacktraceKey = "stacktrace"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

func rotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveEnvInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups: positiveEnvInt("LOG_MAX_BACKUPS", 5),
		MaxAge:     positiveEnvInt("LOG_MAX_AGE_DAYS", 28),
		Compress:   true,
	}
}

func positiveEnvInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// levelFromEnv prefers LOG_LEVEL; without it development environments log
// at debug and everything else at info.
func levelFromEnv() zapcore.Level {
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if lvl, err := zapcore.ParseLevel(strings.ToLower(raw)); err == nil {
			return lvl
		}
		return zap.InfoLevel
	}
	if isDevelopment() {
		return zap.DebugLevel
	}
	return zap.InfoLevel
}

func isDevelopment() bool {
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return true
	}
	return false
}

// ShouldSample reports whether an entry with the given sampling rate
// (0.0 to 1.0) should be written.
func ShouldSample(rate float64) bool {
	switch {
	case rate >= 1.0:
		return true
	case rate <= 0.0:
		return false
	}
	return rand.Float64() < rate
}

// GetSamplingRate is the share of successful requests written to the
// access log for the current ENV.
func GetSamplingRate() float64 {
	if isDevelopment() {
		return 1.0
	}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "staging", "test":
		return 0.5
	}
	return 0.1
}
