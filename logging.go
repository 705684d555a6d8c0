package valkey

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileLoggerConfig configures a rotating file logger for a Connection or
// ClusterClient when structured logs need to land on disk instead of
// wherever a caller's own *zap.Logger happens to write (spec §6,
// ambient logging stack).
type FileLoggerConfig struct {
	Path       string
	Level      zapcore.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultFileLoggerConfig returns sane rotation defaults.
func DefaultFileLoggerConfig(path string) FileLoggerConfig {
	return FileLoggerConfig{
		Path:       path,
		Level:      zapcore.InfoLevel,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// NewFileLogger builds a *zap.Logger that writes JSON-encoded entries to
// a size- and age-rotated file via lumberjack. Pass the result as
// ConnectionConfig.Logger to have connection lifecycle, reconnect, and
// pipeliner events land in that file.
func NewFileLogger(cfg FileLoggerConfig) *zap.Logger {
	hook := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     rfc3339TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(hook),
		cfg.Level,
	)

	return zap.New(core, zap.AddCaller())
}

func rfc3339TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339))
}
