package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/lumberjack.v3"
)

// Config controls the rotating file output.
type Config struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the application logger: a JSON core on a rotating file plus a
// console core on stdout. LOG_LEVEL overrides the default info level.
func New(config Config) (*zap.Logger, error) {
	fileHandler, err := lumberjack.New(
		lumberjack.WithFileName(config.Filename),
		lumberjack.WithMaxBytes(int64(config.MaxSizeMB*1024*1024)),
		lumberjack.WithMaxBackups(config.MaxBackups),
		lumberjack.WithMaxDays(config.MaxAgeDays),
		lumberjack.WithCompress(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file handler: %w", err)
	}

	level := zap.InfoLevel
	if levelEnv := os.Getenv("LOG_LEVEL"); levelEnv != "" {
		if parsedLevel, err := zapcore.ParseLevel(levelEnv); err == nil {
			level = parsedLevel
		}
	}
	logLevel := zap.NewAtomicLevelAt(level)

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.TimeKey = "timestamp"
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), logLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(fileHandler), logLevel),
	)

	return zap.New(core), nil
}
