package mlog

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, "debug", "info", "warn", "error". Default is "info".
	Level string `yaml:"level"`

	// File that logger will be writen into. Default is stderr.
	File string `yaml:"file"`

	// Production enables JSON output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)

	l  = newDefaultLogger()
	s  = l.Sugar()
	mu sync.Mutex
)

func newDefaultLogger() *zap.Logger {
	return zap.New(zapcore.NewCore(defaultEncoder(), stderr, zap.InfoLevel))
}

func defaultEncoder() zapcore.Encoder {
	conf := zap.NewDevelopmentEncoderConfig()
	conf.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(conf)
}

// NewLogger creates a *zap.Logger from lc.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if len(lc.Level) > 0 {
		var err error
		lvl, err = zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	ws := zapcore.WriteSyncer(stderr)
	if len(lc.File) > 0 {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		ws = zapcore.Lock(f)
	}

	if lc.Production {
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), ws, lvl)), nil
	}
	return zap.New(zapcore.NewCore(defaultEncoder(), ws, lvl)), nil
}

// L returns the global logger. The default global logger logs to
// stderr at info level until SetLevel/Set replaces it.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return l
}

// S returns the sugared global logger.
func S() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return s
}

// Set replaces the global logger.
func Set(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	l = logger
	s = logger.Sugar()
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
