// Package logging wires all named loggers of dObj (and of dragonboat, which the
// replication layer runs on) to a zap backend.
//
// Packages declare their logger once at package level:
//
//	var log = logger.GetLogger("store")
//
// dragonboat hands out wrappers, so loggers obtained before Init are redirected
// to the zap backend as soon as Init runs.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Names lists the loggers whose level is set by Init.
var Names = []string{
	// dragonboat
	"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb",
	// dObj
	"maple", "store", "notify", "bridge", "loopback", "dsync", "schema", "cli",
}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// zapLogger implements logger.ILogger on top of a named zap.SugaredLogger
type zapLogger struct {
	name  string
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
}

func (l *zapLogger) SetLevel(level logger.LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *zapLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *zapLogger) Panicf(format string, args ...interface{}) {
	l.sugar.Panicf(format, args...)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	mu   sync.Mutex
	base = zap.NewNop()
)

// CreateLogger implements dragonboats logger.Factory. Every logger gets its own
// atomic level on top of the shared zap core.
func CreateLogger(pkgName string) logger.ILogger {
	mu.Lock()
	defer mu.Unlock()

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	z := base.Named(pkgName).WithOptions(zap.IncreaseLevel(level))
	return &zapLogger{name: pkgName, level: level, sugar: z.Sugar()}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLevel converts a level name to a dragonboat log level.
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

func toZapLevel(level logger.LogLevel) zapcore.Level {
	switch level {
	case logger.DEBUG:
		return zapcore.DebugLevel
	case logger.INFO:
		return zapcore.InfoLevel
	case logger.WARNING:
		return zapcore.WarnLevel
	case logger.ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.DPanicLevel
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// Init installs the zap backend and sets the level of all known loggers.
// In dev mode a human readable console encoder is used, otherwise JSON.
func Init(level string, dev bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel) // filtered per logger
	cfg.OutputPaths = []string{"stdout"}
	z, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	mu.Lock()
	base = z
	mu.Unlock()

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range Names {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	mu.Lock()
	z := base
	mu.Unlock()
	_ = z.Sync()
}
