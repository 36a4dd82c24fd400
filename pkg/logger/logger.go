// Package logger provides component-tagged structured logging backed by zap.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a level name to a LogLevel. Unknown names yield INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Options controls the output sinks.
type Options struct {
	// JSON selects the JSON encoder instead of the console encoder.
	JSON bool
	// File, when set, receives a JSON copy of every entry.
	File string
}

var (
	mu      sync.RWMutex
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base    = build(Options{}, nil)
	logFile *os.File
)

func toZap(l LogLevel) zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func build(opts Options, file *os.File) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if opts.JSON {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(consoleCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level))
	}
	return zap.New(zapcore.NewTee(cores...))
}

// Configure replaces the output sinks. It is safe to call more than once.
func Configure(opts Options) error {
	var file *os.File
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		file = f
	}

	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	base = build(opts, file)
	return nil
}

// SetLevel changes the minimum level for every sink.
func SetLevel(l LogLevel) {
	level.SetLevel(toZap(l))
}

func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	case zapcore.FatalLevel:
		return FATAL
	default:
		return INFO
	}
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func zapFields(component string, fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		out = append(out, zap.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func logMessage(l LogLevel, component, msg string, fields map[string]any) {
	zl := current()
	zf := zapFields(component, fields)
	switch l {
	case DEBUG:
		zl.Debug(msg, zf...)
	case WARN:
		zl.Warn(msg, zf...)
	case ERROR:
		zl.Error(msg, zf...)
	case FATAL:
		zl.Fatal(msg, zf...)
	default:
		zl.Info(msg, zf...)
	}
}

func Debug(msg string) { logMessage(DEBUG, "", msg, nil) }
func DebugC(component, msg string) { logMessage(DEBUG, component, msg, nil) }
func DebugF(msg string, fields map[string]any) { logMessage(DEBUG, "", msg, fields) }
func DebugCF(component, msg string, fields map[string]any) { logMessage(DEBUG, component, msg, fields) }

func Info(msg string) { logMessage(INFO, "", msg, nil) }
func InfoC(component, msg string) { logMessage(INFO, component, msg, nil) }
func InfoF(msg string, fields map[string]any) { logMessage(INFO, "", msg, fields) }
func InfoCF(component, msg string, fields map[string]any) { logMessage(INFO, component, msg, fields) }

func Warn(msg string) { logMessage(WARN, "", msg, nil) }
func WarnC(component, msg string) { logMessage(WARN, component, msg, nil) }
func WarnF(msg string, fields map[string]any) { logMessage(WARN, "", msg, fields) }
func WarnCF(component, msg string, fields map[string]any) { logMessage(WARN, component, msg, fields) }

func Error(msg string) { logMessage(ERROR, "", msg, nil) }
func ErrorC(component, msg string) { logMessage(ERROR, component, msg, nil) }
func ErrorF(msg string, fields map[string]any) { logMessage(ERROR, "", msg, fields) }
func ErrorCF(component, msg string, fields map[string]any) { logMessage(ERROR, component, msg, fields) }

func Fatal(msg string) { logMessage(FATAL, "", msg, nil) }
func FatalCF(component, msg string, fields map[string]any) { logMessage(FATAL, component, msg, fields) }
