package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
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

// Logger provides structured logging on top of zap
type Logger struct {
	zl      *zap.Logger
	logFile *os.File
}

// NewLogger creates a logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return NewWriterLogger(os.Stdout, level, jsonFormat)
}

// NewWriterLogger creates a logger writing to w
func NewWriterLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	return &Logger{zl: zap.New(newCore(zapcore.AddSync(w), level, jsonFormat))}
}

// NewFileLogger creates a logger that writes to <dir>/<component>.log and stdout.
// Falls back to ./logs when dir is not writable.
func NewFileLogger(dir, component string, level Level, jsonFormat bool) (*Logger, error) {
	if dir == "" || !isWritable(dir) {
		dir = "./logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, component+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	sink := zapcore.NewMultiWriteSyncer(zapcore.AddSync(logFile), zapcore.AddSync(os.Stdout))
	logger := &Logger{
		zl:      zap.New(newCore(sink, level, jsonFormat)),
		logFile: logFile,
	}
	logger.Info(fmt.Sprintf("Logger initialized: %s -> %s", component, logPath))
	return logger, nil
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

func newCore(sink zapcore.WriteSyncer, level Level, jsonFormat bool) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level.zapLevel()))
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.zl.Debug(message, toZap(fields)...)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.zl.Info(message, toZap(fields)...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.zl.Warn(message, toZap(fields)...)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.zl.Error(message, toZap(fields)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.zl.Fatal(message, toZap(fields)...)
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With(zap.Any(key, value))}
}

// WithFields adds several fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zl: l.zl.With(toZap([]map[string]interface{}{fields})...)}
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Close flushes and closes the log file if opened
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	case "FATAL", "fatal":
		return FATAL
	default:
		return INFO
	}
}

// toZap flattens field maps into zap fields with stable key order
func toZap(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	var out []zap.Field
	for _, m := range fields {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err, ok := m[k].(error); ok {
				out = append(out, zap.NamedError(k, err))
				continue
			}
			out = append(out, zap.Any(k, m[k]))
		}
	}
	return out
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}
