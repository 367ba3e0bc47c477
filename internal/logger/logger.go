// Package logger configures the zerolog logger shared by the node binary.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config represents logger configuration
type Config struct {
	ConsoleOutput bool   `yaml:"console_output"`
	ConsoleColor  bool   `yaml:"console_color"`
	FileOutput    bool   `yaml:"file_output"`
	FileName      string `yaml:"file_name"`
	FileMaxSize   string `yaml:"file_max_size"`
	FileMaxAge    int    `yaml:"file_max_age_days"`
	Level         string `yaml:"level"`
}

// Logger wraps a zerolog logger built from Config.
type Logger struct {
	zlog   zerolog.Logger
	config Config
	closer io.Closer
}

var globalLogger *Logger

// Init initializes the global logger with given configuration
func Init(config Config) error {
	logger, err := New(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// New creates a logger writing to the outputs named in config.
func New(config Config) (*Logger, error) {
	var writers []io.Writer
	var closer io.Closer

	if config.ConsoleOutput {
		writers = append(writers, consoleWriter(os.Stdout, config.ConsoleColor))
	}

	if config.FileOutput {
		if config.FileName == "" {
			return nil, fmt.Errorf("file_name is required when file_output is enabled")
		}
		maxSizeMB, err := parseMaxSize(config.FileMaxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid file_max_size: %w", err)
		}
		path, err := resolveLogPath(config.FileName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve log file path: %w", err)
		}

		rotating := &lumberjack.Logger{
			Filename: path,
			MaxSize:  maxSizeMB,
			MaxAge:   config.FileMaxAge,
			Compress: true,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger, err := NewWithWriter(config, out)
	if err != nil {
		return nil, err
	}
	logger.closer = closer
	return logger, nil
}

// NewWithWriter creates a logger writing JSON lines to w.
func NewWithWriter(config Config, w io.Writer) (*Logger, error) {
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return &Logger{
		zlog:   zerolog.New(w).Level(level).With().Timestamp().Logger(),
		config: config,
	}, nil
}

func consoleWriter(out io.Writer, color bool) io.Writer {
	if !color {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		FormatLevel: func(i interface{}) string {
			level := strings.ToUpper(fmt.Sprintf("%s", i))
			switch level {
			case "TRACE", "DEBUG":
				return "\033[36m" + level + "\033[0m"
			case "INFO":
				return "\033[32mINFO\033[0m"
			case "WARN":
				return "\033[33mWARN\033[0m"
			case "ERROR", "FATAL":
				return "\033[31m" + level + "\033[0m"
			default:
				return level
			}
		},
	}
}

// parseLogLevel converts string to zerolog level
func parseLogLevel(levelStr string) (zerolog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// ValidLevel reports whether levelStr names a supported level.
func ValidLevel(levelStr string) bool {
	_, err := parseLogLevel(levelStr)
	return err == nil
}

// parseMaxSize converts size string (e.g., "10MB") to megabytes
func parseMaxSize(sizeStr string) (int, error) {
	if sizeStr == "" {
		return 10, nil
	}

	trimmed := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(sizeStr)), "MB")
	size, err := strconv.Atoi(trimmed)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("invalid size format: %s", sizeStr)
	}
	return size, nil
}

// resolveLogPath places relative log files next to the executable.
func resolveLogPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(execPath), name), nil
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Close flushes and closes the rotating log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Component returns a child of the global logger, or a no-op logger before Init.
func Component(name string) zerolog.Logger {
	if globalLogger == nil {
		return zerolog.Nop()
	}
	return globalLogger.Component(name)
}

// Get returns the global logger, or nil before Init.
func Get() *Logger {
	return globalLogger
}

// Info logs an info message
func Info(msg string, fields ...interface{}) {
	if globalLogger != nil {
		globalLogger.Info(msg, fields...)
	}
}

// Error logs an error message
func Error(msg string, fields ...interface{}) {
	if globalLogger != nil {
		globalLogger.Error(msg, fields...)
	}
}

// Info logs an info message with alternating key/value fields.
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.zlog.Info().Fields(fieldsToMap(fields...)).Msg(msg)
}

// Error logs an error message with alternating key/value fields.
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.zlog.Error().Fields(fieldsToMap(fields...)).Msg(msg)
}

// fieldsToMap pairs up variadic fields; a trailing key or a non-string key is dropped.
func fieldsToMap(fields ...interface{}) map[string]interface{} {
	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			fieldMap[key] = fields[i+1]
		}
	}
	return fieldMap
}
