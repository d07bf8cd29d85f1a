package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level is the logging level.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// Logger wraps a zerolog logger behind the printf-style helpers.
type Logger struct {
	level   Level
	zl      zerolog.Logger
	enabled bool
	closer  io.Closer
}

var globalLogger *Logger

// Init initializes the logger.
func Init(enabled bool, levelStr, logFile string, console bool) error {
	return initWith(enabled, levelStr, logFile, console, os.Stdout)
}

func initWith(enabled bool, levelStr, logFile string, console bool, stdout io.Writer) error {
	if globalLogger != nil && globalLogger.closer != nil {
		globalLogger.closer.Close()
	}
	if !enabled {
		globalLogger = &Logger{enabled: false}
		return nil
	}

	level := parseLevel(levelStr)
	var writers []io.Writer
	var closer io.Closer

	if logFile != "" {
		dir := filepath.Dir(logFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	if console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.DateTime, NoColor: stdout != os.Stdout})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerologLevel(level)).
		With().Timestamp().Logger()

	globalLogger = &Logger{
		level:   level,
		zl:      zl,
		enabled: true,
		closer:  closer,
	}

	return nil
}

func parseLevel(levelStr string) Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

func zerologLevel(level Level) zerolog.Level {
	switch level {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func active(level Level) bool {
	return globalLogger != nil && globalLogger.enabled && globalLogger.level <= level
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) {
	if !active(Debug) {
		return
	}
	globalLogger.zl.Debug().Msgf(format, args...)
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	if !active(Info) {
		return
	}
	globalLogger.zl.Info().Msgf(format, args...)
}

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) {
	if !active(Warn) {
		return
	}
	globalLogger.zl.Warn().Msgf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	if !active(Error) {
		return
	}
	globalLogger.zl.Error().Msgf(format, args...)
}
