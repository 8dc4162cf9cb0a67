// internal/logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds configuration for the logger
type LogConfig struct {
	Level      string `json:"level"` // debug, info, warn, error, fatal
	LogToFile  bool   `json:"log_to_file"`
	LogToJSON  bool   `json:"log_to_json"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`    // megabytes
	MaxBackups int    `json:"max_backups"` // number of backups
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`    // compress old log files
}

// DefaultLogConfig returns a default logging configuration
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		LogToFile:  false,
		LogToJSON:  false,
		FilePath:   "fanout.log",
		MaxSize:    10, // 10 MB
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// InitLogger installs the global zerolog logger. Component loggers created
// afterwards inherit its outputs.
func InitLogger(config LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if config.LogToJSON {
		writers = append(writers, os.Stdout)
	} else {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if config.LogToFile && config.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	}

	var output io.Writer
	if len(writers) > 1 {
		output = io.MultiWriter(writers...)
	} else {
		output = writers[0]
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			"component",
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"component"},
		FormatLevel: func(i interface{}) string {
			level := strings.ToUpper(fmt.Sprintf("%s", i))
			color := "37"
			switch level {
			case "DEBUG":
				color = "36"
			case "INFO":
				color = "32"
			case "WARN":
				color = "33"
			case "ERROR":
				color = "31"
			case "FATAL":
				color = "35"
			}
			return "\033[" + color + "m[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
		},
		FormatTimestamp: func(i interface{}) string {
			return fmt.Sprintf("\033[90m%s\033[0m", i)
		},
		FormatErrFieldName: func(i interface{}) string {
			return fmt.Sprintf("\033[31m%s\033[0m: ", i)
		},
		FormatErrFieldValue: func(i interface{}) string {
			return fmt.Sprintf("\033[31m%s\033[0m", i)
		},
	}
}

// Logger is a wrapper around zerolog.Logger that tags every line with a component.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new logger with the given component name
func NewLogger(component string) *Logger {
	return &Logger{
		logger: log.With().Str("component", component).Logger(),
	}
}

// NewWithWriter creates a JSON logger for the component that writes to w
// instead of the global output.
func NewWithWriter(component string, w io.Writer) *Logger {
	return &Logger{
		logger: zerolog.New(w).With().Timestamp().Str("component", component).Logger(),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		logger: l.logger.With().Interface(key, value).Logger(),
	}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{
		logger: ctx.Logger(),
	}
}

// Writer exposes the logger as an io.Writer, e.g. for http.Server.ErrorLog.
// Lines are written at warn level.
func (l *Logger) Writer() io.Writer {
	return levelWriter{logger: l.logger, level: zerolog.WarnLevel}
}

type levelWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w levelWriter) Write(p []byte) (int, error) {
	w.logger.WithLevel(w.level).Msg(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (l *Logger) Debug(msg string)                       { l.logger.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.logger.Debug().Msgf(format, v...) }
func (l *Logger) Info(msg string)                        { l.logger.Info().Msg(msg) }
func (l *Logger) Infof(format string, v ...interface{})  { l.logger.Info().Msgf(format, v...) }
func (l *Logger) Warn(msg string)                        { l.logger.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logger.Warn().Msgf(format, v...) }
func (l *Logger) Error(msg string)                       { l.logger.Error().Msg(msg) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logger.Error().Msgf(format, v...) }
func (l *Logger) Fatal(msg string)                       { l.logger.Fatal().Msg(msg) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.logger.Fatal().Msgf(format, v...) }

// LogEvent logs a connection lifecycle event. Routine events get a short
// message; errors and unknown events keep the full context as fields.
func (l *Logger) LogEvent(level string, event string, connID string, detail string) {
	var message string

	switch event {
	case "client_connected":
		if connID != "" {
			message = fmt.Sprintf("\033[96m%s\033[0m connected", connID)
		} else {
			message = "Client connected"
		}
		if detail != "" {
			message += " from " + detail
		}

	case "client_disconnected":
		if connID != "" {
			message = fmt.Sprintf("\033[96m%s\033[0m disconnected", connID)
		} else {
			message = "Client disconnected"
		}
		if detail != "" {
			message += " (" + detail + ")"
		}

	case "message_received":
		if connID != "" && detail != "" {
			message = fmt.Sprintf("\033[95m%s\033[0m: \033[97m%s\033[0m", connID, detail)
		} else if connID != "" {
			message = fmt.Sprintf("Message from \033[95m%s\033[0m", connID)
		} else {
			message = "Message received"
		}

	default:
		evt := l.logger.With().Str("event", event)
		if connID != "" {
			evt = evt.Str("conn_id", connID)
		}
		if detail != "" {
			evt = evt.Str("detail", detail)
			message = fmt.Sprintf("%s: %s", strings.ReplaceAll(event, "_", " "), detail)
		} else {
			message = strings.ReplaceAll(event, "_", " ")
		}
		logger := evt.Logger()
		emit(&logger, level, message)
		return
	}

	emit(&l.logger, level, message)
}

func emit(logger *zerolog.Logger, level string, message string) {
	switch level {
	case "debug":
		logger.Debug().Msg(message)
	case "warn":
		logger.Warn().Msg(message)
	case "error":
		logger.Error().Msg(message)
	case "fatal":
		logger.Fatal().Msg(message)
	default:
		logger.Info().Msg(message)
	}
}
