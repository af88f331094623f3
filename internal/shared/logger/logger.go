package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"studio-core/internal/shared/contextkeys"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	logFormatJSON = "json"

	envProduction = "production"
	envProd       = "prod"

	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
	textTimestamp   = "2006-01-02 15:04:05"
)

// Logger defines the interface for structured logging operations.
// Call sites may pass zap fields among the args of the unformatted methods;
// they become log fields rather than message text.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger
	WithComponent(component string) Logger
}

// LogrusLogger implements the Logger interface using logrus
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger configured from LOG_LEVEL, LOG_FORMAT and ENVIRONMENT.
func NewLogger() Logger {
	return NewLoggerWithOutput(os.Stdout, os.Getenv("LOG_LEVEL"), resolveFormat())
}

// NewLoggerWithConfig creates a logger with an explicit level and format.
func NewLoggerWithConfig(level string, format string) Logger {
	return NewLoggerWithOutput(os.Stdout, level, format)
}

// NewLoggerWithOutput creates a logger writing to w.
func NewLoggerWithOutput(w io.Writer, level string, format string) Logger {
	l := logrus.New()
	l.SetLevel(parseLevel(level))
	l.SetFormatter(formatterFor(format))
	l.SetOutput(w)

	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.log(logrus.DebugLevel, args) }
func (l *LogrusLogger) Info(args ...interface{})  { l.log(logrus.InfoLevel, args) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.log(logrus.WarnLevel, args) }
func (l *LogrusLogger) Error(args ...interface{}) { l.log(logrus.ErrorLevel, args) }

func (l *LogrusLogger) Fatal(args ...interface{}) {
	entry, rest := withZapFields(l.entry, args)
	entry.Fatal(rest...)
}

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *LogrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *LogrusLogger) log(level logrus.Level, args []interface{}) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	entry, rest := withZapFields(l.entry, args)
	entry.Log(level, rest...)
}

// withZapFields moves zap fields out of args and onto the entry.
func withZapFields(entry *logrus.Entry, args []interface{}) (*logrus.Entry, []interface{}) {
	var enc *zapcore.MapObjectEncoder
	rest := make([]interface{}, 0, len(args))
	for _, arg := range args {
		f, ok := arg.(zap.Field)
		if !ok {
			rest = append(rest, arg)
			continue
		}
		if enc == nil {
			enc = zapcore.NewMapObjectEncoder()
		}
		f.AddTo(enc)
	}
	if enc == nil {
		return entry, rest
	}
	return entry.WithFields(logrus.Fields(enc.Fields)), rest
}

// WithFields adds structured fields to the logger
func (l *LogrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithContext copies request-scoped values from ctx into log fields.
func (l *LogrusLogger) WithContext(ctx context.Context) Logger {
	fields := logrus.Fields{}

	addContextField(ctx, contextkeys.RequestIDKey, "request_id", fields)
	addContextField(ctx, contextkeys.UserIDKey, "user_id", fields)
	addContextField(ctx, contextkeys.RoleKey, "role", fields)
	addContextField(ctx, contextkeys.StudentIDKey, "student_id", fields)
	addContextField(ctx, contextkeys.ComponentKey, "component", fields)
	addContextField(ctx, contextkeys.OperationKey, "operation", fields)

	return &LogrusLogger{entry: l.entry.WithFields(fields)}
}

// WithComponent adds component name to the logger
func (l *LogrusLogger) WithComponent(component string) Logger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

func addContextField(ctx context.Context, key interface{}, fieldName string, fields logrus.Fields) {
	if ctx == nil {
		return
	}
	if val, ok := ctx.Value(key).(string); ok && val != "" {
		fields[fieldName] = val
	}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func resolveFormat() string {
	env := os.Getenv("ENVIRONMENT")
	if env == envProduction || env == envProd {
		return logFormatJSON
	}
	return os.Getenv("LOG_FORMAT")
}

func formatterFor(format string) logrus.Formatter {
	if format == logFormatJSON {
		return &logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		}
	}

	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: textTimestamp,
	}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(args ...interface{})                 {}
func (nopLogger) Info(args ...interface{})                  {}
func (nopLogger) Warn(args ...interface{})                  {}
func (nopLogger) Error(args ...interface{})                 {}
func (nopLogger) Fatal(args ...interface{})                 {}
func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}
func (nopLogger) Fatalf(format string, args ...interface{}) {}

func (n nopLogger) WithFields(fields map[string]interface{}) Logger { return n }
func (n nopLogger) WithContext(ctx context.Context) Logger          { return n }
func (n nopLogger) WithComponent(component string) Logger           { return n }
