package callctl

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
	LogLevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.FatalLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Fatal(ctx context.Context, msg string, fields ...Field)

	// LogError добавляет к записи код и категорию CallError
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithController(id string) StructuredLogger
	WithChannel(controller string, index int) StructuredLogger
	WithConnection(name string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

type traceIDKey struct{}

// WithTraceID кладет в контекст идентификатор, который попадет в каждую запись лога
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// LogrusLogger реализация StructuredLogger поверх logrus
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger оборачивает готовый logrus.Logger
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// NewDefaultLogger создает logger с текстовым выводом в stderr и уровнем Info
func NewDefaultLogger() *LogrusLogger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	return NewLogrusLogger(l)
}

// Entry возвращает нижележащий logrus.Entry
func (l *LogrusLogger) Entry() *logrus.Entry { return l.entry }

func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.entry.Logger.SetLevel(level.logrus())
}

func (l *LogrusLogger) IsEnabled(level LogLevel) bool {
	return l.entry.Logger.IsLevelEnabled(level.logrus())
}

func (l *LogrusLogger) WithComponent(component string) StructuredLogger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

func (l *LogrusLogger) WithController(id string) StructuredLogger {
	return &LogrusLogger{entry: l.entry.WithField("controller", id)}
}

func (l *LogrusLogger) WithChannel(controller string, index int) StructuredLogger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields{
		"controller": controller,
		"channel":    index,
	})}
}

func (l *LogrusLogger) WithConnection(name string) StructuredLogger {
	return &LogrusLogger{entry: l.entry.WithField("connection", name)}
}

func (l *LogrusLogger) WithFields(fields ...Field) StructuredLogger {
	return &LogrusLogger{entry: l.entry.WithFields(toLogrusFields(fields))}
}

func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.TraceLevel, msg, fields)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.DebugLevel, msg, fields)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.InfoLevel, msg, fields)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.WarnLevel, msg, fields)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.ErrorLevel, msg, fields)
}

func (l *LogrusLogger) Fatal(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.FatalLevel, msg, fields)
}

func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	errorFields := append(fields, Err(err))

	level := logrus.ErrorLevel
	var ce *CallError
	if errors.As(err, &ce) {
		errorFields = append(errorFields,
			String("error_code", ce.Code),
			String("error_category", string(ce.Category)),
			String("error_severity", string(ce.Severity)),
			Bool("retryable", ce.Retryable),
		)
		for k, v := range ce.Fields {
			errorFields = append(errorFields, Any(k, v))
		}
		if ce.Severity == ErrorSeverityWarning {
			level = logrus.WarnLevel
		}
	}

	l.log(ctx, level, msg, errorFields)
}

func (l *LogrusLogger) log(ctx context.Context, level logrus.Level, msg string, fields []Field) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	e := l.entry
	if len(fields) > 0 {
		e = e.WithFields(toLogrusFields(fields))
	}
	if ctx != nil {
		if id, ok := ctx.Value(traceIDKey{}).(string); ok {
			e = e.WithField("trace_id", id)
		}
		e = e.WithContext(ctx)
	}
	e.Log(level, msg)
	if level == logrus.FatalLevel {
		e.Logger.Exit(1)
	}
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Fatal(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithController(id string) StructuredLogger                            { return NoOpLogger{} }
func (NoOpLogger) WithChannel(controller string, index int) StructuredLogger            { return NoOpLogger{} }
func (NoOpLogger) WithConnection(name string) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }
