package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/basichttpd/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// AccessEntry describes one request/response exchange for the access log.
type AccessEntry struct {
	ConnID     string
	RemoteAddr string
	Method     string
	Target     string
	Status     int
	RespBytes  int
	Duration   time.Duration
	KeepAlive  bool
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger // nil when access logging is disabled

	mu      sync.Mutex
	closers []io.Closer
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errorTarget = *cfg.ErrorLog.Target
	}
	errorOut, err := l.openTarget(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	l.errorLog = zerolog.New(errorOut).Level(toZerologLevel(cfg.LogLevel)).With().Timestamp().Logger()

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOut, err := l.openTarget(accessTarget)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log: %w", err)
		}
		if cfg.AccessLog.Format == "text" {
			accessOut = zerolog.ConsoleWriter{Out: accessOut, NoColor: true, TimeFormat: time.RFC3339}
		}
		al := zerolog.New(accessOut).With().Timestamp().Logger()
		l.accessLog = &al
	}

	return l, nil
}

// NewWithWriters builds a Logger writing error entries to errOut and access
// entries to accessOut (nil disables access logging). Intended for tests and
// embedding.
func NewWithWriters(errOut, accessOut io.Writer, level config.LogLevel) *Logger {
	l := &Logger{
		errorLog: zerolog.New(errOut).Level(toZerologLevel(level)).With().Timestamp().Logger(),
	}
	if accessOut != nil {
		al := zerolog.New(accessOut).With().Timestamp().Logger()
		l.accessLog = &al
	}
	return l
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	l.mu.Lock()
	l.closers = append(l.closers, file)
	l.mu.Unlock()
	return file, nil
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.log(l.errorLog.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.log(l.errorLog.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.log(l.errorLog.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.log(l.errorLog.Error(), msg, fields) }

// Access writes one access log entry, if access logging is enabled.
func (l *Logger) Access(e AccessEntry) {
	if l.accessLog == nil {
		return
	}
	ev := l.accessLog.Log().
		Str("conn_id", e.ConnID).
		Str("remote_addr", e.RemoteAddr).
		Str("method", e.Method).
		Str("target", e.Target).
		Int("status", e.Status).
		Int("resp_bytes", e.RespBytes).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Bool("keep_alive", e.KeepAlive)
	ev.Send()
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	return firstErr
}
