// Package eventlog records domain events (payment creation, redirects,
// callbacks) as structured log lines. Fan-out by severity is a sink concern.
package eventlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Severity classifies an event for sink routing.
type Severity string

const (
	SeverityOK    Severity = "ok"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

func (s Severity) level() zerolog.Level {
	switch s {
	case SeverityWarn:
		return zerolog.WarnLevel
	case SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Fields carries the structured attributes of an event.
type Fields map[string]any

// Recorder is the sink the payment flows report to.
type Recorder interface {
	Record(ctx context.Context, event string, severity Severity, fields Fields)
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, string, Severity, Fields) {}

var redactedKeys = map[string]struct{}{
	"secret":        {},
	"secret_key":    {},
	"secretkey":     {},
	"shared_secret": {},
}

// Journal writes events through a zerolog logger.
type Journal struct {
	logger  zerolog.Logger
	closers []io.Closer
}

// New wraps an existing logger.
func New(logger zerolog.Logger) *Journal {
	return &Journal{logger: logger}
}

// Open builds a Journal writing every event to base and, when dir is set, to
// paytrail.log as well, with warnings mirrored to paytrail_warn.log and errors to
// paytrail_error.log.
func Open(base io.Writer, dir string) (*Journal, error) {
	if base == nil {
		base = os.Stdout
	}
	writers := []io.Writer{base}
	var closers []io.Closer
	if dir = strings.TrimSpace(dir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create dir: %w", err)
		}
		targets := []struct {
			name  string
			level zerolog.Level
			exact bool
		}{
			{"paytrail.log", zerolog.TraceLevel, false},
			{"paytrail_warn.log", zerolog.WarnLevel, true},
			{"paytrail_error.log", zerolog.ErrorLevel, false},
		}
		for _, target := range targets {
			f, err := os.OpenFile(filepath.Join(dir, target.name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				for _, c := range closers {
					_ = c.Close()
				}
				return nil, fmt.Errorf("eventlog: open %s: %w", target.name, err)
			}
			closers = append(closers, f)
			writers = append(writers, LevelFilter{Writer: f, Min: target.level, Exact: target.exact})
		}
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return &Journal{logger: logger, closers: closers}, nil
}

// Record implements Recorder. Keys naming the shared secret are dropped.
func (j *Journal) Record(ctx context.Context, event string, severity Severity, fields Fields) {
	if j == nil {
		return
	}
	evt := j.logger.WithLevel(severity.level()).
		Str("event", event).
		Str("status", string(severity))
	if reqID := requestID(ctx); reqID != "" {
		evt = evt.Str("request_id", reqID)
	}
	for key, value := range fields {
		if _, secret := redactedKeys[strings.ToLower(key)]; secret {
			continue
		}
		evt = evt.Interface(key, value)
	}
	evt.Msg(event)
}

// Close releases the files opened by Open.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var first error
	for _, c := range j.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LevelFilter forwards only events at Min, or at Min and above when Exact is false.
type LevelFilter struct {
	Writer io.Writer
	Min    zerolog.Level
	Exact  bool
}

// Write implements io.Writer for events written without a level.
func (f LevelFilter) Write(p []byte) (int, error) {
	return f.Writer.Write(p)
}

// WriteLevel implements zerolog.LevelWriter.
func (f LevelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.Min || (f.Exact && level != f.Min) {
		return len(p), nil
	}
	return f.Writer.Write(p)
}
