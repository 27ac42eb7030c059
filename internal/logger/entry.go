package logger

import (
	"context"
	"time"
)

// Entry carries metric fields (durations, counts, job outcome) that dashboards
// aggregate on, on top of whatever the context logger already tags.
type Entry struct {
	fields Fields
}

// With starts an Entry with the given fields.
// Example: logger.With(logger.Fields{"trigger": name}).WithDuration(d).Info(ctx, "Trigger finished")
func With(fields Fields) *Entry {
	return &Entry{fields: fields}
}

// WithField returns a copy of the Entry with one more field.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	merged := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		merged[k] = v
	}
	merged[key] = value
	return &Entry{fields: merged}
}

// WithDuration records d in whole milliseconds.
func (e *Entry) WithDuration(d time.Duration) *Entry {
	return e.WithField(FieldDurationMs, d.Milliseconds())
}

// WithCount records how many items an operation touched.
func (e *Entry) WithCount(count int) *Entry {
	return e.WithField(FieldCount, count)
}

// WithJobOutcome records the status a job ended in and the claims it consumed.
func (e *Entry) WithJobOutcome(status string, attempts int) *Entry {
	return e.WithField(FieldStatus, status).WithField(FieldAttempts, attempts)
}

func (e *Entry) log(ctx context.Context) *Logger {
	return FromContext(ctx).WithFields(e.fields)
}

func (e *Entry) Debug(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Debugf(format, args...)
}

func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Infof(format, args...)
}

func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Warnf(format, args...)
}

func (e *Entry) Error(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Errorf(format, args...)
}
