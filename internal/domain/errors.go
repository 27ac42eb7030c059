package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateActivity reports that an activity with the same stable hash
	// already exists. Callers treat it as a successful no-op.
	ErrDuplicateActivity = errors.New("duplicate activity")

	// ErrExhaustedRetries marks a job that failed on its last allowed attempt.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// InvalidPayloadError reports a raw record that does not satisfy the canonical schema.
type InvalidPayloadError struct {
	Fields []string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", strings.Join(e.Fields, ", "))
}

// ConfigurationError reports a deployment problem that retrying cannot fix,
// such as an unregistered job type or a missing provider setting.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// NewConfigurationError creates a ConfigurationError with a formatted reason.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ErrorClass is the retry classification a handler attaches to its failure.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

type classifiedError struct {
	class ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable through the queue's backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// Permanent marks err as terminal. The queue fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassPermanent, err: err}
}

// Classify returns the retry class of err. Configuration and payload errors are
// permanent even when unwrapped; anything unclassified is transient.
func Classify(err error) ErrorClass {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.class
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return ClassPermanent
	}
	var payloadErr *InvalidPayloadError
	if errors.As(err, &payloadErr) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// StatusError classifies a non-success HTTP response from a collaborator.
// 408, 429 and 5xx are transient; any other status is permanent.
func StatusError(service string, status int, detail string) error {
	msg := fmt.Sprintf("%s: status %d", service, status)
	if detail != "" {
		msg += ": " + detail
	}
	err := errors.New(msg)
	if status == 408 || status == 429 || status >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}
