package driver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies a driver failure.
type Kind int

const (
	// KindTransient is a failure worth retrying as-is.
	KindTransient Kind = iota + 1
	// KindHelperMissing means the injected helpers are gone; retryable.
	KindHelperMissing
	// KindContextLost means the automation context reset; the instance must restart.
	KindContextLost
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindHelperMissing:
		return "helper_missing"
	case KindContextLost:
		return "context_lost"
	default:
		return "unknown"
	}
}

var (
	// ErrTransient matches every retryable driver error, context loss included.
	ErrTransient = errors.New("driver: transient failure")
	// ErrContextLost matches errors caused by a reset automation context.
	ErrContextLost = errors.New("driver: context lost")
	// ErrHelperMissing matches errors caused by missing injected helpers.
	ErrHelperMissing = errors.New("driver: helper missing")
)

// Error is a classified driver failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every Kind match ErrTransient and its own sentinel.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return true
	case ErrContextLost:
		return e.Kind == KindContextLost
	case ErrHelperMissing:
		return e.Kind == KindHelperMissing
	}
	return false
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// ContextLost wraps err as a context-loss failure.
func ContextLost(op string, err error) error {
	return &Error{Op: op, Kind: KindContextLost, Err: err}
}

// HelperMissing wraps err as a missing-helper failure.
func HelperMissing(op string, err error) error {
	return &Error{Op: op, Kind: KindHelperMissing, Err: err}
}

var (
	contextLostPattern = regexp.MustCompile(`(?i)detached frame|target closed|execution context|context lost|context_lost|registrationutils|store not found|not connected|websocket (is )?(closed|disconnected)|page closed`)
	helperPattern      = regexp.MustCompile(`(?i)helper missing|wwebjs|getchats is not a function`)
	transientPattern   = regexp.MustCompile(`(?i)timed out|timeout|protocoltimeout|protocol error|connection reset|broken pipe|eof`)
)

// Classify translates a raw driver error into the typed taxonomy. Errors that are
// already classified are returned untouched; unrecognized errors are wrapped only
// with op and stay non-retryable.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	msg := err.Error()
	switch {
	case contextLostPattern.MatchString(msg):
		return ContextLost(op, err)
	case helperPattern.MatchString(msg):
		return HelperMissing(op, err)
	case transientPattern.MatchString(msg):
		return Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsContextLost reports whether err demands a restart.
func IsContextLost(err error) bool {
	return errors.Is(err, ErrContextLost)
}
