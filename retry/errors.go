package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransientError marks a failure worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// StatusError is a non-2xx HTTP response from a remote host.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// Class says whether an error should be retried.
type Class int

const (
	// ClassTransient errors are retried.
	ClassTransient Class = iota
	// ClassPermanent errors stop the retry loop.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify decides whether err is transient or permanent.
//
// Typed errors win: TransientError, PermanentError, context cancellation,
// StatusError (5xx, 408 and 429 are transient) and net.Error timeouts. Anything
// else is matched against known message patterns; unmatched errors are treated
// as transient so a flaky host is not given up on too early.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var te *TransientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code >= 500 || se.Code == 408 || se.Code == 429 {
			return ClassTransient
		}
		return ClassPermanent
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}

	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return ClassTransient
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return ClassPermanent
		}
	}
	return ClassTransient
}

// Server-side trouble is checked before auth and not-found patterns.
var transientPatterns = []string{
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"too many requests",
	"rate limit",
	"connection reset",
	"connection refused",
	"timed out",
	"timeout",
	"temporary failure in name resolution",
	"no route to host",
	"network is unreachable",
	"unexpected eof",
	"broken pipe",
}

var permanentPatterns = []string{
	"unauthorized",
	"forbidden",
	"access denied",
	"not found",
	"no such file",
	"invalid file",
	"file type invalid",
	"unsupported",
	"too big",
	"too large",
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return err != nil && Classify(err) == ClassTransient }
