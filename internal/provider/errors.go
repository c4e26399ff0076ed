package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrOrderNotFound   = errors.New("certificate order not found")
	ErrRecordConflict  = errors.New("dns name already points elsewhere")
)

// Error is a classified adapter failure. Message is safe to show to tenants;
// Err keeps the raw cause for logs.
type Error struct {
	Provider string
	Op       string
	Status   int
	Terminal bool
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Message)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Public is the human-readable description stored in LastError.
func (e *Error) Public() string {
	class := "temporarily unavailable"
	if e.Terminal {
		class = "rejected the request"
	}
	msg := fmt.Sprintf("%s %s: provider %s", e.Provider, e.Op, class)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// RecordConflict reports a record for name that this service did not create:
// it exists but does not point at the platform target. It is terminal.
func RecordConflict(provider, name, existing string) error {
	return Terminal(provider, "find record", 0, name+" already has a record pointing elsewhere",
		fmt.Errorf("%w: %s -> %s", ErrRecordConflict, name, existing))
}

func Terminal(provider, op string, status int, msg string, err error) error {
	return &Error{Provider: provider, Op: op, Status: status, Terminal: true, Message: msg, Err: err}
}

func Transient(provider, op string, status int, msg string, err error) error {
	return &Error{Provider: provider, Op: op, Status: status, Message: msg, Err: err}
}

// FromStatus classifies an HTTP status the way every REST adapter needs it:
// 429 and 5xx are retryable, the remaining 4xx are not.
func FromStatus(provider, op string, status int, msg string, err error) error {
	if status == http.StatusTooManyRequests || status >= 500 || status == http.StatusRequestTimeout {
		return Transient(provider, op, status, msg, err)
	}
	return Terminal(provider, op, status, msg, err)
}

// IsTerminal reports whether err must not be retried. Unclassified errors
// (network failures and the like) count as transient.
func IsTerminal(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Terminal
	}
	return false
}

func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// PublicMessage renders err for LastError without leaking provider payloads.
func PublicMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Public()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "provider request timed out"
	}
	if IsCanceled(err) {
		return "operation canceled"
	}
	return "provider request failed"
}

// LooksTransient matches error text of libraries that do not expose typed
// errors (network failures, rate limits, unavailable upstreams).
func LooksTransient(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no such host",
		"timeout",
		"time limit exceeded",
		"rate limit",
		"ratelimited",
		"too many requests",
		"429",
		"500",
		"502",
		"503",
		"504",
		"temporary failure",
		"eof",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
