package harvest

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrQuarantineSkip is returned before any network activity when the
	// target domain is quarantined.
	ErrQuarantineSkip = errors.New("domain quarantined")
	// ErrDuplicateSkip is returned when a media candidate was already admitted
	// or its content was already stored.
	ErrDuplicateSkip = errors.New("duplicate media")
	// ErrFrontierClosed is returned by frontier pops after quiescence.
	ErrFrontierClosed = errors.New("frontier closed")
)

// NetworkError wraps a failed fetch or download attempt with enough context to
// classify it as transient (retryable) or permanent.
type NetworkError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ParseError reports malformed content from one extraction strategy.
type ParseError struct {
	URL      string
	Strategy string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.URL, e.Strategy, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// FilterError reports a candidate rejected by a configured filter. It is
// always permanent.
type FilterError struct {
	URL    string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filtered %s: %s", e.URL, e.Reason)
}

// ConfigError is a fatal misconfiguration detected before any worker starts.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

// IsTransient reports whether err represents a failure worth retrying.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Transient
	}
	return false
}

// TransientStatus reports whether an HTTP status code indicates a failure the
// server may recover from. 429 and 5xx are transient; other 4xx are not.
func TransientStatus(code int) bool {
	if code == 429 {
		return true
	}
	return code >= 500 && code < 600
}
