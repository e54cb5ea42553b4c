// Package fault classifies failures of remote collaborators so callers can
// tell an unreachable service from a slow one or a malformed reply.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrRemoteUnavailable covers refused connections, non-2xx replies and
	// broken transports.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrRemoteTimeout is returned when a call exceeds its deadline.
	ErrRemoteTimeout = errors.New("remote timeout")
)

// MalformedResponseError is returned when a reply decodes but lacks required
// fields, or does not decode at all.
type MalformedResponseError struct {
	Service string
	Fields  []string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: malformed response", e.Service)
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StatusError is a non-2xx HTTP reply. It matches ErrRemoteUnavailable.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

// Classify wraps err with ErrRemoteTimeout or ErrRemoteUnavailable. Errors
// that are already classified, and cancellation by the caller, pass through.
func Classify(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRemoteTimeout) || errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", service, ErrRemoteTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", service, ErrRemoteTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", service, ErrRemoteUnavailable, err)
}

// Describe returns a short, user-safe label for err.
func Describe(err error) string {
	var malformed *MalformedResponseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRemoteTimeout):
		return "the service took too long to respond"
	case errors.As(err, &malformed):
		return "the service returned an unexpected response"
	case errors.Is(err, ErrRemoteUnavailable):
		return "the service is unavailable"
	default:
		return "an unexpected error occurred"
	}
}
