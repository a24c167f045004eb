// Package fault defines the typed error taxonomy surfaced across the
// supervisor boundary. Every error leaving an IPC handler is mapped to a
// Kind plus a user-visible message; raw wrapped causes never cross into the
// webview zones.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates error categories on the wire.
type Kind string

const (
	KindInvalidArgument        Kind = "invalid_argument"
	KindNotFound               Kind = "not_found"
	KindAuthenticationRequired Kind = "authentication_required"
	KindAccessDenied           Kind = "access_denied"
	KindNetworkError           Kind = "network_error"
	KindRemoteError            Kind = "remote_error"
	KindIntegrityError         Kind = "integrity_error"
	KindCancelled              Kind = "cancelled"
	KindVersionIncompatible    Kind = "version_incompatible"
	KindUnknown                Kind = "unknown"
)

// Error carries a taxonomy kind plus a user-facing message. Detail holds
// optional structured context (for example which side of a version gate is
// outdated) and serializes with the error.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an existing error. The wrapped error's
// message becomes the user-facing message after prefix scrubbing.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: kind, Message: ScrubMessage(err.Error()), cause: err}
}

// WithDetail sets a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the taxonomy kind from err, or KindUnknown when the chain
// carries no Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ipcWrapPrefixes are boundary-wrapper prefixes stripped from user-facing
// messages (spec'd connection test and Dataverse error surfacing).
var ipcWrapPrefixes = []string{
	"Error invoking remote method '",
	"Error: ",
}

// ScrubMessage removes IPC wrapper prefixes so users see the server's own
// message rather than transport noise.
func ScrubMessage(msg string) string {
	for changed := true; changed; {
		changed = false
		for _, prefix := range ipcWrapPrefixes {
			if strings.HasPrefix(msg, prefix) {
				msg = strings.TrimPrefix(msg, prefix)
				// The remote-method wrapper closes with "': " before the
				// real message.
				if prefix == "Error invoking remote method '" {
					if idx := strings.Index(msg, "': "); idx >= 0 {
						msg = msg[idx+3:]
					}
				}
				changed = true
			}
		}
	}
	return strings.TrimSpace(msg)
}

// Sanitize maps an arbitrary handler error to a taxonomy error suitable for
// crossing the boundary. Taxonomy errors pass through; anything else becomes
// KindUnknown with a scrubbed message.
func Sanitize(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Message: ScrubMessage(fe.Message), Detail: fe.Detail}
	}
	return &Error{Kind: KindUnknown, Message: ScrubMessage(err.Error())}
}
