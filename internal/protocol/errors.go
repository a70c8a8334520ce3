package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Domain groups errors by which part of the system failed.
type Domain string

const (
	// DomainConfig: caller-supplied fields missing or invalid. Never retried.
	DomainConfig Domain = "config"
	// DomainProcess: engine subprocess launch/stop failure.
	DomainProcess Domain = "process"
	// DomainNetwork: OS network-stack mutation failure.
	DomainNetwork Domain = "network"
	// DomainService: method not recognized or subsystem unreachable.
	DomainService Domain = "service"
	// DomainState: command not valid in the subsystem's current state.
	DomainState Domain = "state"
	// DomainTransport: IPC-level failure. The only domain eligible for the
	// client's automatic single retry.
	DomainTransport Domain = "transport"
)

// Stable machine-readable codes within the domains above.
const (
	CodeMissingField  = "missing_field"
	CodeInvalidField  = "invalid_field"
	CodeNotExecutable = "not_executable"
	CodeLaunchFailed  = "launch_failed"
	CodeExitedEarly   = "exited_early"
	CodeStopFailed    = "stop_failed"
	CodeProxyApply    = "proxy_apply"
	CodeProxyRead     = "proxy_read"
	CodeDNSApply      = "dns_apply"
	CodeDNSFlush      = "dns_flush"
	CodeInterface     = "interface_create"
	CodeRouting       = "routing"
	CodePacketFilter  = "packet_filter"
	CodeNotPrivileged = "not_privileged"
	CodeUnknownMethod = "unknown_method"
	CodeUnavailable   = "unavailable"
	CodeBusy          = "operation_in_progress"
	CodeDecode        = "decode"
	CodeInvalidated   = "connection_invalidated"
	CodeInterrupted   = "connection_interrupted"
	CodeTimeout       = "timeout"
	CodeDenied        = "permission_denied"
)

// Error is the typed error that crosses the IPC boundary. Subsystem and OS
// failures are always converted into one of these at the daemon core; an
// uncaught fault never reaches the wire.
type Error struct {
	Domain  Domain `json:"domain"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Code, e.Message)
}

// Errf builds a typed protocol error.
func Errf(domain Domain, code, format string, args ...any) *Error {
	return &Error{Domain: domain, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr converts err into a typed error in the given domain/code, keeping
// the original message. A typed error passes through unchanged so the
// innermost classification wins.
func WrapErr(domain Domain, code string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Domain: domain, Code: code, Message: err.Error()}
}

// AsError folds any error into a typed protocol error. Untyped errors land
// in the service domain.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Domain: DomainService, Code: CodeUnavailable, Message: err.Error()}
}

// IsTransient reports whether err belongs to the transient transport class:
// the daemon was mid-restart, the connection was invalidated or interrupted,
// or the call timed out. Exactly this class gets one automatic client-side
// retry; everything else (permission denied, code-signing rejection,
// unknown service/socket) surfaces immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *Error
	if errors.As(err, &pe) {
		if pe.Domain != DomainTransport {
			return false
		}
		switch pe.Code {
		case CodeInvalidated, CodeInterrupted, CodeTimeout, CodeUnavailable:
			return true
		}
		return false
	}

	// Raw transport-layer failures seen before typing.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	// EACCES/EPERM (peer rejected us) and ENOENT (no such service) are
	// terminal: retrying cannot help.
	return false
}
