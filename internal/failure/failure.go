// Package failure defines the error taxonomy shared by the pool, sessions,
// terminals and tunnels. Every failure carries enough context (operation,
// host, port, underlying reason) for a caller to decide on retry, and renders
// as a single sentence plus an optional remediation hint.
package failure

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind classifies a failure. Kind implements error so callers can write
// errors.Is(err, failure.PoolTimeout).
type Kind string

// Error implements error.
func (k Kind) Error() string { return string(k) }

// Connection establishment.
const (
	ConnectTimeout     Kind = "connect_timeout"
	ConnectionRefused  Kind = "connection_refused"
	HostUnreachable    Kind = "host_unreachable"
	DNSFailure         Kind = "dns_failure"
	NetworkUnavailable Kind = "network_unavailable"
	ConnectionLost     Kind = "connection_lost"
)

// Authentication.
const (
	AuthFailed      Kind = "auth_failed"
	KeyRejected     Kind = "key_rejected"
	TooManyAttempts Kind = "too_many_attempts"
	HostKeyUnknown  Kind = "host_key_unknown"
	HostKeyChanged  Kind = "host_key_changed"
	HostKeyMismatch Kind = "host_key_mismatch"
)

// Session state and policy.
const (
	InvalidState   Kind = "invalid_state"
	CommandBlocked Kind = "command_blocked"
)

// Protocol.
const (
	MalformedPacket    Kind = "malformed_packet"
	ChecksumMismatch   Kind = "checksum_mismatch"
	UnsupportedVersion Kind = "unsupported_version"
)

// Transfer.
const (
	NotFound         Kind = "not_found"
	PermissionDenied Kind = "permission_denied"
	DiskFull         Kind = "disk_full"
	TransferChecksum Kind = "transfer_checksum"
	Cancelled        Kind = "cancelled"
)

// Forwarding.
const (
	PortInUse           Kind = "port_in_use"
	ForwardNotPermitted Kind = "forward_not_permitted"
	ForwardUnsupported  Kind = "forward_unsupported"
)

// Resources.
const (
	PoolExhausted Kind = "pool_exhausted"
	PoolTimeout   Kind = "pool_timeout"
	PoolClosed    Kind = "pool_closed"
)

// Timeouts.
const (
	OperationTimeout Kind = "operation_timeout"
	KeepAliveTimeout Kind = "keepalive_timeout"
	IdleTimeout      Kind = "idle_timeout"
)

// Unknown is used when an error cannot be classified.
const Unknown Kind = "unknown"

// Error is a classified failure with the context needed to act on it.
type Error struct {
	Kind Kind
	Op   string
	Host string
	Port int
	Err  error

	// Previous holds the previously trusted host key fingerprint when Kind
	// is HostKeyChanged.
	Previous string

	hint string
}

// New creates a failure of the given kind for an operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies err and wraps it with the operation name. A nil err yields nil.
// An err that already is a *Error keeps its kind and context.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return New(Classify(err), op, err)
}

// At records the endpoint the failure relates to.
func (e *Error) At(host string, port int) *Error {
	e.Host = host
	e.Port = port
	return e
}

// WithHint overrides the default remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.hint = hint
	return e
}

// Error renders the failure as one sentence.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" failed")
	} else {
		b.WriteString("operation failed")
	}
	if e.Host != "" {
		b.WriteString(" for ")
		if e.Port > 0 {
			b.WriteString(net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
		} else {
			b.WriteString(e.Host)
		}
	} else if e.Port > 0 {
		fmt.Fprintf(&b, " on port %d", e.Port)
	}
	b.WriteString(": ")
	b.WriteString(Describe(e.Kind))
	if e.Err != nil {
		b.WriteString(" (")
		b.WriteString(e.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches a Kind target against the failure kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Hint returns a remediation for the failure, or "" when none applies.
func (e *Error) Hint() string {
	if e.hint != "" {
		return e.hint
	}
	return Hint(e.Kind)
}

// KindOf returns the kind of err, classifying raw errors on the fly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

// HintOf returns the remediation hint for err.
func HintOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Hint()
	}
	return Hint(Classify(err))
}
