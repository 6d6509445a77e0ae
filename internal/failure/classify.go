package failure

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Classify maps a raw error from the network stack, the SSH library or the
// filesystem to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return OperationTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNSFailure
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return HostUnreachable
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ENETDOWN):
		return NetworkUnavailable
	case errors.Is(err, syscall.EADDRINUSE):
		return PortInUse
	case errors.Is(err, syscall.ENOSPC):
		return DiskFull
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return ConnectionLost
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES):
		return PermissionDenied
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OperationTimeout
	}

	return classifyMessage(err.Error())
}

// ClassifyConnect is Classify for errors raised while establishing a
// connection, where timeouts mean the connect attempt itself timed out.
func ClassifyConnect(err error) Kind {
	k := Classify(err)
	if k == OperationTimeout {
		return ConnectTimeout
	}
	return k
}

// classifyMessage recognises errors that the SSH and SFTP libraries only
// expose as formatted strings.
func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "unable to authenticate"):
		if strings.Contains(m, "publickey") && !strings.Contains(m, "password") {
			return KeyRejected
		}
		return AuthFailed
	case strings.Contains(m, "no supported methods remain"):
		return AuthFailed
	case strings.Contains(m, "too many authentication failures"):
		return TooManyAttempts
	case strings.Contains(m, "host key mismatch"), strings.Contains(m, "key mismatch"):
		return HostKeyMismatch
	case strings.Contains(m, "mac failure"), strings.Contains(m, "checksum"):
		return ChecksumMismatch
	case strings.Contains(m, "unexpected packet"), strings.Contains(m, "parse error"),
		strings.Contains(m, "short read"), strings.Contains(m, "invalid packet"):
		return MalformedPacket
	case strings.Contains(m, "no common algorithm"), strings.Contains(m, "incompatible version"),
		strings.Contains(m, "unsupported version"):
		return UnsupportedVersion
	case strings.Contains(m, "administratively prohibited"), strings.Contains(m, "tcpip-forward request denied"):
		return ForwardNotPermitted
	case strings.Contains(m, "unknown channel type"):
		return ForwardUnsupported
	case strings.Contains(m, "no such file"), strings.Contains(m, "file does not exist"):
		return NotFound
	case strings.Contains(m, "permission denied"):
		return PermissionDenied
	case strings.Contains(m, "no space left"):
		return DiskFull
	case strings.Contains(m, "address already in use"):
		return PortInUse
	case strings.Contains(m, "connection refused"):
		return ConnectionRefused
	case strings.Contains(m, "i/o timeout"), strings.Contains(m, "timed out"):
		return OperationTimeout
	}
	return Unknown
}
