package failure

var descriptions = map[Kind]string{
	ConnectTimeout:      "the connection attempt timed out",
	ConnectionRefused:   "the remote host refused the connection",
	HostUnreachable:     "the remote host is unreachable",
	DNSFailure:          "the host name could not be resolved",
	NetworkUnavailable:  "the network is unavailable",
	ConnectionLost:      "the connection was lost",
	AuthFailed:          "authentication was rejected",
	KeyRejected:         "the private key was rejected",
	TooManyAttempts:     "too many failed authentication attempts",
	HostKeyUnknown:      "the host key is not known",
	HostKeyChanged:      "the host key has changed since it was trusted",
	HostKeyMismatch:     "the host key does not match the trusted key",
	InvalidState:        "the session is not in a state that allows this operation",
	CommandBlocked:      "the command is blocked by policy",
	MalformedPacket:     "a malformed packet was received",
	ChecksumMismatch:    "a packet failed its integrity check",
	UnsupportedVersion:  "the remote side speaks an unsupported protocol version",
	NotFound:            "the file was not found",
	PermissionDenied:    "permission was denied",
	DiskFull:            "there is no space left on the device",
	TransferChecksum:    "the transferred data failed verification",
	Cancelled:           "the operation was cancelled",
	PortInUse:           "the port is already in use",
	ForwardNotPermitted: "port forwarding is not permitted",
	ForwardUnsupported:  "this kind of forwarding is not supported",
	PoolExhausted:       "too many connections are open",
	PoolTimeout:         "no pooled connection became available in time",
	PoolClosed:          "the connection pool is shut down",
	OperationTimeout:    "the operation timed out",
	KeepAliveTimeout:    "the keep-alive probe went unanswered",
	IdleTimeout:         "the connection was idle for too long",
	Unknown:             "an unexpected error occurred",
}

var hints = map[Kind]string{
	ConnectTimeout:      "check that the host is reachable and the port is correct",
	ConnectionRefused:   "check that the SSH server is running on the given port",
	HostUnreachable:     "check routing, VPN and firewall settings",
	DNSFailure:          "check the host name spelling and DNS configuration",
	NetworkUnavailable:  "check your network connection",
	ConnectionLost:      "reconnect to the host",
	AuthFailed:          "check the user name and credentials",
	KeyRejected:         "check that the public key is installed in authorized_keys",
	TooManyAttempts:     "wait for the lockout to expire before retrying",
	HostKeyUnknown:      "verify the host key fingerprint and trust it explicitly",
	HostKeyChanged:      "confirm with the server administrator before trusting the new key",
	HostKeyMismatch:     "confirm with the server administrator before trusting the new key",
	InvalidState:        "wait for the current operation to finish or resume the session",
	CommandBlocked:      "adjust the command allowlist or blocklist",
	UnsupportedVersion:  "upgrade the SSH server or client",
	NotFound:            "check the file path",
	PermissionDenied:    "check file permissions",
	DiskFull:            "free disk space on the destination",
	TransferChecksum:    "retry the transfer",
	PortInUse:           "choose a different local port",
	ForwardNotPermitted: "check AllowTcpForwarding on the server or use an unprivileged port",
	PoolExhausted:       "release unused sessions or raise max_connections",
	PoolTimeout:         "release unused sessions or raise max_connections",
	OperationTimeout:    "retry with a longer timeout",
	KeepAliveTimeout:    "reconnect to the host",
}

// Describe returns the human-readable phrase for a kind.
func Describe(kind Kind) string {
	if d, ok := descriptions[kind]; ok {
		return d
	}
	return descriptions[Unknown]
}

// Hint returns the default remediation for a kind, or "".
func Hint(kind Kind) string {
	return hints[kind]
}

// Transient reports whether a failure of this kind may succeed on retry
// without user action.
func Transient(kind Kind) bool {
	switch kind {
	case ConnectTimeout, ConnectionRefused, HostUnreachable, NetworkUnavailable,
		ConnectionLost, OperationTimeout, KeepAliveTimeout, PoolTimeout, DNSFailure:
		return true
	}
	return false
}
