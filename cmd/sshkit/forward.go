package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/acolita/sshkit/internal/tunnel"
)

// parseLocalForward parses an -L spec: [bind:]port:host:hostport.
func parseLocalForward(s string) (tunnel.LocalSpec, error) {
	bind, port, host, hostPort, err := parseForward(s)
	if err != nil {
		return tunnel.LocalSpec{}, err
	}
	return tunnel.LocalSpec{BindAddress: bind, LocalPort: port, RemoteHost: host, RemotePort: hostPort}, nil
}

// parseRemoteForward parses an -R spec: [bind:]port:host:hostport, where
// bind and port are on the remote side.
func parseRemoteForward(s string) (tunnel.RemoteSpec, error) {
	bind, port, host, hostPort, err := parseForward(s)
	if err != nil {
		return tunnel.RemoteSpec{}, err
	}
	return tunnel.RemoteSpec{RemoteBindAddress: bind, RemotePort: port, LocalHost: host, LocalPort: hostPort}, nil
}

// parseDynamicForward parses a -D spec: [bind:]port.
func parseDynamicForward(s string) (tunnel.DynamicSpec, error) {
	fields, err := splitForward(s)
	if err != nil {
		return tunnel.DynamicSpec{}, err
	}
	var bind string
	switch len(fields) {
	case 1:
	case 2:
		bind = fields[0]
	default:
		return tunnel.DynamicSpec{}, fmt.Errorf("invalid dynamic forward %q: want [bind:]port", s)
	}
	port, err := parsePort(fields[len(fields)-1])
	if err != nil {
		return tunnel.DynamicSpec{}, fmt.Errorf("invalid dynamic forward %q: %w", s, err)
	}
	return tunnel.DynamicSpec{BindAddress: bind, LocalPort: port}, nil
}

func parseForward(s string) (bind string, port int, host string, hostPort int, err error) {
	fields, err := splitForward(s)
	if err != nil {
		return "", 0, "", 0, err
	}
	switch len(fields) {
	case 3:
	case 4:
		bind, fields = fields[0], fields[1:]
	default:
		return "", 0, "", 0, fmt.Errorf("invalid forward %q: want [bind:]port:host:hostport", s)
	}
	if port, err = parsePort(fields[0]); err != nil {
		return "", 0, "", 0, fmt.Errorf("invalid forward %q: %w", s, err)
	}
	if host = fields[1]; host == "" {
		return "", 0, "", 0, fmt.Errorf("invalid forward %q: empty host", s)
	}
	if hostPort, err = parsePort(fields[2]); err != nil {
		return "", 0, "", 0, fmt.Errorf("invalid forward %q: %w", s, err)
	}
	return bind, port, host, hostPort, nil
}

// splitForward splits s on colons. Bracketed fields may contain colons,
// so IPv6 addresses are written as [::1].
func splitForward(s string) ([]string, error) {
	var fields []string
	for {
		if strings.HasPrefix(s, "[") {
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, fmt.Errorf("invalid forward %q: missing ]", s)
			}
			fields = append(fields, s[1:end])
			s = s[end+1:]
			if s == "" {
				return fields, nil
			}
			if s[0] != ':' {
				return nil, fmt.Errorf("invalid forward %q: expected : after ]", s)
			}
			s = s[1:]
			continue
		}
		field, rest, found := strings.Cut(s, ":")
		fields = append(fields, field)
		if !found {
			return fields, nil
		}
		s = rest
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
