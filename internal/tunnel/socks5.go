package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/acolita/sshkit/internal/failure"
)

const (
	socksVersion    = 0x05
	socksNoAuth     = 0x00
	socksCmdConnect = 0x01
	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksRepSucceeded   = 0x00
	socksRepGeneral     = 0x01
	socksRepNotAllowed  = 0x02
	socksRepUnreachable = 0x04
	socksRepRefused     = 0x05
)

var (
	errSOCKSMalformed   = errors.New("socks5: malformed handshake")
	errSOCKSUnsupported = errors.New("socks5: unsupported request")
)

// socksSuccess is the CONNECT reply with a zeroed IPv4 bind address and port.
var socksSuccess = []byte{socksVersion, socksRepSucceeded, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0}

// socksHandshake negotiates no-auth and reads a CONNECT request. It writes
// the method selection reply but not the CONNECT reply. On error nothing
// more should be written; the caller closes the connection.
func socksHandshake(rw io.ReadWriter) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return "", err
	}
	if hdr[0] != socksVersion || hdr[1] == 0 {
		return "", errSOCKSMalformed
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return "", err
	}
	offered := false
	for _, m := range methods {
		if m == socksNoAuth {
			offered = true
			break
		}
	}
	if !offered {
		return "", errSOCKSUnsupported
	}
	if _, err := rw.Write([]byte{socksVersion, socksNoAuth}); err != nil {
		return "", err
	}

	var req [4]byte
	if _, err := io.ReadFull(rw, req[:]); err != nil {
		return "", err
	}
	if req[0] != socksVersion || req[2] != 0x00 {
		return "", errSOCKSMalformed
	}
	if req[1] != socksCmdConnect {
		return "", errSOCKSUnsupported
	}

	var host string
	switch req[3] {
	case socksAtypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(rw, ip[:]); err != nil {
			return "", err
		}
		host = net.IP(ip[:]).String()
	case socksAtypDomain:
		var l [1]byte
		if _, err := io.ReadFull(rw, l[:]); err != nil {
			return "", err
		}
		if l[0] == 0 {
			return "", errSOCKSMalformed
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(rw, name); err != nil {
			return "", err
		}
		host = string(name)
	case socksAtypIPv6:
		return "", errSOCKSUnsupported
	default:
		return "", errSOCKSMalformed
	}

	var p [2]byte
	if _, err := io.ReadFull(rw, p[:]); err != nil {
		return "", err
	}
	port := int(p[0])<<8 | int(p[1])
	if port == 0 {
		return "", errSOCKSMalformed
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func socksFailure(rep byte) []byte {
	return []byte{socksVersion, rep, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0}
}

// serveSOCKS handles one client of a dynamic tunnel.
func (m *Manager) serveSOCKS(t *tunnel, conn net.Conn) {
	if m.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(m.handshakeTimeout))
	}

	dest, err := socksHandshake(conn)
	if err != nil {
		conn.Close()
		t.stats.failedFlows.Add(1)
		t.global.failedFlows.Add(1)
		slog.Debug("socks5 handshake rejected",
			slog.String("id", t.id),
			slog.String("error", err.Error()),
		)
		return
	}

	far, err := m.opener.Dial("tcp", dest)
	if err != nil {
		conn.Write(socksFailure(dialFailureCode(err)))
		conn.Close()
		t.stats.failedFlows.Add(1)
		t.global.failedFlows.Add(1)
		slog.Warn("socks5 dial failed",
			slog.String("id", t.id),
			slog.String("target", dest),
			slog.String("error", err.Error()),
		)
		return
	}

	if _, err := conn.Write(socksSuccess); err != nil {
		conn.Close()
		far.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	slog.Debug("socks5 connect", slog.String("id", t.id), slog.String("target", dest))
	m.pump(t, conn, far)
}

func dialFailureCode(err error) byte {
	switch failure.Classify(err) {
	case failure.ConnectionRefused:
		return socksRepRefused
	case failure.HostUnreachable, failure.DNSFailure, failure.NetworkUnavailable:
		return socksRepUnreachable
	case failure.ForwardNotPermitted:
		return socksRepNotAllowed
	}
	return socksRepGeneral
}
