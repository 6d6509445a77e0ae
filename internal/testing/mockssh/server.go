// Package mockssh provides an in-process SSH server for testing. It runs
// real commands through a local shell, allocates real pseudo terminals,
// serves SFTP and implements direct-tcpip and tcpip-forward.
package mockssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server is an SSH server listening on a random loopback port.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	addr     string
	shell    string

	users map[string]string
	keys  map[string][]ssh.PublicKey

	denyForward   bool
	denyDirect    bool
	hangKeepalive bool

	mu         sync.Mutex
	conns      []*ssh.ServerConn
	forwards   map[string]net.Listener
	procs      map[*os.Process]struct{}
	commands   []string
	keepalives int
	handshakes int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithShell sets the shell used for exec and shell requests.
func WithShell(shell string) Option {
	return func(s *Server) { s.shell = shell }
}

// WithUser adds a user/password pair.
func WithUser(username, password string) Option {
	return func(s *Server) { s.users[username] = password }
}

// WithAuthorizedKey lets username authenticate with key.
func WithAuthorizedKey(username string, key ssh.PublicKey) Option {
	return func(s *Server) { s.keys[username] = append(s.keys[username], key) }
}

// WithHostKey replaces the generated host key.
func WithHostKey(signer ssh.Signer) Option {
	return func(s *Server) { s.hostKey = signer }
}

// WithoutForwarding refuses tcpip-forward requests.
func WithoutForwarding() Option {
	return func(s *Server) { s.denyForward = true }
}

// WithoutDirectTCPIP refuses direct-tcpip channels as administratively prohibited.
func WithoutDirectTCPIP() Option {
	return func(s *Server) { s.denyDirect = true }
}

// WithUnansweredKeepalive never replies to keepalive requests, simulating
// a stalled peer.
func WithUnansweredKeepalive() Option {
	return func(s *Server) { s.hangKeepalive = true }
}

// New starts a server. The default user is test/test.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		shell:    "/bin/sh",
		users:    map[string]string{"test": "test"},
		keys:     make(map[string][]ssh.PublicKey),
		forwards: make(map[string]net.Listener),
		procs:    make(map[*os.Process]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.hostKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate host key: %w", err)
		}
		signer, err := ssh.NewSignerFromKey(priv)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		s.hostKey = signer
	}

	config := &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkPublicKey,
	}
	config.AddHostKey(s.hostKey)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock SSH server started", slog.String("addr", s.addr))
	return s, nil
}

func (s *Server) checkPassword(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.Lock()
	expected, ok := s.users[c.User()]
	s.mu.Unlock()
	if ok && string(password) == expected {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) checkPublicKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys[c.User()] {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("public key rejected for %q", c.User())
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.addr }

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey { return s.hostKey.PublicKey() }

// Commands returns every exec command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Keepalives returns the number of keepalive requests received.
func (s *Server) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

// Handshakes returns the number of completed SSH handshakes.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// DropConnections closes every client connection while the server keeps
// listening, simulating a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close shuts down the server, its connections and any running commands.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	err := s.listener.Close()

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	for key, ln := range s.forwards {
		ln.Close()
		delete(s.forwards, key)
	}
	for p := range s.procs {
		p.Kill()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("accept error", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("SSH handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.handshakes++
	s.mu.Unlock()

	owned := make(map[string]struct{})
	defer s.closeForwards(owned)
	go s.handleGlobalRequests(sshConn, reqs, owned)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				slog.Debug("channel accept failed", slog.String("error", err.Error()))
				continue
			}
			s.wg.Add(1)
			go s.handleSession(channel, requests)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request, owned map[string]struct{}) {
	for req := range reqs {
		switch req.Type {
		case "keepalive@openssh.com":
			s.mu.Lock()
			s.keepalives++
			hang := s.hangKeepalive
			s.mu.Unlock()
			if !hang {
				req.Reply(false, nil)
			}

		case "tcpip-forward":
			var m forwardRequest
			if err := ssh.Unmarshal(req.Payload, &m); err != nil || s.denyForward {
				req.Reply(false, nil)
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(m.BindPort))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := ln.Addr().(*net.TCPAddr).Port
			key := net.JoinHostPort(m.BindAddr, strconv.Itoa(port))

			s.mu.Lock()
			s.forwards[key] = ln
			owned[key] = struct{}{}
			s.mu.Unlock()

			req.Reply(true, ssh.Marshal(forwardReply{Port: uint32(port)}))
			go s.serveForward(conn, ln, m.BindAddr, port)

		case "cancel-tcpip-forward":
			var m forwardRequest
			if err := ssh.Unmarshal(req.Payload, &m); err != nil {
				req.Reply(false, nil)
				continue
			}
			key := net.JoinHostPort(m.BindAddr, strconv.Itoa(int(m.BindPort)))
			s.mu.Lock()
			ln, ok := s.forwards[key]
			delete(s.forwards, key)
			s.mu.Unlock()
			if ok {
				ln.Close()
			}
			req.Reply(ok, nil)

		default:
			req.Reply(false, nil)
		}
	}
}

func (s *Server) closeForwards(owned map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range owned {
		if ln, ok := s.forwards[key]; ok {
			ln.Close()
			delete(s.forwards, key)
		}
	}
}

func (s *Server) serveForward(conn *ssh.ServerConn, ln net.Listener, bindAddr string, port int) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			origin, _ := c.RemoteAddr().(*net.TCPAddr)
			payload := forwardedTCPPayload{Addr: bindAddr, Port: uint32(port)}
			if origin != nil {
				payload.OriginAddr = origin.IP.String()
				payload.OriginPort = uint32(origin.Port)
			}
			ch, reqs, err := conn.OpenChannel("forwarded-tcpip", ssh.Marshal(payload))
			if err != nil {
				c.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			pipe(ch, c)
		}()
	}
}

func (s *Server) handleDirectTCPIP(newChannel ssh.NewChannel) {
	if s.denyDirect {
		newChannel.Reject(ssh.Prohibited, "administratively prohibited")
		return
	}
	var m forwardedTCPPayload
	if err := ssh.Unmarshal(newChannel.ExtraData(), &m); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	target, err := net.Dial("tcp", net.JoinHostPort(m.Addr, strconv.Itoa(int(m.Port))))
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChannel.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(ch, target)
}

func pipe(ch ssh.Channel, c net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(ch, c)
		ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(c, ch)
		if tc, ok := c.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	wg.Wait()
	ch.Close()
	c.Close()
}

type session struct {
	channel ssh.Channel
	env     []string
	pty     *ptyRequest

	mu      sync.Mutex
	ptmx    *os.File
	proc    *os.Process
	started bool
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()

	sess := &session{channel: channel}
	for req := range requests {
		switch req.Type {
		case "env":
			var m envRequest
			if err := ssh.Unmarshal(req.Payload, &m); err != nil {
				req.Reply(false, nil)
				continue
			}
			sess.env = append(sess.env, m.Name+"="+m.Value)
			req.Reply(true, nil)

		case "pty-req":
			var m ptyRequest
			if err := ssh.Unmarshal(req.Payload, &m); err != nil {
				req.Reply(false, nil)
				continue
			}
			sess.pty = &m
			req.Reply(true, nil)

		case "shell":
			if !sess.start() {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.wg.Add(1)
			go s.run(sess)

		case "exec":
			var m execRequest
			if err := ssh.Unmarshal(req.Payload, &m); err != nil || !sess.start() {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, m.Command)
			s.mu.Unlock()
			req.Reply(true, nil)
			s.wg.Add(1)
			go s.run(sess, "-c", m.Command)

		case "subsystem":
			var m subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &m); err != nil || m.Name != "sftp" || !sess.start() {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go serveSFTP(channel)

		case "window-change":
			var m windowChangeRequest
			if err := ssh.Unmarshal(req.Payload, &m); err == nil {
				sess.mu.Lock()
				if sess.ptmx != nil {
					pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(m.Columns), Rows: uint16(m.Rows)})
				}
				sess.mu.Unlock()
			}
			req.Reply(true, nil)

		case "signal":
			var m signalRequest
			if err := ssh.Unmarshal(req.Payload, &m); err == nil {
				sess.mu.Lock()
				if sess.proc != nil {
					sess.proc.Signal(sshToSignal(ssh.Signal(m.Signal)))
				}
				sess.mu.Unlock()
			}
			req.Reply(true, nil)

		default:
			req.Reply(false, nil)
		}
	}
}

func (sess *session) start() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.started {
		return false
	}
	sess.started = true
	return true
}

func serveSFTP(channel ssh.Channel) {
	defer channel.Close()
	srv, err := sftp.NewServer(channel)
	if err != nil {
		slog.Debug("sftp server failed", slog.String("error", err.Error()))
		return
	}
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("sftp serve ended", slog.String("error", err.Error()))
	}
	srv.Close()
}

func (s *Server) run(sess *session, args ...string) {
	defer s.wg.Done()
	defer sess.channel.Close()

	cmd := exec.Command(s.shell, args...)
	cmd.Env = append(os.Environ(), sess.env...)

	var err error
	if sess.pty != nil {
		err = s.runPTY(sess, cmd)
	} else {
		cmd.Stdin = sess.channel
		cmd.Stdout = sess.channel
		cmd.Stderr = sess.channel.Stderr()
		if err = cmd.Start(); err == nil {
			s.track(sess, cmd.Process)
			err = cmd.Wait()
			s.untrack(cmd.Process)
		}
	}

	sess.channel.CloseWrite()
	sendExit(sess.channel, err)
}

func (s *Server) runPTY(sess *session, cmd *exec.Cmd) error {
	cmd.Env = append(cmd.Env, "TERM="+sess.pty.Term)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(sess.pty.Columns), Rows: uint16(sess.pty.Rows)})
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.ptmx = ptmx
	sess.mu.Unlock()
	s.track(sess, cmd.Process)
	defer s.untrack(cmd.Process)

	go io.Copy(ptmx, sess.channel)
	// Reading the master fails with EIO once the child and its tty are gone.
	io.Copy(sess.channel, ptmx)

	err = cmd.Wait()
	ptmx.Close()
	return err
}

func (s *Server) track(sess *session, p *os.Process) {
	sess.mu.Lock()
	sess.proc = p
	sess.mu.Unlock()
	s.mu.Lock()
	s.procs[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(p *os.Process) {
	s.mu.Lock()
	delete(s.procs, p)
	s.mu.Unlock()
}

func sendExit(channel ssh.Channel, err error) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			channel.SendRequest("exit-signal", false, ssh.Marshal(exitSignalMsg{
				Signal: string(signalToSSH(ws.Signal())),
			}))
			return
		}
		channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: uint32(exitErr.ExitCode())}))
		return
	}
	code := uint32(0)
	if err != nil {
		code = 127
	}
	channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: code}))
}

func signalToSSH(sig syscall.Signal) ssh.Signal {
	switch sig {
	case syscall.SIGINT:
		return ssh.SIGINT
	case syscall.SIGKILL:
		return ssh.SIGKILL
	case syscall.SIGHUP:
		return ssh.SIGHUP
	case syscall.SIGQUIT:
		return ssh.SIGQUIT
	default:
		return ssh.SIGTERM
	}
}

func sshToSignal(sig ssh.Signal) syscall.Signal {
	switch sig {
	case ssh.SIGINT:
		return syscall.SIGINT
	case ssh.SIGKILL:
		return syscall.SIGKILL
	case ssh.SIGHUP:
		return syscall.SIGHUP
	case ssh.SIGQUIT:
		return syscall.SIGQUIT
	default:
		return syscall.SIGTERM
	}
}

// Wire messages, RFC 4254.

type forwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardReply struct {
	Port uint32
}

type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

type envRequest struct {
	Name  string
	Value string
}

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChangeRequest struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type signalRequest struct {
	Signal string
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}
