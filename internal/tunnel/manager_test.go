package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/testing/fakes/fakeclock"
	"github.com/acolita/sshkit/internal/testing/fakes/fakenet"
	"github.com/acolita/sshkit/internal/testing/fakes/fakerand"
	"github.com/acolita/sshkit/internal/testing/fakes/faketransport"
)

func echo(_ string, conn net.Conn) {
	defer conn.Close()
	io.Copy(conn, conn)
}

// echoTransport returns a transport whose channels echo what they receive.
func echoTransport() *faketransport.Transport {
	tr := faketransport.New()
	tr.DialFunc = func(_, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go echo(addr, server)
		return client, nil
	}
	return tr
}

func newTestManager(t *testing.T, tr *faketransport.Transport, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithRandom(fakerand.New(nil)),
		WithClock(fakeclock.New(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))),
		WithNetworkListener(fakenet.NewListener()),
	}
	m := NewManager(tr, append(base, opts...)...)
	t.Cleanup(m.StopAll)
	return m
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func dialLocal(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartLocal_ForwardsThroughChannel(t *testing.T) {
	tr := echoTransport()
	m := newTestManager(t, tr)

	info, err := m.StartLocal(context.Background(), LocalSpec{RemoteHost: "db.internal", RemotePort: 5432})
	if err != nil {
		t.Fatalf("StartLocal() error = %v", err)
	}
	if info.Status != StatusActive || info.Type != TypeLocal {
		t.Errorf("info = %+v", info)
	}
	if info.LocalPort == 0 {
		t.Fatal("LocalPort should report the bound port")
	}
	if info.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress = %q, want loopback default", info.BindAddress)
	}

	conn := dialLocal(t, info.LocalPort)
	roundTrip(t, conn, "ping")

	if got := tr.Dials(); len(got) != 1 || got[0] != "db.internal:5432" {
		t.Errorf("Dials() = %v", got)
	}

	eventually(t, "stats", func() bool {
		s, _ := m.Get(info.ID)
		return s.Stats.BytesSent == 4 && s.Stats.BytesReceived == 4
	})
	got, _ := m.Get(info.ID)
	if got.Stats.TotalFlows != 1 || got.Stats.ActiveFlows != 1 {
		t.Errorf("flows = %+v", got.Stats)
	}
	if got.Stats.PacketsSent == 0 || got.Stats.PacketsReceived == 0 {
		t.Errorf("packets not counted: %+v", got.Stats)
	}

	conn.Close()
	eventually(t, "flow to end", func() bool {
		s, _ := m.Get(info.ID)
		return s.Stats.ActiveFlows == 0
	})
}

func TestStartLocal_HalfCloseKeepsReplyFlowing(t *testing.T) {
	server, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	go func() {
		conn, err := server.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if req, err := io.ReadAll(conn); err == nil && string(req) == "ping" {
			conn.Write([]byte("pong"))
		}
	}()

	tr := faketransport.New()
	tr.DialFunc = func(_, _ string) (net.Conn, error) {
		return net.Dial("tcp", server.Addr().String())
	}
	m := newTestManager(t, tr)

	info, err := m.StartLocal(context.Background(), LocalSpec{RemoteHost: "api.internal", RemotePort: 80})
	if err != nil {
		t.Fatalf("StartLocal() error = %v", err)
	}

	conn := dialLocal(t, info.LocalPort)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("reply = %q, want %q", reply, "pong")
	}

	eventually(t, "flow to end", func() bool {
		s, _ := m.Get(info.ID)
		return s.Stats.ActiveFlows == 0 && s.Stats.BytesReceived == 4
	})
}

func TestStartLocal_DialFailureCountsFailedFlow(t *testing.T) {
	tr := faketransport.New()
	tr.DialFunc = func(string, string) (net.Conn, error) {
		return nil, errors.New("ssh: rejected: connect failed (Connection refused)")
	}
	m := newTestManager(t, tr)

	info, err := m.StartLocal(context.Background(), LocalSpec{RemoteHost: "db", RemotePort: 5432})
	if err != nil {
		t.Fatal(err)
	}

	conn := dialLocal(t, info.LocalPort)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed when the channel cannot open")
	}

	eventually(t, "failed flow", func() bool { return m.Stats().FailedFlows == 1 })
	if s := m.Stats(); s.TotalFlows != 0 {
		t.Errorf("TotalFlows = %d, want 0", s.TotalFlows)
	}
	if got, _ := m.Get(info.ID); got.Status != StatusActive {
		t.Errorf("a failed flow should not fail the tunnel, status = %s", got.Status)
	}
}

func TestStartLocal_PortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	m := newTestManager(t, echoTransport())
	_, err = m.StartLocal(context.Background(), LocalSpec{LocalPort: port, RemoteHost: "db", RemotePort: 5432})
	if !errors.Is(err, failure.PortInUse) {
		t.Fatalf("err = %v, want PortInUse", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(port)) {
		t.Errorf("error should name the port: %v", err)
	}
	if len(m.List()) != 0 {
		t.Error("a tunnel that failed to bind should not be registered")
	}
}

func TestStartLocal_BindDenied(t *testing.T) {
	ln := fakenet.NewListener()
	ln.SetError(errors.New("listen tcp 127.0.0.1:80: bind: permission denied"))
	m := newTestManager(t, echoTransport(), WithNetworkListener(ln))

	_, err := m.StartLocal(context.Background(), LocalSpec{LocalPort: 80, RemoteHost: "web", RemotePort: 80})
	if !errors.Is(err, failure.ForwardNotPermitted) {
		t.Fatalf("err = %v, want ForwardNotPermitted", err)
	}
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Port != 80 {
		t.Errorf("failure should carry the port: %+v", fe)
	}
	if got := ln.Calls(); len(got) != 1 || got[0] != "127.0.0.1:80" {
		t.Errorf("Calls() = %v", got)
	}
}

func TestStartLocal_InvalidSpec(t *testing.T) {
	m := newTestManager(t, echoTransport())

	tests := []struct {
		name string
		spec LocalSpec
	}{
		{"no remote host", LocalSpec{RemotePort: 22}},
		{"remote port zero", LocalSpec{RemoteHost: "db"}},
		{"local port too large", LocalSpec{LocalPort: 70000, RemoteHost: "db", RemotePort: 22}},
		{"negative port", LocalSpec{LocalPort: -1, RemoteHost: "db", RemotePort: 22}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.StartLocal(context.Background(), tt.spec); !errors.Is(err, failure.ForwardUnsupported) {
				t.Errorf("err = %v, want ForwardUnsupported", err)
			}
		})
	}
}

func TestStartLocal_CancelledContext(t *testing.T) {
	m := newTestManager(t, echoTransport())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.StartLocal(ctx, LocalSpec{RemoteHost: "db", RemotePort: 22}); !errors.Is(err, failure.Cancelled) {
		t.Errorf("err = %v, want Cancelled", err)
	}
}

func TestStartRemote_ForwardsToLocalTarget(t *testing.T) {
	// The server side listener is simulated with a real loopback socket.
	tr := faketransport.New()
	var requested string
	tr.ListenFunc = func(network, addr string) (net.Listener, error) {
		requested = addr
		return net.Listen(network, "127.0.0.1:0")
	}
	local := fakenet.NewDialer()
	local.Pipe(echo)

	m := newTestManager(t, tr, WithNetworkDialer(local))
	info, err := m.StartRemote(context.Background(), RemoteSpec{
		RemoteBindAddress: "0.0.0.0",
		LocalPort:         3000,
	})
	if err != nil {
		t.Fatalf("StartRemote() error = %v", err)
	}
	if requested != "0.0.0.0:0" {
		t.Errorf("remote listen address = %q", requested)
	}
	if info.Type != TypeRemote || info.RemotePort == 0 {
		t.Errorf("info = %+v", info)
	}
	if info.LocalHost != "127.0.0.1" || info.LocalPort != 3000 {
		t.Errorf("local target = %s:%d", info.LocalHost, info.LocalPort)
	}

	conn := dialLocal(t, info.RemotePort)
	roundTrip(t, conn, "hello from the server")

	if got := local.Calls(); len(got) != 1 || got[0] != "127.0.0.1:3000" {
		t.Errorf("local dials = %v", got)
	}
}

func TestStartRemote_Denied(t *testing.T) {
	tr := faketransport.New()
	tr.ListenFunc = func(string, string) (net.Listener, error) {
		return nil, errors.New("ssh: tcpip-forward request denied by peer")
	}
	m := newTestManager(t, tr)

	_, err := m.StartRemote(context.Background(), RemoteSpec{RemotePort: 8080, LocalPort: 80})
	if !errors.Is(err, failure.ForwardNotPermitted) {
		t.Fatalf("err = %v, want ForwardNotPermitted", err)
	}
	if !strings.Contains(err.Error(), "8080") {
		t.Errorf("error should name the port: %v", err)
	}
}

func TestStop_IsolatesTunnels(t *testing.T) {
	m := newTestManager(t, echoTransport())
	ctx := context.Background()

	first, err := m.StartLocal(ctx, LocalSpec{RemoteHost: "a", RemotePort: 1})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.StartLocal(ctx, LocalSpec{RemoteHost: "b", RemotePort: 2})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("tunnel IDs must be unique")
	}

	c1 := dialLocal(t, first.LocalPort)
	c2 := dialLocal(t, second.LocalPort)
	roundTrip(t, c1, "one")
	roundTrip(t, c2, "two")

	if err := m.Stop(first.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	c1.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c1.Read(make([]byte, 1)); err == nil {
		t.Error("in-flight flow of a stopped tunnel should be closed")
	}
	roundTrip(t, c2, "still here")

	if _, ok := m.Get(first.ID); ok {
		t.Error("stopped tunnel should be removed")
	}
	if got := m.List(); len(got) != 1 || got[0].ID != second.ID {
		t.Errorf("List() = %+v", got)
	}
	if !m.IsForwarding() {
		t.Error("IsForwarding() should stay true while a tunnel is active")
	}
}

func TestStop_UnknownID(t *testing.T) {
	m := newTestManager(t, echoTransport())
	if err := m.Stop("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStopAll_ReleasesPorts(t *testing.T) {
	m := newTestManager(t, echoTransport())

	info, err := m.StartLocal(context.Background(), LocalSpec{RemoteHost: "db", RemotePort: 5432})
	if err != nil {
		t.Fatal(err)
	}
	conn := dialLocal(t, info.LocalPort)
	roundTrip(t, conn, "x")

	m.StopAll()

	if m.IsForwarding() || len(m.List()) != 0 {
		t.Error("StopAll should remove every tunnel")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.LocalPort)))
	if err != nil {
		t.Fatalf("port should be free after StopAll: %v", err)
	}
	ln.Close()

	if s := m.Stats(); s.TotalFlows != 1 || s.BytesSent != 1 || s.ActiveFlows != 0 {
		t.Errorf("global stats should survive stopped tunnels: %+v", s)
	}
}

func TestObserver_SeesLifecycle(t *testing.T) {
	var (
		mu       sync.Mutex
		statuses []Status
	)
	m := newTestManager(t, echoTransport(), WithObserver(func(info Info) {
		mu.Lock()
		statuses = append(statuses, info.Status)
		mu.Unlock()
	}))

	info, err := m.StartLocal(context.Background(), LocalSpec{RemoteHost: "db", RemotePort: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(info.ID); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusActive, StatusStopped}
	if len(statuses) != len(want) || statuses[0] != want[0] || statuses[1] != want[1] {
		t.Errorf("statuses = %v, want %v", statuses, want)
	}
}

type brokenListener struct {
	net.Listener
	fail chan struct{}
}

func (l *brokenListener) Accept() (net.Conn, error) {
	<-l.fail
	return nil, errors.New("accept: too many open files")
}

func TestAcceptFailure_MarksTunnelFailed(t *testing.T) {
	fail := make(chan struct{})
	ln := fakenet.NewListener()
	ln.ListenFunc = func(network, addr string) (net.Listener, error) {
		inner, err := net.Listen(network, addr)
		if err != nil {
			return nil, err
		}
		return &brokenListener{Listener: inner, fail: fail}, nil
	}
	m := newTestManager(t, echoTransport(), WithNetworkListener(ln))

	info, err := m.StartLocal(context.Background(), LocalSpec{RemoteHost: "db", RemotePort: 1})
	if err != nil {
		t.Fatal(err)
	}
	close(fail)

	eventually(t, "failed status", func() bool {
		got, _ := m.Get(info.ID)
		return got.Status == StatusFailed
	})
	got, _ := m.Get(info.ID)
	if !strings.Contains(got.Reason, "too many open files") {
		t.Errorf("Reason = %q", got.Reason)
	}
	if m.IsForwarding() {
		t.Error("a failed tunnel is not forwarding")
	}

	if err := m.Stop(info.ID); err != nil {
		t.Fatal(err)
	}
}

func TestInfo_Timestamps(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := fakeclock.New(start)
	m := newTestManager(t, echoTransport(), WithClock(clock))

	info, err := m.StartLocal(context.Background(), LocalSpec{RemoteHost: "db", RemotePort: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !info.EstablishedAt.Equal(start) || !info.LastActivity.Equal(start) {
		t.Errorf("timestamps = %v / %v", info.EstablishedAt, info.LastActivity)
	}

	clock.Advance(time.Minute)
	roundTrip(t, dialLocal(t, info.LocalPort), "tick")

	eventually(t, "activity", func() bool {
		got, _ := m.Get(info.ID)
		return got.LastActivity.Equal(start.Add(time.Minute))
	})
}
