//go:build integration

// Package integration runs the pool, sessions and tunnels against an
// in-process SSH server.
// Run with: go test -tags=integration -v ./test/integration/...
package integration

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/pool"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/security"
	"github.com/acolita/sshkit/internal/session"
	sshconn "github.com/acolita/sshkit/internal/ssh"
	"github.com/acolita/sshkit/internal/testing/mockssh"
	"github.com/acolita/sshkit/internal/tunnel"
)

type passwordProvider string

func (p passwordProvider) Load(profile.Profile) (ports.Credential, error) {
	return ports.Credential{Password: []byte(p)}, nil
}
func (p passwordProvider) Save(profile.Profile, ports.Credential) error { return nil }
func (p passwordProvider) Delete(profile.Profile) error                 { return nil }

type env struct {
	server *mockssh.Server
	store  *config.Store
	pool   *pool.Pool
	prof   profile.Profile
}

func setup(t *testing.T, maxConns int) *env {
	t.Helper()
	server, err := mockssh.New()
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	t.Cleanup(func() { server.Close() })

	fsys := realfs.New()
	cfg := config.DefaultConfig()
	store := config.NewStore(cfg, filepath.Join(t.TempDir(), "known_hosts"), fsys)
	if err := store.TrustHostKey(server.Host(), server.Port(), server.HostKey()); err != nil {
		t.Fatalf("TrustHostKey() error = %v", err)
	}

	factory := sshconn.NewFactory(
		sshconn.WithCredentials(security.NewCachingProvider(passwordProvider("test"), time.Minute)),
		sshconn.WithHostKeys(store, nil, sshconn.HostKeyStrict),
		sshconn.WithKeepalive(0),
		sshconn.WithTimeout(5*time.Second),
	)

	pcfg := pool.DefaultConfig()
	pcfg.MaxConnections = maxConns
	pcfg.EnableAutoScaling = false
	pcfg.EnableHealthChecks = false
	p, err := pool.New(pcfg, factory, pool.WithSessionOptions(session.WithFileSystem(fsys)))
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	t.Cleanup(p.Shutdown)

	return &env{
		server: server,
		store:  store,
		pool:   p,
		prof:   profile.New(server.Host(), server.Port(), "test", profile.Auth{Kind: profile.AuthPassword}),
	}
}

func (e *env) acquire(t *testing.T) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := e.pool.Acquire(ctx, e.prof, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return sess
}

func TestPooledExecReusesConnection(t *testing.T) {
	e := setup(t, 2)

	sess := e.acquire(t)
	res, err := sess.ExecuteCommand(context.Background(), "echo hello", session.ExecOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if string(res.Stdout) != "hello\n" || res.ExitCode != 0 {
		t.Errorf("result = %q exit %d", res.Stdout, res.ExitCode)
	}
	e.pool.Release(sess)

	again := e.acquire(t)
	defer e.pool.Release(again)
	if again.ID() != sess.ID() {
		t.Errorf("second Acquire() returned session %s, want reuse of %s", again.ID(), sess.ID())
	}
	if got := e.server.Handshakes(); got != 1 {
		t.Errorf("Handshakes() = %d, want 1", got)
	}
	if st := e.pool.Statistics(); st.ReuseCount != 1 || st.TotalCreated != 1 {
		t.Errorf("Statistics() = %+v", st)
	}
}

func TestExitCodeAndEnv(t *testing.T) {
	e := setup(t, 1)
	sess := e.acquire(t)
	defer e.pool.Release(sess)

	res, err := sess.ExecuteCommand(context.Background(), "echo $GREETING; exit 3", session.ExecOptions{
		Timeout: 5 * time.Second,
		Env:     map[string]string{"GREETING": "hi"},
	})
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "hi") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestDroppedConnectionIsReplaced(t *testing.T) {
	e := setup(t, 2)

	first := e.acquire(t)
	e.pool.Release(first)
	e.server.DropConnections()

	second := e.acquire(t)
	defer e.pool.Release(second)
	if second.ID() == first.ID() {
		t.Fatal("Acquire() reused a dropped connection")
	}
	if _, err := second.ExecuteCommand(context.Background(), "true", session.ExecOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("ExecuteCommand() on replacement error = %v", err)
	}
}

func TestTransferRoundTrip(t *testing.T) {
	e := setup(t, 1)
	sess := e.acquire(t)
	defer e.pool.Release(sess)

	dir := t.TempDir()
	local := filepath.Join(dir, "payload.bin")
	want := bytes.Repeat([]byte("0123456789"), 10000)
	if err := os.WriteFile(local, want, 0o600); err != nil {
		t.Fatal(err)
	}

	remote := filepath.Join(dir, "remote", "payload.bin")
	if _, err := sess.UploadFile(context.Background(), local, remote); err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	back := filepath.Join(dir, "back.bin")
	res, err := sess.DownloadFile(context.Background(), remote, back)
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if res.Bytes != int64(len(want)) {
		t.Errorf("Bytes = %d, want %d", res.Bytes, len(want))
	}
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("downloaded content differs from upload")
	}
}

func TestLocalForwardThroughServer(t *testing.T) {
	e := setup(t, 1)
	sess := e.acquire(t)
	defer e.pool.Release(sess)

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	echoAddr := echo.Addr().(*net.TCPAddr)

	info, err := sess.Tunnels().StartLocal(context.Background(), tunnel.LocalSpec{
		BindAddress: "127.0.0.1",
		RemoteHost:  "127.0.0.1",
		RemotePort:  echoAddr.Port,
	})
	if err != nil {
		t.Fatalf("StartLocal() error = %v", err)
	}
	defer sess.Tunnels().StopAll()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.LocalPort)), 5*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
}
