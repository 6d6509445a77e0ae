package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/acolita/sshkit/internal/session"
	"github.com/acolita/sshkit/internal/terminal"
	"github.com/acolita/sshkit/internal/tunnel"
)

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func newFlagSet(name, synopsis string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sshkit %s %s\n\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func runExec(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("exec", "[flags] <target> [--] <command...>")
	fs.SetInterspersed(false)
	timeout := fs.DurationP("timeout", "t", 0, "command timeout (0 uses the session default)")
	env := fs.StringToStringP("env", "e", nil, "environment variable KEY=VALUE")
	stdin := fs.Bool("stdin", false, "send standard input to the command")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) > 1 && rest[1] == "--" {
		rest = append(rest[:1], rest[2:]...)
	}
	if len(rest) < 2 {
		return usageError("exec needs a target and a command")
	}

	sess, err := a.acquire(ctx, rest[0])
	if err != nil {
		return err
	}
	defer a.pool.Release(sess)

	opts := session.ExecOptions{Timeout: *timeout, Env: *env}
	if *stdin {
		opts.Stdin = os.Stdin
	}
	res, err := sess.ExecuteCommand(ctx, strings.Join(rest[1:], " "), opts)
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitCode(res.ExitCode)
	}
	return nil
}

func runShell(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("shell", "[flags] <target>")
	record := fs.Bool("record", false, "record the session as an asciicast file")
	termName := fs.String("term", "", "terminal type (default $TERM)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("shell needs exactly one target")
	}
	target := fs.Arg(0)

	sess, err := a.acquire(ctx, target)
	if err != nil {
		return err
	}
	defer a.pool.Release(sess)

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	cols, rows := terminal.DefaultCols, terminal.DefaultRows
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}
	if *termName == "" {
		*termName = os.Getenv("TERM")
	}

	console, err := sess.OpenConsole(ctx, session.ConsoleOptions{
		Term:       *termName,
		Cols:       cols,
		Rows:       rows,
		Scrollback: a.cfg.Session.Scrollback,
		Record:     *record,
		Title:      sess.Profile().String(),
		OnOutput:   func(p []byte) { os.Stdout.Write(p) },
	})
	if err != nil {
		return err
	}
	defer console.Close()

	if interactive {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, old)
	}

	go func() {
		if _, err := io.Copy(console, os.Stdin); err != nil {
			slog.Debug("stdin copy ended", slog.String("error", err.Error()))
		}
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	done := make(chan error, 1)
	go func() { done <- console.Wait() }()

	for {
		select {
		case <-winch:
			if w, h, err := term.GetSize(fd); err == nil {
				console.Resize(w, h)
			}
		case err := <-done:
			if path := console.RecordingPath(); path != "" {
				fmt.Fprintf(os.Stderr, "\r\nrecording saved to %s\r\n", path)
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func runPut(ctx context.Context, a *app, args []string) error {
	return runTransfer(ctx, a, "put", args)
}

func runGet(ctx context.Context, a *app, args []string) error {
	return runTransfer(ctx, a, "get", args)
}

func runTransfer(ctx context.Context, a *app, op string, args []string) error {
	synopsis := "<target> <local> <remote>"
	if op == "get" {
		synopsis = "<target> <remote> <local>"
	}
	fs := newFlagSet(op, synopsis)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return usageError("%s needs %s", op, synopsis)
	}

	sess, err := a.acquire(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	defer a.pool.Release(sess)

	var res session.TransferResult
	if op == "put" {
		res, err = sess.UploadFile(ctx, fs.Arg(1), fs.Arg(2))
	} else {
		res, err = sess.DownloadFile(ctx, fs.Arg(1), fs.Arg(2))
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s in %s\n", res.Op, res.RemotePath, humanize.Bytes(uint64(res.Bytes)), res.Duration.Round(time.Millisecond))
	return nil
}

func runForward(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("forward", "[-L spec]... [-R spec]... <target>")
	locals := fs.StringArrayP("local", "L", nil, "local forward [bind:]port:host:hostport")
	remotes := fs.StringArrayP("remote", "R", nil, "remote forward [bind:]port:host:hostport")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("forward needs exactly one target")
	}
	if len(*locals) == 0 && len(*remotes) == 0 {
		return usageError("forward needs at least one -L or -R")
	}

	localSpecs := make([]tunnel.LocalSpec, 0, len(*locals))
	for _, s := range *locals {
		spec, err := parseLocalForward(s)
		if err != nil {
			return usageError("%v", err)
		}
		localSpecs = append(localSpecs, spec)
	}
	remoteSpecs := make([]tunnel.RemoteSpec, 0, len(*remotes))
	for _, s := range *remotes {
		spec, err := parseRemoteForward(s)
		if err != nil {
			return usageError("%v", err)
		}
		remoteSpecs = append(remoteSpecs, spec)
	}

	return holdTunnels(ctx, a, fs.Arg(0), func(m *tunnel.Manager) error {
		for _, spec := range localSpecs {
			if _, err := m.StartLocal(ctx, spec); err != nil {
				return err
			}
		}
		for _, spec := range remoteSpecs {
			if _, err := m.StartRemote(ctx, spec); err != nil {
				return err
			}
		}
		return nil
	})
}

func runSocks(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("socks", "[-D [bind:]port] <target>")
	listen := fs.StringP("dynamic", "D", "1080", "SOCKS5 listen address [bind:]port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("socks needs exactly one target")
	}
	spec, err := parseDynamicForward(*listen)
	if err != nil {
		return usageError("%v", err)
	}

	return holdTunnels(ctx, a, fs.Arg(0), func(m *tunnel.Manager) error {
		_, err := m.StartDynamic(ctx, spec)
		return err
	})
}

// holdTunnels starts tunnels on a pooled session and reports their events
// until ctx is cancelled or every tunnel has stopped.
func holdTunnels(ctx context.Context, a *app, target string, start func(*tunnel.Manager) error) error {
	sess, err := a.acquire(ctx, target)
	if err != nil {
		return err
	}
	defer a.pool.Release(sess)

	events, unsubscribe := sess.Subscribe(64)
	defer unsubscribe()

	m := sess.Tunnels()
	defer m.StopAll()
	if err := start(m); err != nil {
		return err
	}
	for _, info := range m.List() {
		fmt.Fprintf(os.Stderr, "%s\n", describeTunnel(info))
	}

	defer func() {
		st := m.Stats()
		fmt.Fprintf(os.Stderr, "forwarded %s sent, %s received over %d connections (%d failed)\n",
			humanize.Bytes(st.BytesSent), humanize.Bytes(st.BytesReceived), st.TotalFlows, st.FailedFlows)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind != session.EventTunnel || ev.Tunnel == nil {
				continue
			}
			slog.Info("tunnel changed",
				slog.String("tunnel_id", ev.Tunnel.ID),
				slog.String("status", string(ev.Tunnel.Status)),
			)
			if !m.IsForwarding() {
				return fmt.Errorf("all tunnels stopped")
			}
		}
	}
}

func describeTunnel(info tunnel.Info) string {
	local := net.JoinHostPort(info.BindAddress, strconv.Itoa(info.LocalPort))
	if info.RemoteHost == "" {
		return fmt.Sprintf("%s %s %s (%s)", info.Type, local, info.Status, info.ID)
	}
	remote := net.JoinHostPort(info.RemoteHost, strconv.Itoa(info.RemotePort))
	return fmt.Sprintf("%s %s -> %s %s (%s)", info.Type, local, remote, info.Status, info.ID)
}

func runHealth(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("health", "[flags] [target...]")
	warm := fs.Bool("warm", false, "pre-create idle connections for configured profiles first")
	asJSON := fs.Bool("json", false, "print pool health as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *warm {
		if err := a.pool.WarmUp(ctx); err != nil {
			slog.Warn("warm-up failed", slog.String("error", err.Error()))
		}
	}

	failed := 0
	for _, target := range fs.Args() {
		start := time.Now()
		sess, err := a.acquire(ctx, target)
		if err == nil {
			err = sess.Probe(ctx)
			a.pool.Release(sess)
		}
		if err != nil {
			failed++
			fmt.Printf("%-30s FAIL  %v\n", target, err)
			continue
		}
		fmt.Printf("%-30s OK    %s\n", target, time.Since(start).Round(time.Millisecond))
	}

	a.pool.HealthCheck(ctx)
	hs := a.pool.HealthStatus()
	if *asJSON {
		out := struct {
			Health      any `json:"health"`
			Statistics  any `json:"statistics"`
			Connections any `json:"connections"`
		}{hs, a.pool.Statistics(), a.pool.Connections()}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		fmt.Printf("healthy=%t active=%d idle=%d utilization=%.0f%% success=%.0f%% avg_connect=%s\n",
			hs.IsHealthy, hs.ActiveConnections, hs.IdleConnections,
			hs.UtilizationRate*100, hs.SuccessRate*100, hs.AverageConnectionTime.Round(time.Millisecond))
		for _, msg := range hs.RecentErrors {
			fmt.Printf("  error: %s\n", msg)
		}
	}

	if failed > 0 {
		return exitCode(1)
	}
	return nil
}
