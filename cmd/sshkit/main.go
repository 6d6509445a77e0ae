// sshkit runs commands, interactive shells, file transfers and port forwards
// over pooled SSH connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/acolita/sshkit/internal/failure"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const usage = `Usage: sshkit [global flags] <command> [flags] <target> [args]

A target is a profile name or [user@]host[:port].

Commands:
  exec     run a command and print its output
  shell    open an interactive shell
  put      upload a file
  get      download a file
  forward  forward ports through the connection (-L, -R)
  socks    run a SOCKS5 proxy through the connection (-D)
  health   probe connections and print pool health
  version  print version information

Global flags:
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"exec":    runExec,
	"shell":   runShell,
	"put":     runPut,
	"get":     runGet,
	"forward": runForward,
	"socks":   runSocks,
	"health":  runHealth,
}

// exitCode is returned by commands that finish with a remote exit status.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := pflag.NewFlagSet("sshkit", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", "", "path to configuration file")
	logLevel := global.String("log-level", "", "log level: debug, info, warn or error (overrides config)")
	showVersion := global.BoolP("version", "v", false, "show version information")
	global.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		global.PrintDefaults()
	}

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		printVersion()
		return 0
	}

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}
	name, cmdArgs := rest[0], rest[1:]
	if name == "version" {
		printVersion()
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		global.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	slog.Debug("running command", slog.String("command", name), slog.String("version", Version))

	err = cmd(ctx, a, cmdArgs)
	var code exitCode
	switch {
	case err == nil:
		return 0
	case errors.As(err, &code):
		return int(code)
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	reportError(err)
	return 1
}

func reportError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := failure.HintOf(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
}

func printVersion() {
	fmt.Printf("sshkit version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}
