package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
)

// ExecOptions tune one command.
type ExecOptions struct {
	// Timeout overrides the session's command timeout. Zero uses the default.
	Timeout time.Duration
	Env     map[string]string
	Stdin   io.Reader
}

var (
	errCommandTimeout = errors.New("command timed out")
	errCancelled      = errors.New("command cancelled")
)

type execOutcome struct {
	res ports.ExecResult
	err error
}

// ExecuteCommand runs cmd on the remote host. The command races its timeout
// and caller cancellation; whichever loses is cancelled. A timeout leaves
// the session in the error state, a cancellation returns it to active.
// A non-zero exit code is reported in the result, not as an error.
func (s *Session) ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (CommandResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.commandTimeout
	}

	s.mu.Lock()
	if err := s.beginLocked("execute", Status{State: StateExecuting, Detail: cmd}); err != nil {
		s.mu.Unlock()
		return CommandResult{}, err
	}
	start := s.clock.Now()
	ec := newExecContext(cmd, start, opts.Env)

	if err := s.filter.Check(cmd); err != nil {
		result := ec.blocked(err)
		s.recordLocked(ec, result, err)
		s.mu.Unlock()
		return result, s.fail("execute", err)
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	s.cancelExec = cancel
	s.mu.Unlock()
	defer cancel(nil)

	var sent atomic.Uint64
	sent.Add(uint64(len(cmd)))
	req := ports.ExecRequest{Command: cmd, Env: opts.Env}
	if opts.Stdin != nil {
		req.Stdin = &countingReader{r: opts.Stdin, n: &sent}
	}

	done := make(chan execOutcome, 1)
	go func() {
		res, err := s.transport.Exec(execCtx, req)
		done <- execOutcome{res, err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		timer = s.clock.After(timeout)
	}

	var out execOutcome
	select {
	case out = <-done:
	case <-timer:
		cancel(errCommandTimeout)
		out = execOutcome{err: errCommandTimeout}
	case <-execCtx.Done():
		out = execOutcome{err: context.Cause(execCtx)}
	}

	elapsed := s.clock.Now().Sub(start)
	var (
		result CommandResult
		err    error
	)
	switch cause := context.Cause(execCtx); {
	case out.err == nil:
		result = ec.completed(out.res, elapsed)
	case errors.Is(cause, errCommandTimeout), errors.Is(cause, context.DeadlineExceeded):
		result = ec.timedOut(elapsed)
		err = failure.New(failure.OperationTimeout, "execute",
			fmt.Errorf("%q did not finish within %s", cmd, elapsedOrTimeout(timeout, elapsed)))
	case cause != nil:
		result = ec.cancelled(elapsed)
		err = failure.New(failure.Cancelled, "execute", cause)
	default:
		result = ec.failed(out.err, elapsed)
		err = out.err
	}
	if err != nil {
		err = s.fail("execute", err)
	}

	s.mu.Lock()
	s.cancelExec = nil
	s.stats.BytesOut += sent.Load()
	s.stats.BytesIn += uint64(len(result.Stdout) + len(result.Stderr))
	s.stats.ExecutionTime += elapsed
	if result.Status == ResultCancelled {
		// Cancellation is not a session failure.
		s.recordLocked(ec, result, nil)
	} else {
		s.recordLocked(ec, result, err)
	}
	s.mu.Unlock()

	slog.Debug("command finished",
		slog.String("session", s.id),
		slog.String("status", string(result.Status)),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("elapsed", elapsed),
	)
	return result, err
}

// Cancel stops the running command, if any, and reports whether there was one.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelExec == nil {
		return false
	}
	s.cancelExec(errCancelled)
	return true
}

// recordLocked appends the command to the history and settles the state.
func (s *Session) recordLocked(ec *execContext, result CommandResult, err error) {
	if result.Status != ResultBlocked {
		s.stats.CommandsExecuted++
	}
	s.history.add(HistoryEntry{
		Command:     ec.command,
		Timestamp:   ec.started,
		Result:      result,
		Environment: ec.env,
	})
	s.events.publish(Event{Kind: EventCommand, SessionID: s.id, Time: s.clock.Now(), Command: &result})
	s.finishLocked(err)
}

func elapsedOrTimeout(timeout, elapsed time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return elapsed.Round(time.Millisecond)
}

type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(uint64(n))
	return n, err
}

func cloneEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	return maps.Clone(env)
}
