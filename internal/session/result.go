package session

import (
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// ResultStatus is how a command ended.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultTimedOut  ResultStatus = "timed_out"
	ResultCancelled ResultStatus = "cancelled"
	ResultBlocked   ResultStatus = "blocked"
)

// CommandResult is the outcome of ExecuteCommand.
type CommandResult struct {
	Command  string        `json:"command"`
	Status   ResultStatus  `json:"status"`
	Stdout   []byte        `json:"stdout,omitempty"`
	Stderr   []byte        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// execContext holds what every result of one execution shares.
type execContext struct {
	command string
	started time.Time
	env     map[string]string
}

func newExecContext(command string, started time.Time, env map[string]string) *execContext {
	return &execContext{command: command, started: started, env: cloneEnv(env)}
}

func (ec *execContext) completed(res ports.ExecResult, elapsed time.Duration) CommandResult {
	return CommandResult{
		Command:  ec.command,
		Status:   ResultCompleted,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: elapsed,
	}
}

func (ec *execContext) failed(err error, elapsed time.Duration) CommandResult {
	return CommandResult{
		Command:  ec.command,
		Status:   ResultFailed,
		ExitCode: -1,
		Duration: elapsed,
		Error:    err.Error(),
	}
}

func (ec *execContext) timedOut(elapsed time.Duration) CommandResult {
	return CommandResult{
		Command:  ec.command,
		Status:   ResultTimedOut,
		ExitCode: -1,
		Duration: elapsed,
		Error:    errCommandTimeout.Error(),
	}
}

func (ec *execContext) cancelled(elapsed time.Duration) CommandResult {
	return CommandResult{
		Command:  ec.command,
		Status:   ResultCancelled,
		ExitCode: -1,
		Duration: elapsed,
		Error:    errCancelled.Error(),
	}
}

func (ec *execContext) blocked(err error) CommandResult {
	return CommandResult{
		Command:  ec.command,
		Status:   ResultBlocked,
		ExitCode: -1,
		Error:    err.Error(),
	}
}
