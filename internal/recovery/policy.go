// Package recovery maps failure kinds to recovery strategies and runs
// operations under those strategies.
package recovery

import (
	"time"

	"github.com/acolita/sshkit/internal/failure"
)

// Action is what a caller should do after a failure.
type Action string

const (
	ActionRetry            Action = "retry"
	ActionReconnect        Action = "reconnect"
	ActionReauthenticate   Action = "reauthenticate"
	ActionUserIntervention Action = "user_intervention"
	ActionFallback         Action = "fallback"
	ActionAbort            Action = "abort"
)

// Strategy is the recovery plan for a failure kind. Delay and MaxAttempts
// are meaningful for ActionRetry and ActionReconnect.
type Strategy struct {
	Action      Action
	Delay       time.Duration
	MaxAttempts int
	Reason      string
}

// Policy decides the strategy for a failure kind.
type Policy interface {
	Strategy(kind failure.Kind) Strategy
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(kind failure.Kind) Strategy

// Strategy implements Policy.
func (f PolicyFunc) Strategy(kind failure.Kind) Strategy { return f(kind) }

// Default retry settings.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// RulePolicy is a table-driven Policy. Kinds without a rule get Fallthrough.
type RulePolicy struct {
	Rules       map[failure.Kind]Strategy
	Fallthrough Strategy
}

// Strategy implements Policy.
func (p *RulePolicy) Strategy(kind failure.Kind) Strategy {
	if s, ok := p.Rules[kind]; ok {
		return s
	}
	return p.Fallthrough
}

// DefaultPolicy retries transient network and timeout failures with
// backoff, reauthenticates on credential failures and routes host key
// problems to the user instead of accepting them.
func DefaultPolicy() *RulePolicy {
	return NewPolicy(DefaultMaxAttempts, DefaultRetryDelay)
}

// NewPolicy builds the default rule table with the given retry settings.
func NewPolicy(maxAttempts int, delay time.Duration) *RulePolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if delay < 0 {
		delay = 0
	}

	retry := func(reason string) Strategy {
		return Strategy{Action: ActionRetry, Delay: delay, MaxAttempts: maxAttempts, Reason: reason}
	}
	rules := map[failure.Kind]Strategy{
		failure.ConnectTimeout:     retry("connect attempt timed out"),
		failure.ConnectionRefused:  retry("server may be restarting"),
		failure.HostUnreachable:    retry("route may recover"),
		failure.NetworkUnavailable: retry("network may recover"),
		failure.DNSFailure:         retry("resolver may recover"),
		failure.OperationTimeout:   retry("operation timed out"),
		failure.ConnectionLost: {
			Action: ActionReconnect, Delay: delay, MaxAttempts: maxAttempts,
			Reason: "transport dropped",
		},
		failure.KeepAliveTimeout: {
			Action: ActionReconnect, Delay: delay, MaxAttempts: maxAttempts,
			Reason: "keep-alive unanswered",
		},
		failure.AuthFailed:      {Action: ActionReauthenticate, Reason: "credentials rejected"},
		failure.KeyRejected:     {Action: ActionFallback, Reason: "try another authentication method"},
		failure.HostKeyUnknown:  {Action: ActionUserIntervention, Reason: "host key must be verified"},
		failure.HostKeyChanged:  {Action: ActionUserIntervention, Reason: "host key changed"},
		failure.HostKeyMismatch: {Action: ActionUserIntervention, Reason: "host key mismatch"},
		failure.PortInUse:       {Action: ActionUserIntervention, Reason: "choose another port"},
	}

	return &RulePolicy{
		Rules:       rules,
		Fallthrough: Strategy{Action: ActionAbort, Reason: "not recoverable"},
	}
}
