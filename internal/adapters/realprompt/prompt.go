// Package realprompt asks the user on the controlling terminal whether to
// trust a host key, using charmbracelet/huh.
package realprompt

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/acolita/sshkit/internal/ports"
)

// Prompter implements ports.HostKeyPrompter with a huh confirm form.
type Prompter struct {
	// Accessible switches huh to its screen-reader friendly mode, which also
	// works when stdin is not a full terminal.
	Accessible bool
}

var _ ports.HostKeyPrompter = (*Prompter)(nil)

// New returns a Prompter.
func New() *Prompter { return &Prompter{} }

// ConfirmHostKey shows the fingerprint and returns the user's answer. An
// aborted form counts as a refusal.
func (p *Prompter) ConfirmHostKey(req ports.HostKeyPrompt) (bool, error) {
	var trust bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(title(req)).
				Description(describe(req)),
			huh.NewConfirm().
				Title("Trust this host key and remember it?").
				Affirmative("Trust").
				Negative("Reject").
				Value(&trust),
		),
	).WithAccessible(p.Accessible)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("host key prompt: %w", err)
	}
	return trust, nil
}

func title(req ports.HostKeyPrompt) string {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	if req.Previous != "" {
		return "WARNING: host key for " + addr + " has CHANGED"
	}
	return "Unknown host " + addr
}

func describe(req ports.HostKeyPrompt) string {
	s := fmt.Sprintf("%s key fingerprint is %s", req.KeyType, req.Fingerprint)
	if req.Previous != "" {
		s += fmt.Sprintf("\npreviously trusted fingerprint was %s", req.Previous)
	}
	return s
}
