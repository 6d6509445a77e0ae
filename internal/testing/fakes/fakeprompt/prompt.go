// Package fakeprompt provides a scripted ports.HostKeyPrompter.
package fakeprompt

import (
	"sync"

	"github.com/acolita/sshkit/internal/ports"
)

// Prompter answers every host-key question with Answer and records the prompts.
type Prompter struct {
	mu      sync.Mutex
	Answer  bool
	Err     error
	prompts []ports.HostKeyPrompt
}

var _ ports.HostKeyPrompter = (*Prompter)(nil)

// New returns a prompter that always answers accept.
func New(accept bool) *Prompter { return &Prompter{Answer: accept} }

// ConfirmHostKey records p and returns the scripted answer.
func (p *Prompter) ConfirmHostKey(req ports.HostKeyPrompt) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, req)
	return p.Answer, p.Err
}

// Prompts returns the recorded prompts.
func (p *Prompter) Prompts() []ports.HostKeyPrompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.HostKeyPrompt(nil), p.prompts...)
}
