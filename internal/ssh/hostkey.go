package ssh

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
)

// HostKeyPolicy decides what happens to keys that are not yet trusted.
type HostKeyPolicy string

const (
	// HostKeyAsk prompts for unknown and changed keys and remembers
	// accepted ones.
	HostKeyAsk HostKeyPolicy = "ask"
	// HostKeyStrict rejects every key that is not already trusted.
	HostKeyStrict HostKeyPolicy = "strict"
)

// HostKeyChecker builds host key callbacks bound to a profile. Prompts are
// serialised so concurrent handshakes never interleave questions.
type HostKeyChecker struct {
	Verifier ports.HostKeyVerifier
	Prompter ports.HostKeyPrompter
	Policy   HostKeyPolicy

	promptMu sync.Mutex
}

// Callback returns the host key callback for p. Keys are looked up under
// the profile's host and port, not the resolved address.
func (h *HostKeyChecker) Callback(p profile.Profile) ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		return h.check(p, key)
	}
}

func (h *HostKeyChecker) check(p profile.Profile, key ssh.PublicKey) error {
	res := ports.HostKeyResult{Status: ports.HostKeyUnknown}
	if h.Verifier != nil {
		var err error
		res, err = h.Verifier.VerifyHostKey(p.Host, p.Port, key)
		if err != nil {
			return failure.Wrap("verify host key", err)
		}
	}

	fingerprint := ssh.FingerprintSHA256(key)
	var (
		kind     failure.Kind
		previous string
	)
	switch res.Status {
	case ports.HostKeyTrusted:
		return nil
	case ports.HostKeyChanged:
		kind = failure.HostKeyChanged
		if res.Previous != nil {
			previous = ssh.FingerprintSHA256(res.Previous)
		}
	default:
		kind = failure.HostKeyUnknown
	}

	reject := func(err error) error {
		fe := failure.New(kind, "verify host key", err).At(p.Host, p.Port)
		fe.Previous = previous
		return fe
	}

	if h.Policy == HostKeyStrict || h.Prompter == nil {
		return reject(fmt.Errorf("%s key %s is not trusted", key.Type(), fingerprint))
	}

	h.promptMu.Lock()
	accepted, err := h.Prompter.ConfirmHostKey(ports.HostKeyPrompt{
		Host:        p.Host,
		Port:        p.Port,
		KeyType:     key.Type(),
		Fingerprint: fingerprint,
		Previous:    previous,
	})
	h.promptMu.Unlock()
	if err != nil {
		return reject(err)
	}
	if !accepted {
		return reject(fmt.Errorf("%s key %s rejected", key.Type(), fingerprint))
	}

	if h.Verifier != nil {
		if err := h.Verifier.TrustHostKey(p.Host, p.Port, key); err != nil {
			slog.Warn("could not remember host key",
				slog.String("host", p.Host),
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
