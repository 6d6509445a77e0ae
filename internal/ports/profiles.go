package ports

import (
	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/profile"
)

// ProfileStore supplies host profiles.
type ProfileStore interface {
	// Profile returns the named profile.
	Profile(name string) (profile.Profile, bool)

	// Names returns the configured profile names in order.
	Names() []string

	// Resolve builds a profile for an ad-hoc host, applying matching host defaults.
	Resolve(host string) profile.Profile
}

// HostKeyStatus is the verdict for a presented host key.
type HostKeyStatus int

const (
	HostKeyTrusted HostKeyStatus = iota
	HostKeyUnknown
	HostKeyChanged
)

// String implements fmt.Stringer.
func (s HostKeyStatus) String() string {
	switch s {
	case HostKeyTrusted:
		return "trusted"
	case HostKeyUnknown:
		return "unknown"
	case HostKeyChanged:
		return "changed"
	}
	return "invalid"
}

// HostKeyResult carries the verdict and, for HostKeyChanged, the key that
// was trusted before.
type HostKeyResult struct {
	Status   HostKeyStatus
	Previous ssh.PublicKey
}

// HostKeyVerifier checks presented host keys against known-host records.
type HostKeyVerifier interface {
	VerifyHostKey(host string, port int, key ssh.PublicKey) (HostKeyResult, error)
	TrustHostKey(host string, port int, key ssh.PublicKey) error
}
