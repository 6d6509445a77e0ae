package security

import (
	"crypto/rand"

	"github.com/acolita/sshkit/internal/ports"
)

// WipeBytes overwrites a byte slice with random data and then zeros so the
// secret does not linger in memory.
func WipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	rand.Read(data)
	clear(data)
}

// WipeCredential wipes every secret in c and empties it.
func WipeCredential(c *ports.Credential) {
	if c == nil {
		return
	}
	WipeBytes(c.Password)
	WipeBytes(c.PrivateKey)
	WipeBytes(c.Passphrase)
	*c = ports.Credential{}
}

// CloneCredential returns a deep copy of c. Callers that wipe after use
// should hand out clones.
func CloneCredential(c ports.Credential) ports.Credential {
	return ports.Credential{
		Password:   cloneBytes(c.Password),
		PrivateKey: cloneBytes(c.PrivateKey),
		Passphrase: cloneBytes(c.Passphrase),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
