package ports

import "github.com/acolita/sshkit/internal/profile"

// Credential is the secret material for a profile. Any field may be empty.
type Credential struct {
	Password   []byte
	PrivateKey []byte
	Passphrase []byte
}

// IsEmpty reports whether no secret is present.
func (c Credential) IsEmpty() bool {
	return len(c.Password) == 0 && len(c.PrivateKey) == 0 && len(c.Passphrase) == 0
}

// CredentialProvider loads and durably stores secrets. The core never
// persists secrets itself.
type CredentialProvider interface {
	// Load returns the stored credential. A missing credential is an empty
	// Credential and a nil error.
	Load(p profile.Profile) (Credential, error)
	Save(p profile.Profile, c Credential) error
	Delete(p profile.Profile) error
}
