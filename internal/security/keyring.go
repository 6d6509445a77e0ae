// Package security provides credential storage, authentication lockout and
// secret handling for sshkit.
package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
)

// KeyringService is the default service name used for keyring entries.
const KeyringService = "sshkit"

// ErrKeyringUnavailable is returned by writes when no system keyring exists.
var ErrKeyringUnavailable = errors.New("keyring not available")

const (
	keyPasswordFmt   = "password:%s"
	keyPrivateFmt    = "private-key:%s"
	keyPassphraseFmt = "passphrase:%s"
)

// KeyringStore keeps profile credentials in the OS keyring (macOS Keychain,
// Linux Secret Service, Windows Credential Manager). It implements
// ports.CredentialProvider.
type KeyringStore struct {
	service string

	mu      sync.RWMutex
	enabled bool
}

var _ ports.CredentialProvider = (*KeyringStore)(nil)

// KeyringOption configures a KeyringStore.
type KeyringOption func(*KeyringStore)

// WithService overrides the keyring service name.
func WithService(name string) KeyringOption {
	return func(ks *KeyringStore) { ks.service = name }
}

// NewKeyringStore creates a keyring store. If the system keyring is not
// usable the store is disabled: loads find nothing and saves fail.
func NewKeyringStore(opts ...KeyringOption) *KeyringStore {
	ks := &KeyringStore{service: KeyringService, enabled: true}
	for _, opt := range opts {
		opt(ks)
	}

	probe := "__sshkit_probe__"
	if err := keyring.Set(ks.service, probe, "probe"); err != nil {
		slog.Debug("keyring not available, credentials will not be persisted",
			slog.String("error", err.Error()),
		)
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(ks.service, probe)

	slog.Debug("keyring storage enabled", slog.String("service", ks.service))
	return ks
}

// IsEnabled reports whether the keyring is in use.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled turns keyring usage on or off.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

// passphraseKey ties a passphrase to its key file when there is one, so
// profiles sharing a key share the passphrase.
func passphraseKey(p profile.Profile) string {
	if p.Auth.KeyPath != "" {
		return fmt.Sprintf(keyPassphraseFmt, p.Auth.KeyPath)
	}
	return fmt.Sprintf(keyPassphraseFmt, p.String())
}

func (ks *KeyringStore) keys(p profile.Profile) (password, private, passphrase string) {
	id := p.String()
	return fmt.Sprintf(keyPasswordFmt, id), fmt.Sprintf(keyPrivateFmt, id), passphraseKey(p)
}

// Load returns the stored credential for p. Missing entries are empty.
func (ks *KeyringStore) Load(p profile.Profile) (ports.Credential, error) {
	if !ks.IsEnabled() {
		return ports.Credential{}, nil
	}

	pwKey, keyKey, ppKey := ks.keys(p)
	var (
		c   ports.Credential
		err error
	)
	if c.Password, err = ks.get(pwKey); err != nil {
		return ports.Credential{}, fmt.Errorf("load password for %s: %w", p, err)
	}
	if c.PrivateKey, err = ks.get(keyKey); err != nil {
		WipeCredential(&c)
		return ports.Credential{}, fmt.Errorf("load private key for %s: %w", p, err)
	}
	if c.Passphrase, err = ks.get(ppKey); err != nil {
		WipeCredential(&c)
		return ports.Credential{}, fmt.Errorf("load passphrase for %s: %w", p, err)
	}
	return c, nil
}

// Save stores the non-empty fields of c for p. Empty fields leave any
// existing entry untouched.
func (ks *KeyringStore) Save(p profile.Profile, c ports.Credential) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}

	pwKey, keyKey, ppKey := ks.keys(p)
	for _, e := range []struct {
		key   string
		value []byte
		what  string
	}{
		{pwKey, c.Password, "password"},
		{keyKey, c.PrivateKey, "private key"},
		{ppKey, c.Passphrase, "passphrase"},
	} {
		if len(e.value) == 0 {
			continue
		}
		if err := keyring.Set(ks.service, e.key, base64.StdEncoding.EncodeToString(e.value)); err != nil {
			return fmt.Errorf("store %s for %s: %w", e.what, p, err)
		}
	}

	slog.Debug("stored credential in keyring", slog.String("profile", p.String()))
	return nil
}

// Delete removes every entry stored for p. Missing entries are ignored.
func (ks *KeyringStore) Delete(p profile.Profile) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}

	pwKey, keyKey, ppKey := ks.keys(p)
	for _, k := range []string{pwKey, keyKey, ppKey} {
		if err := keyring.Delete(ks.service, k); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("delete credential for %s: %w", p, err)
		}
	}
	return nil
}

func (ks *KeyringStore) get(key string) ([]byte, error) {
	encoded, err := keyring.Get(ks.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return b, nil
}
