package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/security"
)

// defaultKeys are tried when agent auth finds no running agent.
var defaultKeys = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_rsa",
	"~/.ssh/id_ecdsa",
}

// AuthMethods are the methods offered during one handshake. Close releases
// the agent connection, if any.
type AuthMethods struct {
	Methods []ssh.AuthMethod
	agent   net.Conn
}

// Close releases resources held by the methods.
func (a *AuthMethods) Close() error {
	if a.agent != nil {
		return a.agent.Close()
	}
	return nil
}

// BuildAuthMethods constructs the auth methods for a profile. Secret bytes
// are read from cred when the handshake runs, so cred must not be wiped
// before the handshake completes. A stored password is offered after the
// profile's primary method.
func BuildAuthMethods(p profile.Profile, cred ports.Credential, fs ports.FileSystem, agentDialer ports.NetworkDialer) (*AuthMethods, error) {
	auth := &AuthMethods{}

	switch p.Auth.Kind {
	case profile.AuthPassword:
		if len(cred.Password) == 0 {
			return nil, failure.New(failure.AuthFailed, "authenticate", errors.New("no password stored")).
				At(p.Host, p.Port).
				WithHint("store a password for this profile in the keyring")
		}

	case profile.AuthPublicKey:
		signer, err := loadSigner(p, cred, fs)
		if err != nil {
			return nil, err
		}
		auth.Methods = append(auth.Methods, ssh.PublicKeys(signer))

	case profile.AuthAgent:
		if conn := dialAgent(fs, agentDialer); conn != nil {
			auth.agent = conn
			auth.Methods = append(auth.Methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else if signer := defaultKeySigner(fs, cred.Passphrase); signer != nil {
			auth.Methods = append(auth.Methods, ssh.PublicKeys(signer))
		}

	default:
		return nil, fmt.Errorf("unknown auth type %q", p.Auth.Kind)
	}

	if len(cred.Password) > 0 {
		auth.Methods = append(auth.Methods, PasswordAuth(cred.Password), KeyboardInteractiveAuth(cred.Password))
	}

	if len(auth.Methods) == 0 {
		return nil, failure.New(failure.AuthFailed, "authenticate", errors.New("no authentication methods available")).
			At(p.Host, p.Port).
			WithHint("start ssh-agent or configure a key_path for this host")
	}
	return auth, nil
}

// loadSigner parses the profile's private key, taken from the credential
// provider when stored there and from Auth.KeyPath otherwise.
func loadSigner(p profile.Profile, cred ports.Credential, fs ports.FileSystem) (ssh.Signer, error) {
	keyData := cred.PrivateKey
	if len(keyData) == 0 {
		data, err := fs.ReadFile(expandPath(fs, p.Auth.KeyPath))
		if err != nil {
			return nil, failure.New(failure.Classify(err), "read private key", err).
				At(p.Host, p.Port).
				WithHint("check the key_path of this profile")
		}
		defer security.WipeBytes(data)
		keyData = data
	}

	signer, err := parseKey(keyData, cred.Passphrase)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, failure.New(failure.KeyRejected, "parse private key", err).
				At(p.Host, p.Port).
				WithHint("the key is encrypted; store its passphrase in the keyring")
		}
		return nil, failure.New(failure.KeyRejected, "parse private key", err).At(p.Host, p.Port)
	}
	return signer, nil
}

func parseKey(data, passphrase []byte) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	}
	return ssh.ParsePrivateKey(data)
}

// dialAgent connects to $SSH_AUTH_SOCK, or returns nil.
func dialAgent(fs ports.FileSystem, dialer ports.NetworkDialer) net.Conn {
	socket := fs.Getenv("SSH_AUTH_SOCK")
	if socket == "" || dialer == nil {
		return nil
	}
	conn, err := dialer.Dial("unix", socket)
	if err != nil {
		slog.Debug("ssh-agent unavailable", slog.String("error", err.Error()))
		return nil
	}
	return conn
}

// defaultKeySigner returns the first usable key among defaultKeys.
func defaultKeySigner(fs ports.FileSystem, passphrase []byte) ssh.Signer {
	for _, keyPath := range defaultKeys {
		data, err := fs.ReadFile(expandPath(fs, keyPath))
		if err != nil {
			continue
		}
		signer, err := parseKey(data, passphrase)
		security.WipeBytes(data)
		if err == nil {
			slog.Debug("using default key", slog.String("key_path", keyPath))
			return signer
		}
	}
	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(fs ports.FileSystem, path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := fs.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

// PasswordAuth returns a password auth method reading password when the
// server asks for it.
func PasswordAuth(password []byte) ssh.AuthMethod {
	return ssh.PasswordCallback(func() (string, error) {
		return string(password), nil
	})
}

// KeyboardInteractiveAuth answers every keyboard-interactive question with
// password.
func KeyboardInteractiveAuth(password []byte) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = string(password)
		}
		return answers, nil
	})
}
