package security

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
)

func newMockStore(t *testing.T) *KeyringStore {
	t.Helper()
	keyring.MockInit()
	ks := NewKeyringStore()
	if !ks.IsEnabled() {
		t.Fatal("mock keyring should be enabled")
	}
	return ks
}

func TestKeyringStore_SaveLoadDelete(t *testing.T) {
	ks := newMockStore(t)
	p := profile.New("db.internal", 2222, "deploy", profile.Auth{Kind: profile.AuthPassword})

	empty, err := ks.Load(p)
	if err != nil || !empty.IsEmpty() {
		t.Fatalf("Load() before Save = %+v, %v", empty, err)
	}

	if err := ks.Save(p, ports.Credential{Password: []byte("s3cret\x00bin")}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := ks.Load(p)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got.Password) != "s3cret\x00bin" {
		t.Errorf("Password = %q", got.Password)
	}
	if len(got.PrivateKey) != 0 || len(got.Passphrase) != 0 {
		t.Errorf("unexpected fields: %+v", got)
	}

	if err := ks.Delete(p); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got, _ := ks.Load(p); !got.IsEmpty() {
		t.Errorf("Load() after Delete = %+v", got)
	}
	if err := ks.Delete(p); err != nil {
		t.Errorf("deleting twice should be a no-op, got %v", err)
	}
}

func TestKeyringStore_PassphraseSharedByKeyPath(t *testing.T) {
	ks := newMockStore(t)
	auth := profile.Auth{Kind: profile.AuthPublicKey, KeyPath: "/home/deploy/.ssh/id_ed25519"}
	a := profile.New("a.internal", 22, "deploy", auth)
	b := profile.New("b.internal", 22, "deploy", auth)

	if err := ks.Save(a, ports.Credential{Passphrase: []byte("hunter2")}); err != nil {
		t.Fatal(err)
	}
	got, err := ks.Load(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Passphrase) != "hunter2" {
		t.Errorf("profiles sharing a key file should share its passphrase, got %q", got.Passphrase)
	}
}

func TestKeyringStore_SaveKeepsUnsetFields(t *testing.T) {
	ks := newMockStore(t)
	p := profile.New("h", 22, "u", profile.Auth{})

	ks.Save(p, ports.Credential{Password: []byte("pw")})
	ks.Save(p, ports.Credential{PrivateKey: []byte("PEM")})

	got, _ := ks.Load(p)
	if string(got.Password) != "pw" || string(got.PrivateKey) != "PEM" {
		t.Errorf("Load() = %+v", got)
	}
}

func TestKeyringStore_Disabled(t *testing.T) {
	ks := newMockStore(t)
	ks.SetEnabled(false)
	p := profile.New("h", 22, "u", profile.Auth{})

	if err := ks.Save(p, ports.Credential{Password: []byte("x")}); !errors.Is(err, ErrKeyringUnavailable) {
		t.Errorf("Save() error = %v", err)
	}
	if err := ks.Delete(p); !errors.Is(err, ErrKeyringUnavailable) {
		t.Errorf("Delete() error = %v", err)
	}
	if c, err := ks.Load(p); err != nil || !c.IsEmpty() {
		t.Errorf("Load() = %+v, %v", c, err)
	}
}

func TestKeyringStore_ProbeFailureDisables(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(keyring.MockInit)

	if NewKeyringStore().IsEnabled() {
		t.Error("store should be disabled when the keyring errors")
	}
}

func TestKeyringStore_ServiceIsolation(t *testing.T) {
	keyring.MockInit()
	a := NewKeyringStore(WithService("sshkit-a"))
	b := NewKeyringStore(WithService("sshkit-b"))
	p := profile.New("h", 22, "u", profile.Auth{})

	a.Save(p, ports.Credential{Password: []byte("only-a")})
	if got, _ := b.Load(p); !got.IsEmpty() {
		t.Errorf("services should not share entries, got %+v", got)
	}
}
