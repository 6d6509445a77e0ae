// Package realfs backs ports.FileSystem with package os.
package realfs

import (
	"io/fs"
	"os"

	"github.com/acolita/sshkit/internal/ports"
)

// FS is the host filesystem.
type FS struct{}

var _ ports.FileSystem = FS{}

// New returns the host filesystem.
func New() FS { return FS{} }

func (FS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

// OpenFile opens name with os.OpenFile. *os.File satisfies ports.FileHandle.
func (FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (FS) Stat(name string) (fs.FileInfo, error)        { return os.Stat(name) }
func (FS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (FS) Remove(name string) error                     { return os.Remove(name) }
func (FS) UserHomeDir() (string, error)                 { return os.UserHomeDir() }
func (FS) Getenv(key string) string                     { return os.Getenv(key) }
