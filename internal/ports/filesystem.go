package ports

import (
	"io"
	"io/fs"
)

// FileSystem abstracts local file access for config, known_hosts,
// transcripts and file transfers.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile writes data to the named file, creating it if necessary.
	WriteFile(name string, data []byte, perm fs.FileMode) error

	// OpenFile opens the named file with the given flags (os.O_RDONLY, os.O_CREATE, ...).
	OpenFile(name string, flag int, perm fs.FileMode) (FileHandle, error)

	// Stat returns file info for the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// Remove removes the named file or empty directory.
	Remove(name string) error

	// UserHomeDir returns the current user's home directory.
	UserHomeDir() (string, error)

	// Getenv retrieves the value of the environment variable named by the key.
	Getenv(key string) string
}

// FileHandle is an open file.
type FileHandle interface {
	io.Reader
	io.Writer
	io.Closer
	Stat() (fs.FileInfo, error)
}
