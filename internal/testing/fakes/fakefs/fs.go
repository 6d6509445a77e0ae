// Package fakefs provides an in-memory ports.FileSystem for tests.
package fakefs

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// FS is an in-memory filesystem. Parent directories are created implicitly.
type FS struct {
	mu      sync.RWMutex
	files   map[string]*file
	dirs    map[string]bool
	homeDir string
	env     map[string]string
}

type file struct {
	data    []byte
	mode    fs.FileMode
	modTime time.Time
}

var _ ports.FileSystem = (*FS)(nil)

// New returns an empty filesystem with /home/test as the home directory.
func New() *FS {
	return &FS{
		files:   make(map[string]*file),
		dirs:    map[string]bool{"/": true},
		homeDir: "/home/test",
		env:     make(map[string]string),
	}
}

// ReadFile returns a copy of the file contents.
func (f *FS) ReadFile(name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	fl, ok := f.files[filepath.Clean(name)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return bytes.Clone(fl.data), nil
}

// WriteFile stores a copy of data.
func (f *FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(filepath.Clean(name), bytes.Clone(data), perm)
	return nil
}

func (f *FS) putLocked(name string, data []byte, perm fs.FileMode) {
	f.mkdirAllLocked(filepath.Dir(name))
	f.files[name] = &file{data: data, mode: perm, modTime: time.Now()}
}

// OpenFile supports O_RDONLY, O_WRONLY, O_RDWR with O_CREATE, O_EXCL and
// O_TRUNC. Without O_TRUNC writes append to the existing contents. A created
// file exists, empty, from open; writes become visible on Close.
func (f *FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name = filepath.Clean(name)
	existing, ok := f.files[name]
	switch {
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case !ok && flag&os.O_CREATE == 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case f.dirs[name]:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	h := &handle{fs: f, name: name, perm: perm, writable: flag&(os.O_WRONLY|os.O_RDWR) != 0}
	if ok {
		h.perm = existing.mode
		if flag&os.O_TRUNC == 0 {
			h.buf.Write(existing.data)
		}
	} else {
		f.putLocked(name, nil, perm)
	}
	h.reader = bytes.NewReader(h.buf.Bytes())
	return h, nil
}

// Stat returns file or directory info.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	name = filepath.Clean(name)
	if fl, ok := f.files[name]; ok {
		return fileInfo{name: filepath.Base(name), size: int64(len(fl.data)), mode: fl.mode, modTime: fl.modTime}, nil
	}
	if f.dirs[name] {
		return fileInfo{name: filepath.Base(name), mode: fs.ModeDir | 0o755, dir: true}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

// MkdirAll records path and its parents.
func (f *FS) MkdirAll(path string, _ fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(filepath.Clean(path))
	return nil
}

func (f *FS) mkdirAllLocked(path string) {
	for p := path; ; p = filepath.Dir(p) {
		f.dirs[p] = true
		if p == filepath.Dir(p) {
			return
		}
	}
}

// Remove deletes a file.
func (f *FS) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	name = filepath.Clean(name)
	if _, ok := f.files[name]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(f.files, name)
	return nil
}

func (f *FS) UserHomeDir() (string, error) { return f.homeDir, nil }

func (f *FS) Getenv(key string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.env[key]
}

// SetHomeDir changes what UserHomeDir returns.
func (f *FS) SetHomeDir(dir string) { f.homeDir = dir }

// SetEnv sets an environment variable seen by Getenv.
func (f *FS) SetEnv(key, value string) {
	f.mu.Lock()
	f.env[key] = value
	f.mu.Unlock()
}

// Files lists stored file paths in sorted order.
func (f *FS) Files() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.files))
	for name := range f.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type handle struct {
	fs       *FS
	name     string
	perm     fs.FileMode
	writable bool
	buf      bytes.Buffer
	reader   *bytes.Reader
	written  bool
	closed   bool
}

func (h *handle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	return h.reader.Read(p)
}

func (h *handle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	if !h.writable {
		return 0, &fs.PathError{Op: "write", Path: h.name, Err: fs.ErrPermission}
	}
	h.written = true
	return h.buf.Write(p)
}

func (h *handle) Stat() (fs.FileInfo, error) {
	return fileInfo{name: filepath.Base(h.name), size: int64(h.buf.Len()), mode: h.perm, modTime: time.Now()}, nil
}

// Close publishes written data to the filesystem.
func (h *handle) Close() error {
	if h.closed {
		return fs.ErrClosed
	}
	h.closed = true
	if !h.writable {
		return nil
	}
	h.fs.mu.Lock()
	h.fs.putLocked(h.name, bytes.Clone(h.buf.Bytes()), h.perm)
	h.fs.mu.Unlock()
	return nil
}

var _ io.ReadWriteCloser = (*handle)(nil)

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	dir     bool
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }
