// Package sftp moves file contents over an established SSH connection.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/failure"
)

// ChunkSize is the unit of transfer between cancellation checks.
const ChunkSize = 32 * 1024

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sftp client is closed")

// Client wraps an SFTP session. The subsystem is started lazily on first
// use so that connections that never transfer files never open it.
type Client struct {
	sshConn    *ssh.Client
	sftpClient *sftp.Client
	mu         sync.Mutex
	closed     bool
}

// NewClient returns a lazy client bound to an SSH connection.
func NewClient(sshConn *ssh.Client) *Client {
	return &Client{sshConn: sshConn}
}

// FromClient wraps an already running SFTP session.
func FromClient(c *sftp.Client) *Client {
	return &Client{sftpClient: c}
}

func (c *Client) client() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.sftpClient != nil {
		return c.sftpClient, nil
	}
	if c.sshConn == nil {
		return nil, errors.New("ssh connection is nil")
	}

	client, err := sftp.NewClient(c.sshConn)
	if err != nil {
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	c.sftpClient = client
	return client, nil
}

// Close ends the SFTP session. The SSH connection stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.sftpClient != nil {
		err := c.sftpClient.Close()
		c.sftpClient = nil
		return err
	}
	return nil
}

// IsConnected reports whether the subsystem has been started and not closed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sftpClient != nil && !c.closed
}

// Stat returns remote file information.
func (c *Client) Stat(p string) (os.FileInfo, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return client.Stat(p)
}

// Remove deletes a remote file.
func (c *Client) Remove(p string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return client.Remove(p)
}

// Progress is called after every chunk with the running byte total.
type Progress func(transferred int64)

// Upload streams src into remotePath, creating or truncating it, and
// verifies the remote size afterwards. It returns the bytes written.
func (c *Client) Upload(ctx context.Context, src io.Reader, remotePath string, perm os.FileMode, progress Progress) (int64, error) {
	client, err := c.client()
	if err != nil {
		return 0, failure.Wrap("upload", err)
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return 0, failure.Wrap("upload", fmt.Errorf("create remote directory %s: %w", dir, err))
		}
	}

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, failure.Wrap("upload", fmt.Errorf("open remote file: %w", err))
	}

	n, err := copyChunks(ctx, dst, src, progress)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, failure.Wrap("upload", err)
	}

	if perm != 0 {
		if err := client.Chmod(remotePath, perm); err != nil {
			return n, failure.Wrap("upload", fmt.Errorf("chmod remote file: %w", err))
		}
	}

	info, err := client.Stat(remotePath)
	if err != nil {
		return n, failure.Wrap("upload", fmt.Errorf("stat remote file: %w", err))
	}
	if info.Size() != n {
		return n, failure.New(failure.TransferChecksum, "upload",
			fmt.Errorf("remote size %d, wrote %d", info.Size(), n))
	}
	return n, nil
}

// Download streams remotePath into dst and checks the byte count against
// the remote size.
func (c *Client) Download(ctx context.Context, remotePath string, dst io.Writer, progress Progress) (int64, error) {
	client, err := c.client()
	if err != nil {
		return 0, failure.Wrap("download", err)
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return 0, failure.Wrap("download", fmt.Errorf("open remote file: %w", err))
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, failure.Wrap("download", fmt.Errorf("stat remote file: %w", err))
	}
	if info.IsDir() {
		return 0, failure.New(failure.NotFound, "download", fmt.Errorf("%s is a directory", remotePath))
	}

	n, err := copyChunks(ctx, dst, src, progress)
	if err != nil {
		return n, failure.Wrap("download", err)
	}
	if n != info.Size() {
		return n, failure.New(failure.TransferChecksum, "download",
			fmt.Errorf("remote size %d, read %d", info.Size(), n))
	}
	return n, nil
}

func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, progress Progress) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if w < n {
				return total, io.ErrShortWrite
			}
			if progress != nil {
				progress(total)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
