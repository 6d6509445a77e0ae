package sftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/pkg/sftp"

	"github.com/acolita/sshkit/internal/failure"
)

type readWriteCloser struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (rwc *readWriteCloser) Close() error {
	for _, c := range rwc.closers {
		c.Close()
	}
	return nil
}

// newInMemoryClient serves sftp.InMemHandler over a pair of pipes.
func newInMemoryClient(t *testing.T) *Client {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	server := sftp.NewRequestServer(&readWriteCloser{
		Reader:  serverReader,
		Writer:  serverWriter,
		closers: []io.Closer{serverReader, serverWriter},
	}, sftp.InMemHandler())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve()
	}()

	sc, err := sftp.NewClientPipe(clientReader, clientWriter)
	if err != nil {
		server.Close()
		t.Fatalf("NewClientPipe: %v", err)
	}

	c := FromClient(sc)
	t.Cleanup(func() {
		server.Close()
		<-done
		c.Close()
	})
	return c
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	c := newInMemoryClient(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8)

	var progressCalls int
	n, err := c.Upload(context.Background(), bytes.NewReader(payload), "/srv/app/blob.bin", 0, func(int64) { progressCalls++ })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("Upload wrote %d bytes, want %d", n, len(payload))
	}
	if progressCalls < 2 {
		t.Errorf("progress called %d times, want one per chunk", progressCalls)
	}

	var out bytes.Buffer
	n, err = c.Download(context.Background(), "/srv/app/blob.bin", &out, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != int64(len(payload)) || !bytes.Equal(out.Bytes(), payload) {
		t.Error("downloaded bytes differ from upload")
	}
}

func TestDownload_Missing(t *testing.T) {
	c := newInMemoryClient(t)

	_, err := c.Download(context.Background(), "/nope", io.Discard, nil)
	if !errors.Is(err, failure.NotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestUpload_Cancelled(t *testing.T) {
	c := newInMemoryClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Upload(ctx, strings.NewReader("data"), "/tmp/x", 0, nil)
	if !errors.Is(err, failure.Cancelled) {
		t.Errorf("err = %v, want cancelled", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c := newInMemoryClient(t)
	if !c.IsConnected() {
		t.Fatal("client built from a session should report connected")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := c.Stat("/"); !errors.Is(err, ErrClosed) {
		t.Errorf("Stat after Close = %v", err)
	}
}

func TestNewClient_NilConnection(t *testing.T) {
	c := NewClient(nil)
	if _, err := c.Stat("/"); err == nil {
		t.Error("expected error without an SSH connection")
	}
}
