package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/acolita/sshkit/internal/failure"
)

// TransferResult describes a finished file transfer.
type TransferResult struct {
	Op         string        `json:"op"`
	LocalPath  string        `json:"local_path"`
	RemotePath string        `json:"remote_path"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
}

// UploadFile copies localPath to remotePath over SFTP, keeping the local
// permission bits.
func (s *Session) UploadFile(ctx context.Context, localPath, remotePath string) (TransferResult, error) {
	return s.transfer(ctx, "upload", localPath, remotePath, func() (int64, error) {
		info, err := s.fs.Stat(localPath)
		if err != nil {
			return 0, err
		}
		if info.IsDir() {
			return 0, failure.New(failure.NotFound, "upload", fmt.Errorf("%s is a directory", localPath))
		}
		src, err := s.fs.OpenFile(localPath, os.O_RDONLY, 0)
		if err != nil {
			return 0, err
		}
		defer src.Close()

		client, err := s.transport.SFTP()
		if err != nil {
			return 0, err
		}
		return client.Upload(ctx, src, remotePath, info.Mode().Perm(), nil)
	})
}

// DownloadFile copies remotePath to localPath over SFTP. A partial local
// file is removed when the transfer fails.
func (s *Session) DownloadFile(ctx context.Context, remotePath, localPath string) (TransferResult, error) {
	return s.transfer(ctx, "download", localPath, remotePath, func() (int64, error) {
		client, err := s.transport.SFTP()
		if err != nil {
			return 0, err
		}
		dst, err := s.fs.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return 0, err
		}
		n, err := client.Download(ctx, remotePath, dst, nil)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			s.fs.Remove(localPath)
		}
		return n, err
	})
}

func (s *Session) transfer(ctx context.Context, op, localPath, remotePath string, run func() (int64, error)) (TransferResult, error) {
	s.mu.Lock()
	detail := fmt.Sprintf("%s %s", op, remotePath)
	if err := s.beginLocked(op, Status{State: StateTransferring, Detail: detail}); err != nil {
		s.mu.Unlock()
		return TransferResult{}, err
	}
	start := s.clock.Now()
	s.mu.Unlock()

	n, err := run()
	if err != nil {
		err = s.fail(op, transferCause(ctx, op, err))
	}

	result := TransferResult{
		Op:         op,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Bytes:      n,
		Duration:   s.clock.Now().Sub(start),
	}

	s.mu.Lock()
	if n > 0 {
		if op == "upload" {
			s.stats.BytesOut += uint64(n)
		} else {
			s.stats.BytesIn += uint64(n)
		}
	}
	s.finishLocked(err)
	s.mu.Unlock()

	if err != nil {
		slog.Warn("transfer failed",
			slog.String("session", s.id),
			slog.String("op", op),
			slog.String("remote_path", remotePath),
			slog.String("error", err.Error()),
		)
		return result, err
	}
	slog.Info("transfer complete",
		slog.String("session", s.id),
		slog.String("op", op),
		slog.String("remote_path", remotePath),
		slog.String("size", humanize.Bytes(uint64(n))),
		slog.Duration("elapsed", result.Duration),
	)
	return result, nil
}

// transferCause reports a cancelled transfer as Cancelled whatever error the
// interrupted copy produced.
func transferCause(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return failure.New(failure.Cancelled, op, ctx.Err())
	}
	return err
}
