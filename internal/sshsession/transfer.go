package sshsession

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/griffithind/dcx-deploy/internal/derrors"
)

// ProgressFunc is invoked after each chunk during Upload/Download with
// the cumulative byte count transferred so far.
type ProgressFunc func(bytesSoFar int64)

// progressWriter wraps an io.Writer and reports cumulative bytes
// written, modeled on the teacher's internal/proxy copy relay style
// (plain io.Copy over a wrapped stream) generalized with a hook since
// upload/download have no timeout and must report progress instead.
type progressWriter struct {
	io.Writer
	total int64
	fn    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.Writer.Write(b)
	p.total += int64(n)
	if p.fn != nil {
		p.fn(p.total)
	}
	return n, err
}

// Upload writes data to remotePath on the host with the given file
// mode, streaming in chunks via SFTP. upload/download have no timeout
// per spec.md §4.1; callers needing a deadline should cancel ctx.
func (s *Session) Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode, progress ProgressFunc) error {
	f, err := s.sftp.Create(remotePath)
	if err != nil {
		return derrors.Wrap(err, derrors.KindNetworkError, "create remote file")
	}
	defer func() { _ = f.Close() }()

	pw := &progressWriter{Writer: f, fn: progress}
	if _, err := io.Copy(pw, bytes.NewReader(data)); err != nil {
		return derrors.Wrap(err, derrors.KindNetworkError, "upload file")
	}

	if err := s.sftp.Chmod(remotePath, mode); err != nil {
		return derrors.Wrap(err, derrors.KindNetworkError, "set remote file mode")
	}
	return withCancellation(ctx)
}

// Download reads remotePath from the host and returns its full
// contents, streaming in chunks via SFTP.
func (s *Session) Download(ctx context.Context, remotePath string, progress ProgressFunc) ([]byte, error) {
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindNetworkError, "open remote file")
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	pw := &progressWriter{Writer: &buf, fn: progress}
	if _, err := io.Copy(pw, f); err != nil {
		return nil, derrors.Wrap(err, derrors.KindNetworkError, "download file")
	}
	if err := withCancellation(ctx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Exists reports whether remotePath exists on the host.
func (s *Session) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := withCancellation(ctx); err != nil {
		return false, err
	}
	_, err := s.sftp.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, derrors.Wrap(err, derrors.KindNetworkError, "stat remote path")
}

func withCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return derrors.Wrap(ctx.Err(), derrors.KindNetworkError, "transfer canceled")
	default:
		return nil
	}
}
