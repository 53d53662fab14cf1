package coordinator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/griffithind/dcx-deploy/internal/backup"
	"github.com/griffithind/dcx-deploy/internal/bootstrap"
	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/griffithind/dcx-deploy/internal/lifecycle"
	"github.com/griffithind/dcx-deploy/internal/sshsession"
	"github.com/griffithind/dcx-deploy/internal/vault"
	"github.com/griffithind/dcx-deploy/internal/version"
)

// rawSession is the shape of the C1 Remote Session the Coordinator
// depends on: exactly *sshsession.Session's method set, restated as an
// interface so tests can substitute an in-memory fake instead of
// dialing a real host.
type rawSession interface {
	Run(ctx context.Context, cmd string, opts sshsession.RunOptions) (sshsession.ExecResult, error)
	Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode, progress sshsession.ProgressFunc) error
	Download(ctx context.Context, remotePath string, progress sshsession.ProgressFunc) ([]byte, error)
	Exists(ctx context.Context, remotePath string) (bool, error)
	Close() error
}

// hostSession wraps one rawSession and exposes the narrower,
// package-local Session interfaces that vault, version, backup,
// lifecycle, and bootstrap each define for themselves. Each of those
// packages was deliberately written without importing sshsession (so
// their tests use plain in-memory fakes); the Coordinator is where the
// one real transport meets all five narrow contracts.
type hostSession struct {
	inner rawSession
}

// asNormalExit converts the RemoteExecError case sshsession.Run returns
// for a non-zero exit back into a populated, error-free result: several
// collaborators (version, bootstrap) treat "command exited non-zero" as
// a normal, inspectable outcome rather than a transport failure. Any
// other error (timeout, network) is a real failure and is returned
// as-is.
func asNormalExit(res sshsession.ExecResult, err error) (sshsession.ExecResult, error) {
	if err != nil && derrors.Is(err, derrors.KindRemoteExecError) {
		return res, nil
	}
	return res, err
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// --- vault.Session ---

func (h hostSession) Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	return h.inner.Upload(ctx, data, remotePath, mode, nil)
}

func (h hostSession) Download(ctx context.Context, remotePath string) ([]byte, error) {
	return h.inner.Download(ctx, remotePath, nil)
}

func (h hostSession) Exists(ctx context.Context, remotePath string) (bool, error) {
	return h.inner.Exists(ctx, remotePath)
}

// vaultSession narrows hostSession to exactly vault.Session (os.FileMode
// Upload); a distinct type is needed because version/backup/lifecycle
// want the same method name with a uint32 mode instead.
type vaultSession struct{ hostSession }

var _ vault.Session = vaultSession{}

// --- version.Session ---

type versionSession struct{ hostSession }

var _ version.Session = versionSession{}

func (h versionSession) Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error {
	return h.inner.Upload(ctx, data, remotePath, os.FileMode(mode), nil)
}

func (h versionSession) Run(ctx context.Context, cmd string) ([]byte, int, error) {
	res, err := asNormalExit(h.inner.Run(ctx, cmd, sshsession.RunOptions{}))
	if err != nil {
		return nil, 0, err
	}
	return res.Stdout, res.ExitCode, nil
}

// --- backup.Session ---

type backupSession struct{ hostSession }

var _ backup.Session = backupSession{}

func (h backupSession) Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error {
	return h.inner.Upload(ctx, data, remotePath, os.FileMode(mode), nil)
}

func (h backupSession) ListFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := asNormalExit(h.inner.Run(ctx, fmt.Sprintf("find %s -type f", shQuote(dir)), sshsession.RunOptions{}))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (h backupSession) RemoveDir(ctx context.Context, dir string) error {
	res, err := asNormalExit(h.inner.Run(ctx, fmt.Sprintf("rm -rf %s", shQuote(dir)), sshsession.RunOptions{}))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("remove %s: exit %d: %s", dir, res.ExitCode, res.Stderr)
	}
	return nil
}

// --- lifecycle.Session ---

type lifecycleSession struct{ hostSession }

var _ lifecycle.Session = lifecycleSession{}

func (h lifecycleSession) Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error {
	return h.inner.Upload(ctx, data, remotePath, os.FileMode(mode), nil)
}

func (h lifecycleSession) Run(ctx context.Context, cmd string) (lifecycle.ExecResult, error) {
	res, err := h.inner.Run(ctx, cmd, sshsession.RunOptions{})
	return lifecycle.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, err
}

// --- bootstrap.Runner ---

type bootstrapRunner struct{ inner rawSession }

var _ bootstrap.Runner = bootstrapRunner{}

func (r bootstrapRunner) Run(ctx context.Context, cmd string, opts bootstrap.RunOptions) (bootstrap.RunResult, error) {
	res, err := asNormalExit(r.inner.Run(ctx, cmd, sshsession.RunOptions{Env: opts.Env, Stdin: opts.Stdin}))
	if err != nil {
		return bootstrap.RunResult{}, err
	}
	return bootstrap.RunResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}
