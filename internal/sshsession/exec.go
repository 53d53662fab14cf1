package sshsession

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/griffithind/dcx-deploy/internal/derrors"
	"golang.org/x/crypto/ssh"
)

// RunOptions configures a single run() call.
type RunOptions struct {
	Stdin   []byte
	Env     map[string]string
	Timeout time.Duration // zero means DefaultRunTimeout
}

// Run executes cmd on the host and waits for completion or timeout,
// mirroring the teacher's Client.Exec exit-code extraction but over a
// real network session instead of a docker-exec stdio pipe.
func (s *Session) Run(ctx context.Context, cmd string, opts RunOptions) (ExecResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultRunTimeout
	}

	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, derrors.Wrap(err, derrors.KindNetworkError, "open ssh session")
	}
	defer func() { _ = session.Close() }()

	for name, value := range opts.Env {
		_ = session.Setenv(name, value) // best-effort: not every sshd accepts SetEnv
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Stdin != nil {
		session.Stdin = bytes.NewReader(opts.Stdin)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{}, derrors.New(derrors.KindNetworkError, fmt.Sprintf("command timed out after %s", timeout))

	case runErr := <-done:
		result := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if runErr == nil {
			result.ExitCode = 0
			return result, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, derrors.NewRemoteExecError(cmd, result.ExitCode, string(result.Stderr))
		}
		return ExecResult{}, derrors.Wrap(runErr, derrors.KindNetworkError, "run command")
	}
}
