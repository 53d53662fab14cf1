package bootstrap

import (
	"context"
	"strings"
	"testing"

	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner simulates a host by matching command prefixes to canned
// results, tracking how many times each command ran.
type fakeRunner struct {
	responses map[string]RunResult
	calls     []string
}

func (f *fakeRunner) Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
	f.calls = append(f.calls, cmd)
	for prefix, res := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			if res.ExitCode != 0 {
				return res, derrors.NewRemoteExecError(cmd, res.ExitCode, string(res.Stderr))
			}
			return res, nil
		}
	}
	return RunResult{ExitCode: 127}, derrors.NewRemoteExecError(cmd, 127, "command not found")
}

func TestEnsurePrerequisitesAllSatisfied(t *testing.T) {
	r := &fakeRunner{responses: map[string]RunResult{
		"cat /etc/os-release": {ExitCode: 0, Stdout: []byte(`ID=ubuntu`)},
		"/bin/sh -c true":     {ExitCode: 0},
		"docker --version":    {ExitCode: 0, Stdout: []byte("Docker version 24.0.5, build abc")},
		"docker info":         {ExitCode: 0},
		"docker compose version": {ExitCode: 0, Stdout: []byte("Docker Compose version v2.20.0")},
	}}

	report, err := EnsurePrerequisites(context.Background(), r, "docker", "20.10", nil)
	require.NoError(t, err)
	assert.Equal(t, PkgApt, report.PackageManager)
	assert.ElementsMatch(t, []string{"shell", "runtime", "container daemon", "compose tool"}, report.Satisfied)
	assert.Empty(t, report.Installed)
	assert.Empty(t, report.Failed)
}

func TestEnsurePrerequisitesInstallsMissingRuntime(t *testing.T) {
	installed := false
	r := &fakeRunner{responses: map[string]RunResult{
		"cat /etc/os-release":    {ExitCode: 0, Stdout: []byte(`ID=ubuntu`)},
		"/bin/sh -c true":        {ExitCode: 0},
		"docker info":            {ExitCode: 0},
		"docker compose version": {ExitCode: 0, Stdout: []byte("Docker Compose version v2.20.0")},
	}}
	r.responses["docker --version"] = RunResult{ExitCode: 127}

	callCount := 0
	wrapped := runnerFunc(func(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
		if strings.HasPrefix(cmd, "docker --version") {
			callCount++
			if callCount == 1 {
				return RunResult{ExitCode: 127}, derrors.NewRemoteExecError(cmd, 127, "not found")
			}
			installed = true
			return RunResult{ExitCode: 0, Stdout: []byte("Docker version 24.0.5, build abc")}, nil
		}
		if strings.HasPrefix(cmd, "sudo -n apt-get") {
			return RunResult{ExitCode: 0}, nil
		}
		return r.Run(ctx, cmd, opts)
	})

	report, err := EnsurePrerequisites(context.Background(), wrapped, "docker", "20.10", nil)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Contains(t, report.Installed, "runtime")
}

// TestEnsurePrerequisitesFallsBackToPasswordPrompt covers the host
// without passwordless sudo configured: sudo -n must fail, the prompt
// must fire exactly once, and its password must reach sudo -S as
// stdin rather than being dropped on the floor.
func TestEnsurePrerequisitesFallsBackToPasswordPrompt(t *testing.T) {
	installed := false
	promptCalls := 0
	prompt := func() (string, error) {
		promptCalls++
		return "hunter2", nil
	}

	r := &fakeRunner{responses: map[string]RunResult{
		"cat /etc/os-release":    {ExitCode: 0, Stdout: []byte(`ID=ubuntu`)},
		"/bin/sh -c true":        {ExitCode: 0},
		"docker info":            {ExitCode: 0},
		"docker compose version": {ExitCode: 0, Stdout: []byte("Docker Compose version v2.20.0")},
	}}
	r.responses["docker --version"] = RunResult{ExitCode: 127}

	versionCalls := 0
	wrapped := runnerFunc(func(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
		switch {
		case strings.HasPrefix(cmd, "docker --version"):
			versionCalls++
			if versionCalls == 1 {
				return RunResult{ExitCode: 127}, derrors.NewRemoteExecError(cmd, 127, "not found")
			}
			installed = true
			return RunResult{ExitCode: 0, Stdout: []byte("Docker version 24.0.5, build abc")}, nil
		case strings.HasPrefix(cmd, "sudo -n "):
			return RunResult{ExitCode: 1}, derrors.NewRemoteExecError(cmd, 1, "sudo: a password is required")
		case strings.HasPrefix(cmd, "sudo -S "):
			if string(opts.Stdin) != "hunter2\n" {
				return RunResult{ExitCode: 1}, derrors.NewRemoteExecError(cmd, 1, "Sorry, try again")
			}
			return RunResult{ExitCode: 0}, nil
		default:
			return r.Run(ctx, cmd, opts)
		}
	})

	report, err := EnsurePrerequisites(context.Background(), wrapped, "docker", "20.10", prompt)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Contains(t, report.Installed, "runtime")
	assert.Equal(t, 1, promptCalls)
}

func TestEnsurePrerequisitesFailsWithoutPromptWhenSudoNeedsPassword(t *testing.T) {
	r := &fakeRunner{responses: map[string]RunResult{
		"cat /etc/os-release": {ExitCode: 0, Stdout: []byte(`ID=ubuntu`)},
		"/bin/sh -c true":     {ExitCode: 0},
		"docker info":         {ExitCode: 0},
	}}
	r.responses["docker --version"] = RunResult{ExitCode: 127}

	wrapped := runnerFunc(func(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
		if strings.HasPrefix(cmd, "sudo -n ") {
			return RunResult{ExitCode: 1}, derrors.NewRemoteExecError(cmd, 1, "sudo: a password is required")
		}
		return r.Run(ctx, cmd, opts)
	})

	_, err := EnsurePrerequisites(context.Background(), wrapped, "docker", "20.10", nil)
	require.Error(t, err)
}

type runnerFunc func(ctx context.Context, cmd string, opts RunOptions) (RunResult, error)

func (f runnerFunc) Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
	return f(ctx, cmd, opts)
}

func TestEnsurePrerequisitesFailsOnUnrecognizedDistro(t *testing.T) {
	r := &fakeRunner{responses: map[string]RunResult{
		"cat /etc/os-release": {ExitCode: 1},
	}}

	_, err := EnsurePrerequisites(context.Background(), r, "docker", "20.10", nil)
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindUnsupportedHostError))
}

func TestVersionAtLeast(t *testing.T) {
	assert.True(t, versionAtLeast("Docker version 24.0.5, build abc", "20.10"))
	assert.False(t, versionAtLeast("Docker version 19.3.0, build abc", "20.10"))
	assert.True(t, versionAtLeast("Docker version 20.10.0, build abc", "20.10"))
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "24.0.5", extractVersion("Docker version 24.0.5, build abc"))
	assert.Equal(t, "2.20.0", extractVersion("Docker Compose version v2.20.0"))
}
