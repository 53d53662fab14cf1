// Package bootstrap implements the Host Bootstrapper (C2):
// ensure_prerequisites probes a remote host for the software a
// deployment needs (shell basics, a container runtime, a compose
// tool) and installs whatever is missing via the host's native
// package manager.
//
// Grounded on the teacher's internal/selinux/detect.go probe style
// (read a well-known path first, fall back to running a detection
// command, never treat "not found" as fatal) and internal/env/probe.go
// (capturing command output and parsing version strings), adapted from
// local exec.Command calls to remote Session.Run calls.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/griffithind/dcx-deploy/internal/derrors"
)

// Runner is the subset of the Remote Session (C1) contract bootstrap
// needs: running a command and reading back its result.
type Runner interface {
	Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error)
}

// RunOptions mirrors sshsession.RunOptions without importing it, so
// bootstrap stays decoupled from the transport package (tests fake
// Runner directly).
type RunOptions struct {
	Env   map[string]string
	Stdin []byte
}

// PasswordPrompt reads a sudo password from the operator's local
// terminal, never the remote host. Called at most once per
// EnsurePrerequisites call, the first time "sudo -n" fails, and the
// result is reused for every subsequent "sudo -S" fallback in that
// same call.
type PasswordPrompt func() (string, error)

// RunResult mirrors sshsession.ExecResult.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// PackageManager identifies the host's native installer.
type PackageManager string

const (
	PkgApt     PackageManager = "apt"
	PkgDNF     PackageManager = "dnf"
	PkgAPK     PackageManager = "apk"
	PkgUnknown PackageManager = ""
)

// Probe describes one prerequisite check in the fixed order spec.md
// §4.2 requires: shell basics → runtime → container daemon → compose
// tool.
type Probe struct {
	Name    string
	Command string
	MinVer  string // empty means "presence is enough"
}

// probeOrder is fixed: each stage depends on the one before it being
// usable, so reordering them would probe a stage whose prerequisites
// were never checked.
func probeOrder(runtimeID, minVersion string) []Probe {
	return []Probe{
		{Name: "shell", Command: "/bin/sh -c true"},
		{Name: "runtime", Command: runtimeID + " --version", MinVer: minVersion},
		{Name: "container daemon", Command: runtimeID + " info"},
		{Name: "compose tool", Command: runtimeID + " compose version"},
	}
}

// PrerequisiteReport is the outcome of ensure_prerequisites: what was
// found present, what was installed, and what could not be
// provisioned.
type PrerequisiteReport struct {
	PackageManager PackageManager
	Satisfied      []string
	Installed      []string
	Failed         []string
}

// EnsurePrerequisites probes the host in fixed order and installs
// whatever is missing via the detected package manager. A probe that
// still fails after a fresh install is not retried: it is added to
// Failed and the call returns InstallVerificationError at once, without
// running the remaining probes. prompt supplies the sudo password if and when passwordless
// sudo turns out not to be available; it may be nil on a host known to
// have passwordless sudo configured, in which case a password prompt
// becomes a hard failure instead of a hang.
func EnsurePrerequisites(ctx context.Context, r Runner, runtimeID, minVersion string, prompt PasswordPrompt) (PrerequisiteReport, error) {
	report := PrerequisiteReport{}

	pm, err := detectPackageManager(ctx, r)
	if err != nil {
		return report, err
	}
	report.PackageManager = pm

	getPassword := cachedPassword(prompt)

	for _, probe := range probeOrder(runtimeID, minVersion) {
		ok, err := runProbe(ctx, r, probe)
		if err != nil {
			return report, err
		}
		if ok {
			report.Satisfied = append(report.Satisfied, probe.Name)
			continue
		}

		if err := installFor(ctx, r, pm, probe, runtimeID, getPassword); err != nil {
			report.Failed = append(report.Failed, probe.Name)
			return report, derrors.InstallVerificationError(probe.Name, err)
		}

		ok, err = runProbe(ctx, r, probe)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Failed = append(report.Failed, probe.Name)
			return report, derrors.InstallVerificationError(probe.Name, fmt.Errorf("still unavailable after install"))
		}
		report.Installed = append(report.Installed, probe.Name)
	}

	return report, nil
}

func runProbe(ctx context.Context, r Runner, probe Probe) (bool, error) {
	res, err := r.Run(ctx, probe.Command, RunOptions{})
	if err != nil {
		if derrors.Is(err, derrors.KindRemoteExecError) {
			return false, nil
		}
		return false, err
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	if probe.MinVer == "" {
		return true, nil
	}
	return versionAtLeast(string(res.Stdout), probe.MinVer), nil
}

// detectPackageManager reads /etc/os-release and falls back to
// checking for each candidate binary in turn, same shape as the
// teacher's selinux.GetMode (well-known file first, command probe
// fallback, "not found" is a normal outcome not an error).
func detectPackageManager(ctx context.Context, r Runner) (PackageManager, error) {
	res, err := r.Run(ctx, "cat /etc/os-release", RunOptions{})
	if err == nil && res.ExitCode == 0 {
		content := strings.ToLower(string(res.Stdout))
		switch {
		case strings.Contains(content, "id=debian") || strings.Contains(content, "id=ubuntu"):
			return PkgApt, nil
		case strings.Contains(content, "id=fedora") || strings.Contains(content, "id=rhel") || strings.Contains(content, "id=centos"):
			return PkgDNF, nil
		case strings.Contains(content, "id=alpine"):
			return PkgAPK, nil
		}
	}

	candidates := []struct {
		cmd string
		pm  PackageManager
	}{
		{"command -v apt-get", PkgApt},
		{"command -v dnf", PkgDNF},
		{"command -v apk", PkgAPK},
	}
	for _, c := range candidates {
		res, err := r.Run(ctx, c.cmd, RunOptions{})
		if err == nil && res.ExitCode == 0 {
			return c.pm, nil
		}
	}

	return PkgUnknown, derrors.UnsupportedHostError("unknown")
}

func installFor(ctx context.Context, r Runner, pm PackageManager, probe Probe, runtimeID string, getPassword func() ([]byte, error)) error {
	pkg := packageNameFor(probe.Name, runtimeID)
	if pkg == "" {
		return fmt.Errorf("no package mapping for %s", probe.Name)
	}

	var installCmd string
	switch pm {
	case PkgApt:
		installCmd = fmt.Sprintf("apt-get update && apt-get install -y %s", pkg)
	case PkgDNF:
		installCmd = fmt.Sprintf("dnf install -y %s", pkg)
	case PkgAPK:
		installCmd = fmt.Sprintf("apk add --no-cache %s", pkg)
	default:
		return derrors.UnsupportedHostError("unknown")
	}

	return runAsRoot(ctx, r, installCmd, getPassword)
}

func packageNameFor(probeName, runtimeID string) string {
	switch probeName {
	case "runtime", "container daemon":
		return runtimeID
	case "compose tool":
		return runtimeID + "-compose-plugin"
	default:
		return ""
	}
}

// runAsRoot tries passwordless sudo first, then falls back to reading
// the operator's password via getPassword and piping it into a single
// "sudo -S" invocation's stdin — spec.md §4.2's "sudo -n then sudo -S
// with TTY password read" sequence.
func runAsRoot(ctx context.Context, r Runner, cmd string, getPassword func() ([]byte, error)) error {
	res, err := r.Run(ctx, "sudo -n "+cmd, RunOptions{})
	if err == nil && res.ExitCode == 0 {
		return nil
	}

	password, err := getPassword()
	if err != nil {
		return err
	}

	res, err = r.Run(ctx, "sudo -S "+cmd, RunOptions{Stdin: password})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return derrors.NewRemoteExecError(cmd, res.ExitCode, string(res.Stderr))
	}
	return nil
}

// cachedPassword wraps prompt so it runs at most once regardless of
// how many installFor calls need sudo -S within one EnsurePrerequisites
// call; a nil prompt turns every password request into an explicit
// error instead of silently blocking on an unreadable terminal.
func cachedPassword(prompt PasswordPrompt) func() ([]byte, error) {
	var cached []byte
	return func() ([]byte, error) {
		if cached != nil {
			return cached, nil
		}
		if prompt == nil {
			return nil, derrors.New(derrors.KindConfigInvalid, "sudo password required but no password prompt was configured")
		}
		password, err := prompt()
		if err != nil {
			return nil, fmt.Errorf("read sudo password: %w", err)
		}
		cached = append([]byte(password), '\n')
		return cached, nil
	}
}

// versionAtLeast does a simple dotted-numeric-segment comparison,
// adapted from the teacher's internal/parse version-comparison
// helpers (major.minor.patch segment-by-segment, missing segments
// treated as zero).
func versionAtLeast(output, minVersion string) bool {
	got := extractVersion(output)
	if got == "" {
		return false
	}
	return compareVersions(got, minVersion) >= 0
}

func extractVersion(output string) string {
	fields := strings.Fields(output)
	for _, f := range fields {
		f = strings.TrimPrefix(f, "v")
		if len(f) > 0 && (f[0] >= '0' && f[0] <= '9') {
			return strings.TrimRight(f, ",")
		}
	}
	return ""
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = atoiSegment(as[i])
		}
		if i < len(bs) {
			bv = atoiSegment(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func atoiSegment(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
