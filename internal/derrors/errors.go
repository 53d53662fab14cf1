// Package derrors provides the tagged error taxonomy used across dcx-deploy.
// Errors are flat, typed values rather than a hierarchy: each carries a
// Kind that callers can switch on, an optional cause, and enough context
// to be useful without re-parsing the message string.
package derrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the closed set of error kinds named by the
// deployment orchestrator's error taxonomy.
type Kind string

const (
	KindConfigInvalid            Kind = "ConfigInvalid"
	KindAuthError                Kind = "AuthError"
	KindNetworkError              Kind = "NetworkError"
	KindRemoteExecError           Kind = "RemoteExecError"
	KindUnsupportedHostError      Kind = "UnsupportedHostError"
	KindInstallVerificationError  Kind = "InstallVerificationError"
	KindBuildFailed               Kind = "BuildFailed"
	KindStartupTimeout            Kind = "StartupTimeout"
	KindBackupNotQuiesced         Kind = "BackupNotQuiesced"
	KindNoPreviousVersion         Kind = "NoPreviousVersion"
	KindSecretMissing             Kind = "SecretMissing"
	KindSecretCorrupt             Kind = "SecretCorrupt"
	KindDeploymentBusy            Kind = "DeploymentBusy"
	KindDeploymentInconsistent    Kind = "DeploymentInconsistent"
)

// DeployError is the concrete error type for every failure surface the
// core exposes. It deliberately has no subtype hierarchy: Kind is the
// only thing callers should branch on.
type DeployError struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]string

	// ExitCode within the context of the generic exit-code mapping that
	// the Coordinator (and only the Coordinator) performs. Zero means
	// "use the default mapping for Kind" (see ExitCode).
	ExitCode int
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *DeployError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a context key/value pair and returns the receiver
// for chaining.
func (e *DeployError) WithContext(key, value string) *DeployError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// New creates a DeployError with no cause.
func New(kind Kind, message string) *DeployError {
	return &DeployError{Kind: kind, Message: message}
}

// Newf creates a DeployError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *DeployError {
	return &DeployError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new DeployError.
func Wrap(cause error, kind Kind, message string) *DeployError {
	return &DeployError{Kind: kind, Message: message, Cause: cause}
}

// Wrapf attaches a cause to a new DeployError with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...interface{}) *DeployError {
	return &DeployError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *DeployError with the given Kind.
func Is(err error, kind Kind) bool {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// GetKind returns the Kind of err if it is a *DeployError, else "".
func GetKind(err error) Kind {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// As attempts to extract a *DeployError from err.
func As(err error) (*DeployError, bool) {
	var de *DeployError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// RemoteExecError carries the structured data spec.md §4.1 requires for
// non-zero remote command exits: exit code and captured stderr.
type RemoteExecError struct {
	ExitCode int
	Stderr   string
	Command  string
}

// NewRemoteExecError builds a *DeployError wrapping a RemoteExecError.
func NewRemoteExecError(command string, exitCode int, stderr string) *DeployError {
	return Wrap(&RemoteExecError{ExitCode: exitCode, Stderr: stderr, Command: command},
		KindRemoteExecError,
		fmt.Sprintf("command exited with status %d", exitCode),
	).WithContext("command", command)
}

func (e *RemoteExecError) Error() string {
	return fmt.Sprintf("remote command %q exited %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// BuildFailed wraps a failed image build, keeping only the tail of the
// build's stderr output (the Coordinator chooses the tail length).
func BuildFailed(stderrTail string, cause error) *DeployError {
	return Wrap(cause, KindBuildFailed, "image build failed").WithContext("stderr_tail", stderrTail)
}

// StartupTimeout records the deadline-exceeded case for C7 Up/Swap, plus
// whether an auto-rollback (performed by the Coordinator's update flow)
// succeeded.
func StartupTimeout(deadline string, autoRollbackSucceeded *bool) *DeployError {
	e := Newf(KindStartupTimeout, "container did not become healthy within %s", deadline)
	if autoRollbackSucceeded != nil {
		if *autoRollbackSucceeded {
			e.WithContext("auto_rollback", "succeeded")
		} else {
			e.WithContext("auto_rollback", "failed")
		}
	}
	return e
}

// NoPreviousVersion is returned by the Version Store resolver when a
// "previous" reference cannot be satisfied.
func NoPreviousVersion() *DeployError {
	return New(KindNoPreviousVersion, "no previous version exists to roll back to")
}

// SecretMissing is returned when a required secret is absent from the vault.
func SecretMissing(name string) *DeployError {
	return Newf(KindSecretMissing, "secret %q is not set in the vault", name).WithContext("name", name)
}

// SecretCorrupt is returned when authenticated decryption fails.
func SecretCorrupt(name string, cause error) *DeployError {
	return Wrapf(cause, KindSecretCorrupt, "secret %q failed integrity verification", name).WithContext("name", name)
}

// DeploymentBusy is returned when the deployment-scoped lock could not be
// acquired.
func DeploymentBusy(deploymentID string) *DeployError {
	return Newf(KindDeploymentBusy, "deployment %q is busy with another operation", deploymentID).
		WithContext("deployment_id", deploymentID)
}

// DeploymentInconsistent is returned when an operation could not unwind
// cleanly within its cancellation grace period.
func DeploymentInconsistent(deploymentID string, cause error) *DeployError {
	return Wrapf(cause, KindDeploymentInconsistent,
		"deployment %q is in an inconsistent state and requires explicit recovery", deploymentID).
		WithContext("deployment_id", deploymentID)
}

// UnsupportedHostError is returned by the Bootstrapper when the host's
// distribution cannot be matched to a known package manager.
func UnsupportedHostError(distroID string) *DeployError {
	return Newf(KindUnsupportedHostError, "unsupported host distribution %q", distroID).
		WithContext("distro_id", distroID).
		WithContext("hint", "install prerequisites manually: a container runtime and compose-style tool")
}

// InstallVerificationError is returned when a post-install re-probe still
// fails.
func InstallVerificationError(dependency string, cause error) *DeployError {
	return Wrapf(cause, KindInstallVerificationError, "installation of %q could not be verified", dependency).
		WithContext("dependency", dependency)
}

// BackupNotQuiesced is returned when the container fails to stop within
// the configured grace period before an archive is taken.
func BackupNotQuiesced(grace string) *DeployError {
	return Newf(KindBackupNotQuiesced, "container did not quiesce within %s", grace).WithContext("grace", grace)
}
