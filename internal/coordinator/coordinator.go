// Package coordinator implements the Deployment Coordinator (C8): the
// top-level orchestrator composing the Remote Session (C1), Host
// Bootstrapper (C2), Recipe Renderer (C3), Secret Vault (C4), Version
// Store (C5), Backup Store (C6), and Container Lifecycle Manager (C7)
// into the six operations an external caller drives a deployment with.
//
// Grounded on the teacher's internal/pipeline (a fixed-order sequence
// of named stages, each able to fail and abort the rest) generalized
// from a devcontainer build pipeline to init/up/update/rollback/
// status/down, and internal/single's one-flight lock pattern,
// generalized from an in-process mutex to the remote mkdir-based lock
// in lock.go.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/griffithind/dcx-deploy/internal/backup"
	"github.com/griffithind/dcx-deploy/internal/bootstrap"
	"github.com/griffithind/dcx-deploy/internal/dconfig"
	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/griffithind/dcx-deploy/internal/lifecycle"
	"github.com/griffithind/dcx-deploy/internal/recipe"
	"github.com/griffithind/dcx-deploy/internal/secretsio"
	"github.com/griffithind/dcx-deploy/internal/sshsession"
	"github.com/griffithind/dcx-deploy/internal/vault"
	"github.com/griffithind/dcx-deploy/internal/version"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// DefaultStopGrace bounds how long stop/quiesce waits for a clean exit
// before the compose tool escalates, used for update's pre-flight
// backup. Down does not apply it.
const DefaultStopGrace = 10 * time.Second

const stateFormatVersion = 1

const stateInconsistent = "inconsistent"

// bundleUploadConcurrency bounds how many of a rendered bundle's files
// upload at once over the session's single multiplexed connection.
const bundleUploadConcurrency = 4

// networkRetryBackoff implements spec.md §4.1's "NetworkError is
// retried with exponential backoff (3 attempts, 1s/2s/4s)".
var networkRetryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Dialer opens the C1 Remote Session for one Coordinator operation.
// Abstracted from sshsession.Dial so tests can substitute an in-memory
// fake instead of a real network connection.
type Dialer func(ctx context.Context) (rawSession, error)

// NewSSHDialer builds a Dialer against a real host from cfg's
// connection fields, grounded on the teacher's ssh.NewClient
// construction in internal/ssh/client.go.
func NewSSHDialer(cfg *dconfig.DeploymentConfig, hostKeyCB ssh.HostKeyCallback) Dialer {
	return func(ctx context.Context) (rawSession, error) {
		authKind := sshsession.AuthKey
		if cfg.Auth.Kind == dconfig.AuthKindAgent {
			authKind = sshsession.AuthAgent
		}
		return sshsession.Dial(ctx, sshsession.Config{
			Host:         cfg.Host,
			Port:         cfg.PortOrDefault(),
			User:         cfg.User,
			AuthKind:     authKind,
			KeyPath:      cfg.Auth.Path,
			KnownHostsCB: hostKeyCB,
		})
	}
}

// Coordinator composes C1-C7 for one deployment. Not safe for
// concurrent use by multiple goroutines against the same instance; the
// deployment-scoped remote lock (lock.go) only serializes against
// other processes/hosts, not against a caller misusing one value from
// two goroutines at once.
type Coordinator struct {
	config   *dconfig.DeploymentConfig
	vault    *vault.Vault
	renderer *recipe.Renderer
	dial     Dialer

	startupTimeout time.Duration
	stopGrace      time.Duration

	layout lifecycle.Layout

	// sudoPrompt reads a sudo password from the operator's local
	// terminal when Init's bootstrap needs one; nil on a host already
	// known to have passwordless sudo configured.
	sudoPrompt bootstrap.PasswordPrompt

	// session is set for the duration of one run() call and cleared on
	// return; operations never retain it past their own scope.
	session hostSession
}

// New builds a Coordinator for one deployment. baseDir is the
// deployment's root directory on the host (spec.md §3's RemoteLayout
// root), typically "<home>/deployments/<deployment_id>".
func New(config *dconfig.DeploymentConfig, v *vault.Vault, renderer *recipe.Renderer, dial Dialer, baseDir string) *Coordinator {
	return &Coordinator{
		config:         config,
		vault:          v,
		renderer:       renderer,
		dial:           dial,
		startupTimeout: lifecycle.DefaultStartupTimeout,
		stopGrace:      DefaultStopGrace,
		layout:         lifecycle.Layout{BaseDir: baseDir, DeploymentID: config.DeploymentID},
	}
}

// SetSudoPrompt configures how Init reads a sudo password from the
// operator's terminal if a host turns out not to have passwordless
// sudo configured. Unset, a host that needs one fails Init outright
// instead of hanging on an unreadable prompt.
func (c *Coordinator) SetSudoPrompt(prompt bootstrap.PasswordPrompt) {
	c.sudoPrompt = prompt
}

// StateFile mirrors the on-host state.json document (spec.md §6).
// ContainerState is a plain string rather than lifecycle.State because
// it must also hold "inconsistent", a Coordinator-level value C7 never
// produces itself.
type StateFile struct {
	ActiveVersion  string     `json:"active_version"`
	LastBackup     *time.Time `json:"last_backup"`
	ContainerState string     `json:"container_state"`
	FormatVersion  int        `json:"format_version"`
}

func withNetworkRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !derrors.Is(err, derrors.KindNetworkError) || attempt >= len(networkRetryBackoff) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(networkRetryBackoff[attempt]):
		}
	}
}

// open dials a fresh Session for one operation and returns a closer.
func (c *Coordinator) open(ctx context.Context) (func(), error) {
	var raw rawSession
	err := withNetworkRetry(ctx, func() error {
		var dialErr error
		raw, dialErr = c.dial(ctx)
		return dialErr
	})
	if err != nil {
		return nil, err
	}
	c.session = hostSession{inner: raw}
	return func() {
		_ = raw.Close()
		c.session = hostSession{}
	}, nil
}

// run opens a Session, acquires the deployment lock, runs fn, and
// unwinds both regardless of fn's outcome — the shape every exported
// operation shares per spec.md §4.8's sequencing discipline. Any error
// is scrubbed of plaintext secret values before it reaches the caller,
// since a RemoteExecError's captured stderr can echo back whatever a
// failed build or entrypoint printed.
func (c *Coordinator) run(ctx context.Context, owner string, fn func(ctx context.Context) error) (err error) {
	defer func() { err = c.maskSecrets(err) }()

	closeSession, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeSession()

	if err := c.acquireLock(ctx, owner); err != nil {
		return err
	}
	defer func() { _ = c.releaseLock(ctx) }()

	return fn(ctx)
}

// secretValues decrypts every secret the config names, best-effort:
// a lookup failure just excludes that one from masking rather than
// failing the operation over a logging concern.
func (c *Coordinator) secretValues() []string {
	values := make([]string, 0, len(c.config.SecretsRequired))
	for _, name := range c.config.SecretsRequired {
		if v, err := c.vault.Get(name); err == nil && v != "" {
			values = append(values, v)
		}
	}
	return values
}

// maskSecrets scrubs plaintext secret values out of a DeployError's
// message, context, and (for a wrapped RemoteExecError) captured
// command/stderr text.
func (c *Coordinator) maskSecrets(err error) error {
	if err == nil {
		return nil
	}
	de, ok := derrors.As(err)
	if !ok {
		return err
	}
	values := c.secretValues()
	if len(values) == 0 {
		return err
	}

	de.Message = secretsio.Mask(de.Message, values)
	for k, v := range de.Context {
		de.Context[k] = secretsio.Mask(v, values)
	}
	if rex, ok := de.Unwrap().(*derrors.RemoteExecError); ok {
		rex.Command = secretsio.Mask(rex.Command, values)
		rex.Stderr = secretsio.Mask(rex.Stderr, values)
	}
	return de
}

func (c *Coordinator) versionStore() *version.Store {
	return version.New(versionSession{c.session}, c.layout.VersionsDir())
}

func (c *Coordinator) backupStore() *backup.Store {
	return backup.New(backupSession{c.session}, c.layout.BackupsDir())
}

func (c *Coordinator) lifecycleSession() lifecycleSession {
	return lifecycleSession{c.session}
}

func (c *Coordinator) lifecycleController() lifecycle.Controller {
	return lifecycle.Controller{Session: c.lifecycleSession(), Layout: c.layout}
}

// activeVersion resolves the VersionRecord for whatever current/
// actually names. version.Store's own "current" keyword means "most
// recently appended record", which diverges from the real active
// version after a rollback to an older one; this reads the lifecycle
// pointer first and resolves that specific id instead.
func (c *Coordinator) activeVersion(ctx context.Context) (version.Record, error) {
	versionID, err := lifecycle.CurrentVersion(ctx, c.lifecycleSession(), c.layout)
	if err != nil {
		return version.Record{}, err
	}
	if versionID == "" {
		return version.Record{}, derrors.NoPreviousVersion()
	}
	return c.versionStore().Resolve(ctx, versionID)
}

func (c *Coordinator) remoteDataDirs() []string {
	dirs := make([]string, len(c.config.DataDirs))
	for i, d := range c.config.DataDirs {
		dirs[i] = path.Join(c.layout.BaseDir, d)
	}
	return dirs
}

func (c *Coordinator) loadState(ctx context.Context) (StateFile, error) {
	exists, err := c.session.Exists(ctx, c.layout.StateFilePath())
	if err != nil {
		return StateFile{}, err
	}
	if !exists {
		return StateFile{FormatVersion: stateFormatVersion}, nil
	}
	data, err := c.session.Download(ctx, c.layout.StateFilePath())
	if err != nil {
		return StateFile{}, err
	}
	var sf StateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return StateFile{}, fmt.Errorf("parse state.json: %w", err)
	}
	if sf.FormatVersion != stateFormatVersion {
		return StateFile{}, derrors.DeploymentInconsistent(c.config.DeploymentID,
			fmt.Errorf("unknown state.json format_version %d", sf.FormatVersion))
	}
	return sf, nil
}

func (c *Coordinator) saveState(ctx context.Context, sf StateFile) error {
	sf.FormatVersion = stateFormatVersion
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state.json: %w", err)
	}
	data = append(data, '\n')
	return c.session.Upload(ctx, data, c.layout.StateFilePath(), 0o644)
}

// verifyLayoutOwnership enforces spec.md §3's invariant: a Coordinator
// refuses to operate on a host where the deployment directory exists
// but its stored marker names a different deployment_id. First call
// for a fresh directory plants the marker.
func (c *Coordinator) verifyLayoutOwnership(ctx context.Context) error {
	markerPath := path.Join(c.layout.BaseDir, ".deployment_id")
	exists, err := c.session.Exists(ctx, markerPath)
	if err != nil {
		return err
	}
	if !exists {
		return c.session.Upload(ctx, []byte(c.config.DeploymentID), markerPath, 0o644)
	}
	data, err := c.session.Download(ctx, markerPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) != c.config.DeploymentID {
		return derrors.Newf(derrors.KindConfigInvalid,
			"deployment directory %s is already bound to a different deployment_id", c.layout.BaseDir)
	}
	return nil
}

// deployVersion renders, uploads, builds, and records a new version,
// and mirrors the current secrets onto the host. It does not start or
// swap the container: Up binds current/ and cold-starts it; Update
// swaps to it. Grounded on the teacher's pipeline stage shape — each
// step runs strictly after the previous one succeeds.
func (c *Coordinator) deployVersion(ctx context.Context) (version.Record, error) {
	versionID := version.NewID()

	bundle, err := c.renderer.Render(c.config, versionID)
	if err != nil {
		return version.Record{}, err
	}
	configHash, err := dconfig.ComputeHash(c.config)
	if err != nil {
		return version.Record{}, err
	}

	versionDir := c.layout.VersionDir(versionID)
	files := []struct{ name, content string }{
		{"Dockerfile", bundle.Dockerfile},
		{"compose.yaml", bundle.Compose},
		{"entrypoint.sh", bundle.Entrypoint},
		{"Makefile", bundle.Makefile},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bundleUploadConcurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := c.session.Upload(gctx, []byte(f.content), path.Join(versionDir, f.name), 0o644); err != nil {
				return fmt.Errorf("upload %s: %w", f.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return version.Record{}, err
	}

	digest, err := lifecycle.Build(ctx, c.lifecycleSession(), c.layout, versionID)
	if err != nil {
		return version.Record{}, err
	}

	if err := c.materializeSecrets(ctx); err != nil {
		return version.Record{}, err
	}

	rec, err := c.versionStore().Record(ctx, versionID, digest, configHash, "")
	if err != nil {
		return version.Record{}, err
	}

	if err := c.versionStore().ApplyRetention(ctx, version.Retention(c.config.Retention)); err != nil {
		return version.Record{}, err
	}

	return rec, nil
}

// materializeSecrets writes the plaintext env file the container reads
// and mirrors the vault's ciphertext alongside it, so the Backup Store
// has something to archive without ever decrypting on the host.
func (c *Coordinator) materializeSecrets(ctx context.Context) error {
	if err := c.vault.Materialize(ctx, vaultSession{c.session}, c.layout.SecretsEnvPath(), c.config.SecretsRequired); err != nil {
		return err
	}
	ciphertext, err := c.vault.ExportCiphertext()
	if err != nil {
		return fmt.Errorf("export vault ciphertext: %w", err)
	}
	if ciphertext == nil {
		return nil
	}
	return c.session.Upload(ctx, ciphertext, c.layout.VaultFilePath(), 0o600)
}

// Init opens a session, ensures prerequisites, and plants the
// RemoteLayout's invariant markers. It never builds or starts
// anything. Idempotent: a second call against an already-initialized
// directory performs only the bootstrap probes.
func (c *Coordinator) Init(ctx context.Context) error {
	return c.run(ctx, "init", func(ctx context.Context) error {
		if !dconfig.ValidDeploymentID(c.config.DeploymentID) {
			return derrors.New(derrors.KindConfigInvalid, "invalid deployment_id")
		}
		if err := c.verifyLayoutOwnership(ctx); err != nil {
			return err
		}
		if _, err := bootstrap.EnsurePrerequisites(ctx, bootstrapRunner{c.session.inner}, c.config.Runtime.ID, c.config.Runtime.MinVersion, c.sudoPrompt); err != nil {
			return err
		}

		exists, err := c.session.Exists(ctx, c.layout.StateFilePath())
		if err != nil {
			return err
		}
		if exists {
			state, err := c.loadState(ctx)
			if err != nil {
				return err
			}
			if state.ContainerState == stateInconsistent {
				return derrors.DeploymentInconsistent(c.config.DeploymentID, fmt.Errorf("state.json marked inconsistent; run status and recover explicitly"))
			}
			return nil
		}
		return c.saveState(ctx, StateFile{ContainerState: string(lifecycle.StateAbsent)})
	})
}

// Up renders, builds, and cold-starts a version bound to current/. If
// the active version already matches config_hash and the container is
// already running, it is a no-op (spec.md §8 property 9). On failure
// after the VersionRecord has been written, the record is kept for
// forensics and current/ is reverted to whatever it named before this
// call (or left unset, if nothing was current yet).
func (c *Coordinator) Up(ctx context.Context) error {
	return c.run(ctx, "up", func(ctx context.Context) error {
		configHash, err := dconfig.ComputeHash(c.config)
		if err != nil {
			return err
		}

		if rec, resolveErr := c.activeVersion(ctx); resolveErr == nil && rec.ConfigHash == configHash {
			if status, statusErr := lifecycle.Status(ctx, c.lifecycleSession(), c.layout); statusErr == nil && status.State == lifecycle.StateRunning {
				return nil
			}
		}

		prevVersionID, err := lifecycle.CurrentVersion(ctx, c.lifecycleSession(), c.layout)
		if err != nil {
			return err
		}

		rec, err := c.deployVersion(ctx)
		if err != nil {
			return err
		}

		if err := lifecycle.SetCurrentVersion(ctx, c.lifecycleSession(), c.layout, rec.ID); err != nil {
			return err
		}

		if err := lifecycle.Up(ctx, c.lifecycleSession(), c.layout, c.startupTimeout); err != nil {
			if prevVersionID != "" {
				_ = lifecycle.SetCurrentVersion(ctx, c.lifecycleSession(), c.layout, prevVersionID)
			} else {
				_ = backupSession{c.session}.RemoveDir(ctx, c.layout.CurrentPointerPath())
			}
			return err
		}

		return c.saveState(ctx, StateFile{ActiveVersion: rec.ID, ContainerState: string(lifecycle.StateRunning)})
	})
}

// Update takes a pre-update backup of the currently active version,
// then renders and builds a new version and swaps to it. On startup failure of
// the new version, swap has already reverted current/ to the previous
// version internally; Update confirms that, persists the recovered
// state, and surfaces both the original failure and the auto-rollback
// outcome via the returned error's "auto_rollback" context.
func (c *Coordinator) Update(ctx context.Context) error {
	return c.run(ctx, "update", func(ctx context.Context) error {
		prevRec, err := c.activeVersion(ctx)
		if err != nil {
			return err
		}

		backupRec, err := c.backupStore().Create(ctx, c.lifecycleController(), c.stopGrace, backup.CreateInputs{
			VersionDir:      c.layout.VersionDir(prevRec.ID),
			StateFile:       c.layout.StateFilePath(),
			VaultFile:       c.layout.VaultFilePath(),
			DataDirs:        c.remoteDataDirs(),
			SourceVersionID: prevRec.ID,
		}, false, false)
		if err != nil {
			return err
		}
		lastBackup := backupRec.Timestamp

		if err := c.backupStore().ApplyRetention(ctx, backup.Retention(c.config.Retention)); err != nil {
			return err
		}

		newRec, err := c.deployVersion(ctx)
		if err != nil {
			return err
		}

		swapErr := lifecycle.Swap(ctx, c.lifecycleSession(), c.layout, newRec.ID, c.startupTimeout)
		if swapErr == nil {
			return c.saveState(ctx, StateFile{ActiveVersion: newRec.ID, LastBackup: &lastBackup, ContainerState: string(lifecycle.StateRunning)})
		}

		stateErr := c.saveState(ctx, StateFile{ActiveVersion: prevRec.ID, LastBackup: &lastBackup, ContainerState: string(lifecycle.StateRunning)})
		if de, ok := derrors.As(swapErr); ok {
			if stateErr != nil {
				de.WithContext("auto_rollback", "failed")
			} else {
				de.WithContext("auto_rollback", "succeeded")
			}
		}
		if stateErr != nil {
			return fmt.Errorf("update failed (%w) and state recovery also failed: %v", swapErr, stateErr)
		}
		return swapErr
	})
}

// Rollback resolves ref (default "previous") via the Version Store and
// swaps to it.
func (c *Coordinator) Rollback(ctx context.Context, ref string) error {
	if ref == "" {
		ref = "previous"
	}
	return c.run(ctx, "rollback", func(ctx context.Context) error {
		target, err := c.versionStore().Resolve(ctx, ref)
		if err != nil {
			return err
		}
		if err := lifecycle.Swap(ctx, c.lifecycleSession(), c.layout, target.ID, c.startupTimeout); err != nil {
			return err
		}
		return c.saveState(ctx, StateFile{ActiveVersion: target.ID, ContainerState: string(lifecycle.StateRunning)})
	})
}

// StatusReport combines C7's observed container status with the active
// VersionRecord and the most recent BackupRecord (spec.md §4.8).
type StatusReport struct {
	Container  lifecycle.StatusReport
	Active     *version.Record
	LastBackup *backup.Record
}

// Status reports the combined view of the deployment.
func (c *Coordinator) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	err := c.run(ctx, "status", func(ctx context.Context) error {
		containerStatus, err := lifecycle.Status(ctx, c.lifecycleSession(), c.layout)
		if err != nil {
			return err
		}
		report.Container = containerStatus

		if rec, resolveErr := c.activeVersion(ctx); resolveErr == nil {
			r := rec
			report.Active = &r
		}
		if backups, listErr := c.backupStore().List(ctx); listErr == nil && len(backups) > 0 {
			b := backups[0]
			report.LastBackup = &b
		}
		return nil
	})
	return report, err
}

// Down stops the container and clears current/. If removeData is true,
// the entire RemoteLayout is removed, including backups/ and the
// configured data directories; the local vault is never touched (it is
// the workstation's concern per spec.md §4.4).
func (c *Coordinator) Down(ctx context.Context, removeData bool) error {
	return c.run(ctx, "down", func(ctx context.Context) error {
		if err := lifecycle.Down(ctx, c.lifecycleSession(), c.layout); err != nil {
			return err
		}

		remover := backupSession{c.session}
		if err := remover.RemoveDir(ctx, c.layout.CurrentPointerPath()); err != nil {
			return err
		}

		if !removeData {
			return c.saveState(ctx, StateFile{ContainerState: string(lifecycle.StateAbsent)})
		}

		paths := append([]string{
			c.layout.VersionsDir(),
			c.layout.BackupsDir(),
			c.layout.SecretsEnvPath(),
			c.layout.VaultFilePath(),
			c.layout.StateFilePath(),
		}, c.remoteDataDirs()...)
		for _, p := range paths {
			if err := remover.RemoveDir(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}
