package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/griffithind/dcx-deploy/internal/backup"
	"github.com/griffithind/dcx-deploy/internal/dconfig"
	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/griffithind/dcx-deploy/internal/lifecycle"
	"github.com/griffithind/dcx-deploy/internal/recipe"
	"github.com/griffithind/dcx-deploy/internal/sshsession"
	"github.com/griffithind/dcx-deploy/internal/vault"
	"github.com/griffithind/dcx-deploy/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is an in-memory stand-in for one deployment host, good
// enough to exercise every Coordinator operation without a real SSH
// connection. Compose commands are recognized the same way
// lifecycle_test.go's fakeComposeSession recognizes them; bootstrap
// probes, lock mkdir/rmdir, and the backup/version store's find/ls/rm
// commands are recognized by their fixed shapes from adapters.go and
// lock.go.
type fakeHost struct {
	// mu guards every field below: deployVersion uploads a rendered
	// bundle's files concurrently over one session, so the fake must
	// tolerate the same concurrent access a real multiplexed sftp
	// client would.
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	composeRunning map[string]bool
	composeHealthy map[string]bool
	composeDigest  map[string]string
	composeFails   map[string]bool

	// blockNewHealth, when set, makes every "up" against a compose file
	// other than keepHealthyFile stay unhealthy — used to force a
	// startup timeout on a freshly deployed version while leaving the
	// already-running prior version's own quiesce/resume cycle (backup
	// stops and restarts it before the swap) unaffected.
	blockNewHealth bool
	keepHealthyFile string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		files:          map[string][]byte{},
		dirs:           map[string]bool{},
		composeRunning: map[string]bool{},
		composeHealthy: map[string]bool{},
		composeDigest:  map[string]string{},
		composeFails:   map[string]bool{},
	}
}

func unquoteFirstArg(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "'") {
		if end := strings.Index(s[1:], "'"); end >= 0 {
			return s[1 : 1+end]
		}
	}
	return s
}

func composeVerb(cmd string) string {
	for _, v := range []string{"build", "images", "up", "ps", "stop", "down", "logs"} {
		if strings.Contains(cmd, "'"+v+"'") {
			return v
		}
	}
	return ""
}

func composeFileArg(cmd string) string {
	parts := strings.SplitN(cmd, "-f '", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.SplitN(parts[1], "'", 2)[0]
}

func (f *fakeHost) removeAll(prefix string) {
	for p := range f.files {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			delete(f.files, p)
		}
	}
	for d := range f.dirs {
		if d == prefix || strings.HasPrefix(d, prefix+"/") {
			delete(f.dirs, d)
		}
	}
}

func (f *fakeHost) listImmediateChildren(dir string) []string {
	seen := map[string]bool{}
	for p := range f.files {
		rel := strings.TrimPrefix(p, dir+"/")
		if rel == p {
			continue
		}
		seen[strings.SplitN(rel, "/", 2)[0]] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func (f *fakeHost) Run(_ context.Context, cmd string, _ sshsession.RunOptions) (sshsession.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "mkdir "):
		dir := unquoteFirstArg(cmd[len("mkdir "):])
		if f.dirs[dir] {
			return sshsession.ExecResult{ExitCode: 1, Stderr: []byte("File exists")},
				derrors.NewRemoteExecError(cmd, 1, "File exists")
		}
		f.dirs[dir] = true
		return sshsession.ExecResult{}, nil

	case strings.HasPrefix(cmd, "rmdir "):
		delete(f.dirs, unquoteFirstArg(cmd[len("rmdir "):]))
		return sshsession.ExecResult{}, nil

	case strings.HasPrefix(cmd, "rm -rf "):
		f.removeAll(unquoteFirstArg(cmd[len("rm -rf "):]))
		return sshsession.ExecResult{}, nil

	case strings.HasPrefix(cmd, "find "):
		dir := unquoteFirstArg(cmd[len("find "):])
		var files []string
		for p := range f.files {
			if strings.HasPrefix(p, dir+"/") {
				files = append(files, p)
			}
		}
		return sshsession.ExecResult{Stdout: []byte(strings.Join(files, "\n"))}, nil

	case strings.HasPrefix(cmd, "ls -1 "):
		dir := unquoteFirstArg(cmd[len("ls -1 "):])
		children := f.listImmediateChildren(dir)
		if len(children) == 0 {
			return sshsession.ExecResult{ExitCode: 1, Stderr: []byte("No such file or directory")},
				derrors.NewRemoteExecError(cmd, 1, "No such file or directory")
		}
		return sshsession.ExecResult{Stdout: []byte(strings.Join(children, "\n"))}, nil

	case composeVerb(cmd) != "":
		return f.runCompose(cmd)

	case cmd == "/bin/sh -c true", strings.HasSuffix(cmd, " info"), strings.HasSuffix(cmd, " compose version"):
		return sshsession.ExecResult{}, nil

	case strings.HasSuffix(cmd, " --version"):
		return sshsession.ExecResult{Stdout: []byte("version 99.0.0")}, nil

	case cmd == "cat /etc/os-release":
		return sshsession.ExecResult{Stdout: []byte("ID=debian")}, nil

	case strings.HasPrefix(cmd, "command -v "), strings.HasPrefix(cmd, "sudo -n "), strings.HasPrefix(cmd, "sudo -S "),
		strings.Contains(cmd, "apt-get"), strings.Contains(cmd, "dnf"), strings.Contains(cmd, "apk"):
		return sshsession.ExecResult{}, nil
	}
	return sshsession.ExecResult{}, fmt.Errorf("fakeHost: unrecognized command: %s", cmd)
}

func (f *fakeHost) runCompose(cmd string) (sshsession.ExecResult, error) {
	file := composeFileArg(cmd)
	switch composeVerb(cmd) {
	case "build":
		if f.composeFails[file] {
			return sshsession.ExecResult{}, derrors.NewRemoteExecError(cmd, 1, "build failed")
		}
		f.composeDigest[file] = "sha256:" + strings.TrimSuffix(strings.TrimPrefix(file, "/"), "/compose.yaml")
		return sshsession.ExecResult{}, nil
	case "images":
		return sshsession.ExecResult{Stdout: []byte(fmt.Sprintf(`{"ID":%q}`, f.composeDigest[file]))}, nil
	case "up":
		f.composeRunning[file] = true
		if f.blockNewHealth && file != f.keepHealthyFile {
			f.composeHealthy[file] = false
		} else if _, ok := f.composeHealthy[file]; !ok {
			f.composeHealthy[file] = true
		}
		return sshsession.ExecResult{}, nil
	case "ps":
		if !f.composeRunning[file] {
			return sshsession.ExecResult{}, nil
		}
		health := "starting"
		if f.composeHealthy[file] {
			health = "healthy"
		}
		return sshsession.ExecResult{Stdout: []byte(fmt.Sprintf(`{"Name":"svc","Service":"svc","State":"running","Health":%q,"RunningFor":"3 minutes"}`, health))}, nil
	case "stop":
		f.composeRunning[file] = false
		return sshsession.ExecResult{}, nil
	case "down":
		f.composeRunning[file] = false
		delete(f.composeHealthy, file)
		return sshsession.ExecResult{}, nil
	case "logs":
		return sshsession.ExecResult{Stdout: []byte("app: ready\n")}, nil
	}
	return sshsession.ExecResult{}, fmt.Errorf("unrecognized compose verb: %s", cmd)
}

func (f *fakeHost) Upload(_ context.Context, data []byte, remotePath string, _ os.FileMode, _ sshsession.ProgressFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.files[remotePath] = cp
	return nil
}

func (f *fakeHost) Download(_ context.Context, remotePath string, _ sshsession.ProgressFunc) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return nil, derrors.Wrap(os.ErrNotExist, derrors.KindNetworkError, "open remote file")
	}
	return data, nil
}

func (f *fakeHost) Exists(_ context.Context, remotePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[remotePath]; ok {
		return true, nil
	}
	return f.dirs[remotePath], nil
}

func (f *fakeHost) Close() error { return nil }

func testConfig() *dconfig.DeploymentConfig {
	return &dconfig.DeploymentConfig{
		DeploymentID: "trader-bot",
		Host:         "h1",
		User:         "deploy",
		Auth:         dconfig.Auth{Kind: dconfig.AuthKindAgent},
		Runtime:      dconfig.Runtime{ID: "docker", MinVersion: "20.0"},
		ImageBase:    "python:3.11-slim",
		EnvPlain:     map[string]string{"MODE": "prod"},
		Retention:    dconfig.Retention{MaxCount: 5, MaxAgeDays: 30},
	}
}

const dockerfileTmpl = "FROM {{.ImageBase}}\n"
const composeTmpl = `services:
  bot:
    labels:
      dcx.config_hash: "{{.ConfigHash}}"
`
const entrypointTmpl = "#!/bin/sh\nexec python -m bot\n"
const makefileTmpl = "deploy:\n\ttrue\n"

func testRenderer(t *testing.T) *recipe.Renderer {
	t.Helper()
	r, err := recipe.NewRenderer("python", dockerfileTmpl, composeTmpl, entrypointTmpl, makefileTmpl)
	require.NoError(t, err)
	return r
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeHost) {
	t.Helper()
	host := newFakeHost()
	cfg := testConfig()
	v := vault.OpenAt(t.TempDir()+"/test.vault", make([]byte, 32))
	c := New(cfg, v, testRenderer(t), func(ctx context.Context) (rawSession, error) {
		return host, nil
	}, "deployments/trader-bot")
	return c, host
}

// mustActiveVersion opens its own session (the coordinator's own session
// is only live for the duration of one operation) to read back the
// version bound to current/ after a prior operation has already
// returned.
func mustActiveVersion(t *testing.T, c *Coordinator) version.Record {
	t.Helper()
	var rec version.Record
	err := c.run(context.Background(), "test-read", func(ctx context.Context) error {
		var err error
		rec, err = c.activeVersion(ctx)
		return err
	})
	require.NoError(t, err)
	return rec
}

func mustListBackups(t *testing.T, c *Coordinator) []backup.Record {
	t.Helper()
	var recs []backup.Record
	err := c.run(context.Background(), "test-read", func(ctx context.Context) error {
		var err error
		recs, err = c.backupStore().List(ctx)
		return err
	})
	require.NoError(t, err)
	return recs
}

func TestInitIsIdempotent(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Init(context.Background()))

	_, ok := host.files["deployments/trader-bot/state.json"]
	assert.True(t, ok)
}

func TestInitRejectsMismatchedDeploymentID(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))

	other := New(testConfig(), c.vault, testRenderer(t), func(ctx context.Context) (rawSession, error) {
		return host, nil
	}, "deployments/trader-bot")
	other.config.DeploymentID = "other-bot"

	err := other.Init(context.Background())
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindConfigInvalid))
}

func TestUpColdStart(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Up(context.Background()))

	current, ok := host.files["deployments/trader-bot/current"]
	require.True(t, ok)
	assert.NotEmpty(t, string(current))

	state, ok := host.files["deployments/trader-bot/state.json"]
	require.True(t, ok)
	assert.Contains(t, string(state), `"container_state": "running"`)
}

func TestUpIsNoOpWhenConfigUnchanged(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Up(context.Background()))

	versionsBefore := host.listImmediateChildren("deployments/trader-bot/versions")
	require.NoError(t, c.Up(context.Background()))
	versionsAfter := host.listImmediateChildren("deployments/trader-bot/versions")

	assert.Equal(t, len(versionsBefore), len(versionsAfter))
}

// backdateVersion rewrites a version record's created_at directly in
// the fake host's storage, the same way version_test.go ages records
// to exercise the max_age_days side of retention without waiting real
// time out.
func backdateVersion(t *testing.T, host *fakeHost, id string, when time.Time) {
	t.Helper()
	path := "deployments/trader-bot/versions/" + id + "/version.json"
	var rec version.Record
	require.NoError(t, json.Unmarshal(host.files[path], &rec))
	rec.CreatedAt = when
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	host.files[path] = data
}

// TestUpRetentionPrunesVersionsBeyondMaxCount exercises spec.md §4.5's
// retention wiring end to end: Up must run ApplyRetention after every
// new version it records, not just leave it implemented and unused.
// Five Up calls with distinct config_hash and each prior version
// artificially aged past max_age_days should converge to max_count
// versions remaining.
func TestUpRetentionPrunesVersionsBeyondMaxCount(t *testing.T) {
	c, host := newTestCoordinator(t)
	c.config.Retention = dconfig.Retention{MaxCount: 2, MaxAgeDays: 7}
	require.NoError(t, c.Init(context.Background()))

	old := time.Now().UTC().AddDate(0, 0, -30)
	for i := 0; i < 5; i++ {
		c.config.EnvPlain = map[string]string{"ITER": fmt.Sprintf("%d", i)}
		require.NoError(t, c.Up(context.Background()))
		rec := mustActiveVersion(t, c)
		backdateVersion(t, host, rec.ID, old)
	}

	remaining := host.listImmediateChildren("deployments/trader-bot/versions")
	assert.Len(t, remaining, 2)
}

func TestUpdateSwapsToNewVersion(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Up(context.Background()))

	before := mustActiveVersion(t, c)

	c.config.ImageBase = "python:3.12-slim"
	require.NoError(t, c.Update(context.Background()))

	after := mustActiveVersion(t, c)
	assert.NotEqual(t, before.ID, after.ID)

	current := string(host.files["deployments/trader-bot/current"])
	assert.Equal(t, after.ID, current)

	backups := mustListBackups(t, c)
	require.Len(t, backups, 1)
	assert.Equal(t, before.ID, backups[0].SourceVersionID)
}

func TestUpdateAutoRollsBackOnStartupFailure(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Up(context.Background()))

	before := mustActiveVersion(t, c)

	c.startupTimeout = 3 * time.Second
	c.config.ImageBase = "python:3.12-slim"

	// The already-running prior version stays healthy (including across
	// the pre-update backup's quiesce/resume cycle); the new version's
	// compose file never reports healthy, forcing a startup timeout.
	host.blockNewHealth = true
	host.keepHealthyFile = c.layout.ComposeFilePath(before.ID)

	err := c.Update(context.Background())
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindStartupTimeout))

	after := mustActiveVersion(t, c)
	assert.Equal(t, before.ID, after.ID)

	current := string(host.files["deployments/trader-bot/current"])
	assert.Equal(t, before.ID, current)
}

func TestRollbackToExplicitVersion(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Up(context.Background()))
	v1 := mustActiveVersion(t, c)

	c.config.ImageBase = "python:3.12-slim"
	require.NoError(t, c.Update(context.Background()))

	require.NoError(t, c.Rollback(context.Background(), v1.ID))

	current := mustActiveVersion(t, c)
	assert.Equal(t, v1.ID, current.ID)
}

func TestStatusReportsActiveVersionAndContainerState(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Up(context.Background()))

	report, err := c.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Active)
	assert.Equal(t, lifecycle.StateRunning, report.Container.State)
}

func TestDownRemovesLayoutWhenRemoveDataTrue(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Up(context.Background()))

	require.NoError(t, c.Down(context.Background(), true))

	_, ok := host.files["deployments/trader-bot/state.json"]
	assert.False(t, ok)
	assert.Empty(t, host.listImmediateChildren("deployments/trader-bot/versions"))
}

func TestConcurrentOperationFailsWithDeploymentBusy(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))

	host.dirs["deployments/trader-bot/.lock"] = true
	host.files["deployments/trader-bot/.lock/owner"] = []byte(fmt.Sprintf("other@%d", time.Now().UTC().Unix()))

	err := c.Up(context.Background())
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindDeploymentBusy))
}

func TestStaleLockIsStolen(t *testing.T) {
	c, host := newTestCoordinator(t)
	require.NoError(t, c.Init(context.Background()))

	host.dirs["deployments/trader-bot/.lock"] = true
	stale := time.Now().UTC().Add(-30 * time.Minute).Unix()
	host.files["deployments/trader-bot/.lock/owner"] = []byte(fmt.Sprintf("other@%d", stale))

	require.NoError(t, c.Up(context.Background()))
}
