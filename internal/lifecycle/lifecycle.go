// Package lifecycle implements the Container Lifecycle Manager (C7):
// builds, starts, stops, inspects, and swaps the remote container that
// runs one deployment version, driving the compose tool over the C1
// Remote Session instead of os/exec.
//
// Grounded on the teacher's internal/compose/runner.go (composeBaseArgs,
// the -p <project> -f <file> invocation shape, Up/Stop/Down semantics)
// and internal/state/state.go's ContainerState transition predicates,
// adapted from a local devcontainer driven by os/exec to a remote
// bot-runtime container driven by sess.Run.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/griffithind/dcx-deploy/internal/derrors"
)

const (
	// DefaultStartupTimeout is how long up/swap wait for the health
	// probe before giving up (spec.md §4.7).
	DefaultStartupTimeout = 60 * time.Second

	// DefaultErrorTailBytes bounds status()'s recent_error_lines.
	DefaultErrorTailBytes = 16 * 1024

	healthPollInterval = 2 * time.Second
)

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Session is the subset of the Remote Session (C1) contract the
// lifecycle manager needs: running the compose tool and reading/writing
// the current/ pointer file.
type Session interface {
	Run(ctx context.Context, cmd string) (ExecResult, error)
	Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Exists(ctx context.Context, remotePath string) (bool, error)
}

// StatusReport is C7's view of the running container (spec.md §4.7).
type StatusReport struct {
	State           State
	ImageDigest     string
	UptimeSeconds   int64
	Restarts        int
	RecentErrorLines string
}

// composeService is the subset of `docker compose ps --format json`
// fields this package reads. The compose tool emits one JSON object per
// line (not a JSON array), matching the teacher's own line-oriented
// parsing in internal/compose/service.go.
type composeService struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func composeArgs(layout Layout, composeFile string, verb string, extra ...string) string {
	args := []string{"docker", "compose", "-p", layout.ComposeProject(), "-f", composeFile, verb}
	args = append(args, extra...)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

// CurrentVersion reads the current/ pointer, returning "" if no
// version is current yet. Exported for the Coordinator's cold-start
// path, which must know the prior value before rebinding current/.
func CurrentVersion(ctx context.Context, sess Session, layout Layout) (string, error) {
	return resolveCurrentVersion(ctx, sess, layout)
}

// SetCurrentVersion rebinds current/ to versionID (or clears it, when
// versionID is ""). Exported for the Coordinator's cold-start path: up()
// binds to whatever current/ already names, so the first deploy of a
// version must set the pointer itself before calling Up.
func SetCurrentVersion(ctx context.Context, sess Session, layout Layout, versionID string) error {
	return setCurrentVersion(ctx, sess, layout, versionID)
}

// resolveCurrentVersion reads the current/ pointer and returns the
// version id it names, or "" if no version is current yet.
func resolveCurrentVersion(ctx context.Context, sess Session, layout Layout) (string, error) {
	exists, err := sess.Exists(ctx, layout.CurrentPointerPath())
	if err != nil {
		return "", fmt.Errorf("check current pointer: %w", err)
	}
	if !exists {
		return "", nil
	}
	data, err := sess.Download(ctx, layout.CurrentPointerPath())
	if err != nil {
		return "", fmt.Errorf("read current pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func setCurrentVersion(ctx context.Context, sess Session, layout Layout, versionID string) error {
	return sess.Upload(ctx, []byte(versionID), layout.CurrentPointerPath(), 0o644)
}

// Build invokes the compose tool's build for versionID and captures the
// resulting image digest. A non-zero exit surfaces BuildFailed carrying
// the tail of the build's stderr.
func Build(ctx context.Context, sess Session, layout Layout, versionID string) (string, error) {
	composeFile := layout.ComposeFilePath(versionID)
	cmd := composeArgs(layout, composeFile, "build")
	if _, err := sess.Run(ctx, cmd); err != nil {
		return "", derrors.BuildFailed(stderrTail(err), err)
	}
	return imageDigest(ctx, sess, layout, composeFile)
}

// stderrTail extracts the Stderr field of a wrapped RemoteExecError, or
// the error's own message if it isn't one.
func stderrTail(err error) string {
	de, ok := derrors.As(err)
	if !ok {
		return err.Error()
	}
	if rex, ok := de.Unwrap().(*derrors.RemoteExecError); ok {
		return rex.Stderr
	}
	return de.Error()
}

func imageDigest(ctx context.Context, sess Session, layout Layout, composeFile string) (string, error) {
	cmd := composeArgs(layout, composeFile, "images", "--format", "json")
	res, err := sess.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("read built image: %w", err)
	}
	var rows []struct {
		ID string `json:"ID"`
	}
	for _, line := range splitNonEmptyLines(res.Stdout) {
		var row struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal([]byte(line), &row); err == nil {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no image reported for built project")
	}
	return rows[0].ID, nil
}

func splitNonEmptyLines(b []byte) []string {
	var out []string
	for _, line := range strings.Split(string(bytes.TrimSpace(b)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Up starts the container bound to current/, blocking until its health
// probe reports healthy or timeout elapses. If the compose tool reports
// the container already running with the matching config hash label
// (encoded into the rendered recipe, see internal/recipe), up is a
// no-op.
func Up(ctx context.Context, sess Session, layout Layout, timeout time.Duration) error {
	versionID, err := resolveCurrentVersion(ctx, sess, layout)
	if err != nil {
		return err
	}
	if versionID == "" {
		return fmt.Errorf("no current version set; build and set current/ before up")
	}
	composeFile := layout.ComposeFilePath(versionID)

	services, err := psServices(ctx, sess, layout, composeFile)
	if err == nil && allRunning(services) {
		return nil // already running; "same config hash" is the caller's (Coordinator's) check
	}

	cmd := composeArgs(layout, composeFile, "up", "-d")
	if _, err := sess.Run(ctx, cmd); err != nil {
		return fmt.Errorf("compose up: %w", err)
	}

	return waitHealthy(ctx, sess, layout, composeFile, timeout)
}

func allRunning(services []composeService) bool {
	if len(services) == 0 {
		return false
	}
	for _, svc := range services {
		if svc.State != "running" {
			return false
		}
	}
	return true
}

func waitHealthy(ctx context.Context, sess Session, layout Layout, composeFile string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		services, err := psServices(ctx, sess, layout, composeFile)
		if err == nil && len(services) > 0 && healthy(services) {
			return nil
		}
		if time.Now().After(deadline) {
			return derrors.StartupTimeout(timeout.String(), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

// healthy reports true once every service either reports a passing
// health check or, for services with no health check configured,
// simply reports running (compose surfaces Health="" in that case).
func healthy(services []composeService) bool {
	for _, svc := range services {
		if svc.State != "running" {
			return false
		}
		if svc.Health != "" && svc.Health != "healthy" {
			return false
		}
	}
	return true
}

func psServices(ctx context.Context, sess Session, layout Layout, composeFile string) ([]composeService, error) {
	cmd := composeArgs(layout, composeFile, "ps", "--format", "json")
	res, err := sess.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var services []composeService
	for _, line := range splitNonEmptyLines(res.Stdout) {
		var svc composeService
		if err := json.Unmarshal([]byte(line), &svc); err != nil {
			continue
		}
		services = append(services, svc)
	}
	return services, nil
}

// Stop gracefully stops the running container, escalating from
// SIGTERM to SIGKILL after grace elapses (compose stop's own --timeout
// flag implements that escalation).
func Stop(ctx context.Context, sess Session, layout Layout, grace time.Duration) error {
	versionID, err := resolveCurrentVersion(ctx, sess, layout)
	if err != nil {
		return err
	}
	if versionID == "" {
		return nil
	}
	composeFile := layout.ComposeFilePath(versionID)
	seconds := int(grace.Seconds())
	if seconds <= 0 {
		seconds = 10
	}
	cmd := composeArgs(layout, composeFile, "stop", "--timeout", strconv.Itoa(seconds))
	_, err = sess.Run(ctx, cmd)
	return err
}

// Status reports the observable state of the current container.
func Status(ctx context.Context, sess Session, layout Layout) (StatusReport, error) {
	versionID, err := resolveCurrentVersion(ctx, sess, layout)
	if err != nil {
		return StatusReport{}, err
	}
	if versionID == "" {
		return StatusReport{State: StateAbsent}, nil
	}
	composeFile := layout.ComposeFilePath(versionID)

	services, err := psServices(ctx, sess, layout, composeFile)
	if err != nil || len(services) == 0 {
		return StatusReport{State: StateAbsent}, nil
	}

	state := StateStopped
	if allRunning(services) {
		state = StateRunning
	}

	digest, _ := imageDigest(ctx, sess, layout, composeFile)
	uptime, restarts := containerRuntimeInfo(ctx, sess, layout, composeFile)
	tail, _ := recentErrorLines(ctx, sess, layout, composeFile, DefaultErrorTailBytes)

	return StatusReport{
		State:            state,
		ImageDigest:      digest,
		UptimeSeconds:    uptime,
		Restarts:         restarts,
		RecentErrorLines: tail,
	}, nil
}

func containerRuntimeInfo(ctx context.Context, sess Session, layout Layout, composeFile string) (uptimeSeconds int64, restarts int) {
	cmd := composeArgs(layout, composeFile, "ps", "-a", "--format", "json")
	res, err := sess.Run(ctx, cmd)
	if err != nil {
		return 0, 0
	}
	type psRow struct {
		Name       string `json:"Name"`
		RunningFor string `json:"RunningFor"`
	}
	for _, line := range splitNonEmptyLines(res.Stdout) {
		var row psRow
		if err := json.Unmarshal([]byte(line), &row); err == nil {
			uptimeSeconds = parseRunningFor(row.RunningFor)
			break
		}
	}
	return uptimeSeconds, 0
}

// parseRunningFor parses compose's human-readable "About a minute ago"
// / "3 hours ago" style duration into seconds on a best-effort basis;
// an unparseable string yields 0 rather than an error, since uptime is
// advisory, not load-bearing, for any invariant in spec.md §8.
func parseRunningFor(s string) int64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), " ago")
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	unit := strings.TrimSuffix(strings.ToLower(fields[1]), "s")
	switch unit {
	case "second":
		return n
	case "minute":
		return n * 60
	case "hour":
		return n * 3600
	case "day":
		return n * 86400
	default:
		return 0
	}
}

func recentErrorLines(ctx context.Context, sess Session, layout Layout, composeFile string, budget int) (string, error) {
	cmd := composeArgs(layout, composeFile, "logs", "--no-color", "--tail", "200")
	res, err := sess.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	out := res.Stderr
	if len(out) == 0 {
		out = res.Stdout
	}
	if len(out) > budget {
		out = out[len(out)-budget:]
	}
	return string(out), nil
}

// Swap performs an in-place, health-gated cutover to newVersionID:
// current/ is updated first, the new version is brought up and health
// probed, and only then is the old container stopped. On any failure
// current/ is reverted before the error surfaces (spec.md §4.7).
func Swap(ctx context.Context, sess Session, layout Layout, newVersionID string, timeout time.Duration) error {
	oldVersionID, err := resolveCurrentVersion(ctx, sess, layout)
	if err != nil {
		return err
	}

	if err := setCurrentVersion(ctx, sess, layout, newVersionID); err != nil {
		return fmt.Errorf("update current pointer: %w", err)
	}

	newComposeFile := layout.ComposeFilePath(newVersionID)
	cmd := composeArgs(layout, newComposeFile, "up", "-d", "--force-recreate")
	if _, err := sess.Run(ctx, cmd); err != nil {
		_ = setCurrentVersion(ctx, sess, layout, oldVersionID)
		return fmt.Errorf("compose up --force-recreate: %w", err)
	}

	if err := waitHealthy(ctx, sess, layout, newComposeFile, timeout); err != nil {
		_ = setCurrentVersion(ctx, sess, layout, oldVersionID)
		return err
	}

	if oldVersionID != "" && oldVersionID != newVersionID {
		oldComposeFile := layout.ComposeFilePath(oldVersionID)
		stopCmd := composeArgs(layout, oldComposeFile, "down")
		_, _ = sess.Run(ctx, stopCmd) // best-effort; new version is already healthy and current
	}

	return nil
}

// Down stops the container and removes the compose project's resources
// for whichever version is current, leaving current/ itself untouched
// (the Coordinator clears the pointer as part of its own down sequence).
func Down(ctx context.Context, sess Session, layout Layout) error {
	versionID, err := resolveCurrentVersion(ctx, sess, layout)
	if err != nil {
		return err
	}
	if versionID == "" {
		return nil
	}
	composeFile := layout.ComposeFilePath(versionID)
	cmd := composeArgs(layout, composeFile, "down")
	_, err = sess.Run(ctx, cmd)
	return err
}

// Controller adapts the package-level operations to the narrow Quiescer
// interface internal/backup depends on, bound to one session+layout.
type Controller struct {
	Session Session
	Layout  Layout
}

func (c Controller) Quiesce(ctx context.Context, grace time.Duration) error {
	return Stop(ctx, c.Session, c.Layout, grace)
}

func (c Controller) Resume(ctx context.Context) error {
	return Up(ctx, c.Session, c.Layout, DefaultStartupTimeout)
}
