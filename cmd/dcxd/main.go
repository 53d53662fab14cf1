// Command dcxd is an example wiring of the Deployment Coordinator
// (C8), not a CLI: argument parsing, output formatting, and operator
// ergonomics are a collaborator's concern (spec.md §1 Non-goals). It
// reads a deployment config, opens its vault, and dispatches one
// operation named by argv[1] against the host the config names.
//
// Usage: dcxd <config.json> <init|up|update|rollback|status|down>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/griffithind/dcx-deploy/internal/coordinator"
	"github.com/griffithind/dcx-deploy/internal/dconfig"
	"github.com/griffithind/dcx-deploy/internal/dlog"
	"github.com/griffithind/dcx-deploy/internal/recipe"
	"github.com/griffithind/dcx-deploy/internal/sshsession"
	"github.com/griffithind/dcx-deploy/internal/vault"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "dcxd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: dcxd <config.json> <init|up|update|rollback|status|down> [ref]")
	}
	configPath, op, rest := args[0], args[1], args[2:]

	cfg, err := dconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	v, err := vault.Open(cfg.DeploymentID)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	dockerfileTmpl, composeTmpl, entrypointTmpl, makefileTmpl := recipe.DefaultTemplates()
	renderer, err := recipe.NewRenderer(cfg.Runtime.ID, dockerfileTmpl, composeTmpl, entrypointTmpl, makefileTmpl)
	if err != nil {
		return fmt.Errorf("build renderer: %w", err)
	}

	hostKeyCB, err := sshsession.TrustOnFirstUse(func(host, fingerprint string) {
		fmt.Fprintf(os.Stderr, "dcxd: trusting new host key for %s (%s)\n", host, fingerprint)
	})
	if err != nil {
		return fmt.Errorf("load known_hosts: %w", err)
	}

	dial := coordinator.NewSSHDialer(cfg, hostKeyCB)
	baseDir := fmt.Sprintf("deployments/%s", cfg.DeploymentID)
	c := coordinator.New(cfg, v, renderer, dial, baseDir)
	c.SetSudoPrompt(promptSudoPassword)

	logger := dlog.Deployment(dlog.New(os.Stderr, slog.LevelInfo), cfg.DeploymentID, cfg.Host)
	ctx := dlog.WithContext(context.Background(), dlog.Operation(logger, op))

	switch op {
	case "init":
		return c.Init(ctx)
	case "up":
		return c.Up(ctx)
	case "update":
		return c.Update(ctx)
	case "rollback":
		var ref string
		if len(rest) > 0 {
			ref = rest[0]
		}
		return c.Rollback(ctx, ref)
	case "down":
		removeData := len(rest) > 0 && rest[0] == "--remove-data"
		return c.Down(ctx, removeData)
	case "status":
		report, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(report)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func printStatus(report coordinator.StatusReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// promptSudoPassword reads a sudo password from this process's own
// terminal, never from the remote host, per spec.md §4.2. The read
// bytes travel to the Coordinator only to be piped into a single
// "sudo -S" invocation's stdin; they are never written to disk.
func promptSudoPassword() (string, error) {
	fmt.Fprint(os.Stderr, "dcxd: sudo password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read sudo password: %w", err)
	}
	return string(password), nil
}
