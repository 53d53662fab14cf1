package lifecycle

import "path"

// Layout names the host paths the Container Lifecycle Manager operates
// on within one deployment's RemoteLayout (spec.md §3). It mirrors the
// directory convention the Bootstrapper materializes and the Version
// Store (C5) already writes into, so C7 never invents its own paths.
type Layout struct {
	BaseDir      string
	DeploymentID string
}

// CurrentPointerPath is the indirection file whose content names the
// active version (its bare id, the directory name under versions/), not a
// real symlink: the C1 Session has no symlink primitive over SFTP, so
// "current/" is a small text pointer rewritten atomically by swap.
func (l Layout) CurrentPointerPath() string {
	return path.Join(l.BaseDir, "current")
}

func (l Layout) VersionsDir() string {
	return path.Join(l.BaseDir, "versions")
}

func (l Layout) BackupsDir() string {
	return path.Join(l.BaseDir, "backups")
}

func (l Layout) SecretsEnvPath() string {
	return path.Join(l.BaseDir, "secrets.env")
}

// VaultFilePath is where the Coordinator mirrors the vault's ciphertext
// alongside the materialized plaintext env file, so the Backup Store
// (which only ever reads through the remote Session, never the local
// filesystem) has something to archive per spec.md §4.6's "the vault
// file (ciphertext)" — it is never decrypted on the host.
func (l Layout) VaultFilePath() string {
	return path.Join(l.BaseDir, "vault.bin")
}

func (l Layout) StateFilePath() string {
	return path.Join(l.BaseDir, "state.json")
}

func (l Layout) VersionDir(versionID string) string {
	return path.Join(l.BaseDir, "versions", versionID)
}

func (l Layout) ComposeFilePath(versionID string) string {
	return path.Join(l.VersionDir(versionID), "compose.yaml")
}

// ComposeProject returns the compose project name for this deployment,
// grounded on the teacher's compose.Runner naming its project
// "dcx_"+envKey so every `docker compose` invocation against this
// deployment resolves to the same set of containers regardless of
// which version directory is current.
func (l Layout) ComposeProject() string {
	return "dcx_" + l.DeploymentID
}
