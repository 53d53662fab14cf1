// Package backup implements the Backup Store (C6): consistent,
// compressed snapshots of a deployment's active version, state, and
// vault — optionally its data directories — with a one-slot undo
// pointer for restore.
//
// Grounded on the teacher's internal/features resolver's use of
// archive/tar + content hashing for cached feature tarballs, adapted
// from a local cache directory to a remote host: files are read over
// the C1 Session, archived in memory, compressed with
// github.com/klauspost/compress/zstd, and uploaded as a single blob.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/klauspost/compress/zstd"
)

// Record describes one backup archive. ID correlates a single Create
// call across log lines (the quiesce, the upload, the metadata write)
// independent of Timestamp, which is also the archive's directory name
// and therefore not always convenient to log before it's chosen.
type Record struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	IncludesData    bool      `json:"includes_data"`
	SourceVersionID string    `json:"source_version_id"`
	SizeBytes       int64     `json:"size_bytes"`
	LocalPath       string    `json:"local_path,omitempty"`
	Unsafe          bool      `json:"unsafe"` // true if taken without a clean quiesce
}

// Retention mirrors the version store's retention policy structure.
type Retention struct {
	MaxCount   int
	MaxAgeDays int
}

// Quiescer stops and restarts the deployment's container around the
// backup window. Implemented by the Container Lifecycle Manager (C7);
// kept as a narrow interface here so backup has no import-time
// dependency on C7's broader surface.
type Quiescer interface {
	Quiesce(ctx context.Context, grace time.Duration) error
	Resume(ctx context.Context) error
}

// Session is the subset of the Remote Session (C1) contract the
// backup store needs: listing, reading, and writing host files.
type Session interface {
	Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Exists(ctx context.Context, remotePath string) (bool, error)
	ListFiles(ctx context.Context, dir string) ([]string, error)
	RemoveDir(ctx context.Context, dir string) error
}

// Store manages backups for one deployment rooted at baseDir (the
// deployment's "backups/" directory on the host).
type Store struct {
	session Session
	baseDir string
}

func New(session Session, baseDir string) *Store {
	return &Store{session: session, baseDir: baseDir}
}

func (s *Store) archivePath(ts time.Time) string {
	return path.Join(s.baseDir, ts.UTC().Format(time.RFC3339), "archive.tar.zst")
}

func (s *Store) metadataPath(ts time.Time) string {
	return path.Join(s.baseDir, ts.UTC().Format(time.RFC3339), "metadata.json")
}

// CreateInputs names the host paths that go into an archive.
type CreateInputs struct {
	VersionDir      string
	StateFile       string
	VaultFile       string
	DataDirs        []string
	SourceVersionID string
}

// Create takes a consistent snapshot: it quiesces the container through
// q (if q is non-nil), archives the named inputs, then resumes
// it. If quiesce doesn't complete within grace, the backup is aborted
// with BackupNotQuiesced unless unsafe is true, in which case a hot
// backup proceeds and the record is marked Unsafe.
func (s *Store) Create(ctx context.Context, q Quiescer, grace time.Duration, inputs CreateInputs, includeData, unsafeAllowed bool) (Record, error) {
	id := uuid.New().String()
	quiesced := true
	if q != nil {
		if err := q.Quiesce(ctx, grace); err != nil {
			if !unsafeAllowed {
				return Record{}, derrors.BackupNotQuiesced(grace.String())
			}
			quiesced = false
		} else {
			defer func() { _ = q.Resume(ctx) }()
		}
	}

	archive, err := s.buildArchive(ctx, inputs, includeData)
	if err != nil {
		return Record{}, fmt.Errorf("build archive: %w", err)
	}

	ts := time.Now().UTC()
	if err := s.session.Upload(ctx, archive, s.archivePath(ts), 0o600); err != nil {
		return Record{}, fmt.Errorf("upload archive: %w", err)
	}

	rec := Record{
		ID:              id,
		Timestamp:       ts,
		IncludesData:    includeData,
		SourceVersionID: inputs.SourceVersionID,
		SizeBytes:       int64(len(archive)),
		Unsafe:          !quiesced,
	}
	metadata, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("marshal backup metadata: %w", err)
	}
	if err := s.session.Upload(ctx, append(metadata, '\n'), s.metadataPath(ts), 0o644); err != nil {
		return Record{}, fmt.Errorf("upload backup metadata: %w", err)
	}

	return rec, nil
}

func (s *Store) buildArchive(ctx context.Context, inputs CreateInputs, includeData bool) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("init zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	dirs := []string{inputs.VersionDir}
	if includeData {
		dirs = append(dirs, inputs.DataDirs...)
	}
	for _, dir := range dirs {
		if err := s.addDir(ctx, tw, dir); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return nil, err
		}
	}
	for _, f := range []string{inputs.StateFile, inputs.VaultFile} {
		if err := s.addFile(ctx, tw, f); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("finalize tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zstd stream: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) addDir(ctx context.Context, tw *tar.Writer, dir string) error {
	exists, err := s.session.Exists(ctx, dir)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	files, err := s.session.ListFiles(ctx, dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	for _, f := range files {
		if err := s.addFile(ctx, tw, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addFile(ctx context.Context, tw *tar.Writer, remotePath string) error {
	exists, err := s.session.Exists(ctx, remotePath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	data, err := s.session.Download(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}

	hdr := &tar.Header{
		Name: strings.TrimPrefix(remotePath, "/"),
		Mode: 0o600,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", remotePath, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %s: %w", remotePath, err)
	}
	return nil
}
