package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// undoPointerPath is the one-slot pointer the host keeps so a failed
// restore can reinstate the prior current/ target (spec.md §4.6).
func (s *Store) undoPointerPath() string {
	return path.Join(s.baseDir, ".undo-current")
}

// Restore extracts the archive for ts and swaps current/ to point at
// the restored version, replacing live data directories only after the
// caller has stopped the container (the caller — the Coordinator —
// handles that choreography via q before calling Restore). On any
// failure mid-restore the prior current/ target is reinstated from the
// undo pointer.
func (s *Store) Restore(ctx context.Context, ts time.Time, currentLinkPath string) error {
	priorTarget, err := s.session.Download(ctx, currentLinkPath)
	if err != nil {
		priorTarget = nil // no prior target is not fatal — nothing to undo to
	}
	if priorTarget != nil {
		if err := s.session.Upload(ctx, priorTarget, s.undoPointerPath(), 0o600); err != nil {
			return fmt.Errorf("save undo pointer: %w", err)
		}
	}

	archive, err := s.session.Download(ctx, s.archivePath(ts))
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}

	if err := s.extractAndSwap(ctx, archive, currentLinkPath); err != nil {
		if priorTarget != nil {
			if undoErr := s.session.Upload(ctx, priorTarget, currentLinkPath, 0o644); undoErr != nil {
				return fmt.Errorf("restore failed (%w) and undo also failed: %v", err, undoErr)
			}
		}
		return fmt.Errorf("restore failed, prior current/ target reinstated: %w", err)
	}
	return nil
}

func (s *Store) extractAndSwap(ctx context.Context, archive []byte, currentLinkPath string) error {
	zr, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return fmt.Errorf("init zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var restoredVersionDir string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read tar content for %s: %w", hdr.Name, err)
		}

		destPath := "/" + strings.TrimPrefix(hdr.Name, "/")
		if err := s.session.Upload(ctx, data, destPath, uint32(hdr.FileInfo().Mode().Perm())); err != nil {
			return fmt.Errorf("restore %s: %w", destPath, err)
		}

		// current/ holds the bare version id, so record just the
		// directory name that follows a "versions/" path segment.
		if i := strings.Index(destPath, "/versions/"); restoredVersionDir == "" && i >= 0 {
			restoredVersionDir = strings.SplitN(destPath[i+len("/versions/"):], "/", 2)[0]
		}
	}

	if restoredVersionDir == "" {
		return fmt.Errorf("archive contained no version directory")
	}
	return s.session.Upload(ctx, []byte(restoredVersionDir), currentLinkPath, 0o644)
}

// Download streams the archive for ts to a local file path, returning
// its bytes for the caller to write (the Session abstraction has no
// local-filesystem access, so writing local_path is the caller's job).
func (s *Store) Download(ctx context.Context, ts time.Time) ([]byte, error) {
	return s.session.Download(ctx, s.archivePath(ts))
}

// List returns every backup record found under baseDir, newest first.
// Backup directories are named by RFC3339 timestamp, which already
// sorts lexicographically in creation order, but metadata.json is
// still read back for the full Record (size, source version, etc).
func (s *Store) List(ctx context.Context) ([]Record, error) {
	entries, err := s.session.ListFiles(ctx, s.baseDir)
	if err != nil {
		return nil, nil
	}
	seen := map[string]bool{}
	var stamps []string
	for _, f := range entries {
		rel := strings.TrimPrefix(f, s.baseDir+"/")
		parts := strings.SplitN(rel, "/", 2)
		if len(parts) < 2 || seen[parts[0]] {
			continue
		}
		seen[parts[0]] = true
		stamps = append(stamps, parts[0])
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stamps)))

	records := make([]Record, 0, len(stamps))
	for _, stamp := range stamps {
		ts, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			continue
		}
		data, err := s.session.Download(ctx, s.metadataPath(ts))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ApplyRetention purges backups beyond retention.MaxCount AND older
// than retention.MaxAgeDays, but always keeps the most recent backup
// for each distinct source version id (spec.md §4.6).
func (s *Store) ApplyRetention(ctx context.Context, retention Retention) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	keepPerVersion := map[string]bool{}
	protected := map[time.Time]bool{}
	for _, rec := range records {
		if !keepPerVersion[rec.SourceVersionID] {
			keepPerVersion[rec.SourceVersionID] = true
			protected[rec.Timestamp] = true
		}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retention.MaxAgeDays)
	for i, rec := range records {
		if protected[rec.Timestamp] {
			continue
		}
		beyondCount := retention.MaxCount > 0 && i >= retention.MaxCount
		tooOld := retention.MaxAgeDays > 0 && rec.Timestamp.Before(cutoff)
		if !(beyondCount && tooOld) {
			continue
		}
		dir := path.Dir(s.archivePath(rec.Timestamp))
		if err := s.session.RemoveDir(ctx, dir); err != nil {
			return fmt.Errorf("purge backup %s: %w", rec.Timestamp, err)
		}
	}
	return nil
}
