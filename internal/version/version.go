// Package version implements the Version Store (C5): append-only
// version records persisted on the host under versions/<id>/, with
// monotonic lexicographically sortable ids and a retention policy
// that is the intersection of max_count and max_age_days.
//
// Grounded on the teacher's internal/lockfile package (load-or-absent,
// marshal-indent, trailing-newline, atomic save shape), applied to a
// directory of per-version metadata files read/written over the C1
// Remote Session instead of the local filesystem.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/oklog/ulid/v2"
)

// Record is one entry in the version store. Records are append-only;
// no record is ever mutated except by retention pruning.
type Record struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	SourceRevision string    `json:"source_revision,omitempty"`
	ImageDigest    string    `json:"image_digest"`
	ConfigHash     string    `json:"config_hash"`
}

// Retention mirrors dconfig.Retention; duplicated here (rather than
// imported) so this package has no dependency on dconfig's broader
// shape, only the two fields it actually needs.
type Retention struct {
	MaxCount   int
	MaxAgeDays int
}

// Session is the subset of the Remote Session (C1) contract the
// version store needs.
type Session interface {
	Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Exists(ctx context.Context, remotePath string) (bool, error)
	Run(ctx context.Context, cmd string) (stdout []byte, exitCode int, err error)
}

// Store manages the version records for one deployment, rooted at
// baseDir (the deployment's "versions/" directory on the host).
type Store struct {
	session Session
	baseDir string
}

func New(session Session, baseDir string) *Store {
	return &Store{session: session, baseDir: baseDir}
}

func (s *Store) recordPath(id string) string {
	return path.Join(s.baseDir, id, "version.json")
}

// NewID mints a new version id: a ULID, lexicographically sortable by
// creation time, so "previous" never needs timestamp parsing. The
// Coordinator calls this before C7's build, since the build needs a
// version directory to upload the rendered recipe into before an image
// digest exists to record.
func NewID() string {
	return ulid.Make().String()
}

// Record persists a new version after a successful build (called by
// the Coordinator once C7's build has produced imageDigest for the
// directory id already reserved via NewID).
func (s *Store) Record(ctx context.Context, id, imageDigest, configHash, sourceRevision string) (Record, error) {
	rec := Record{
		ID:             id,
		CreatedAt:      time.Now().UTC(),
		SourceRevision: sourceRevision,
		ImageDigest:    imageDigest,
		ConfigHash:     configHash,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("marshal version record: %w", err)
	}
	data = append(data, '\n')

	if err := s.session.Upload(ctx, data, s.recordPath(rec.ID), 0o644); err != nil {
		return Record{}, fmt.Errorf("upload version record: %w", err)
	}
	return rec, nil
}

// List returns every version record in descending (newest-first)
// order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	stdout, exitCode, err := s.session.Run(ctx, fmt.Sprintf("ls -1 %s", shQuote(s.baseDir)))
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, nil // versions/ directory doesn't exist yet
	}

	var ids []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if line != "" {
			ids = append(ids, line)
		}
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		data, err := s.session.Download(ctx, s.recordPath(id))
		if err != nil {
			continue // a directory entry without a readable record isn't a version
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	return records, nil
}

// Resolve looks up ref, which is one of "current", "previous", or an
// explicit id.
func (s *Store) Resolve(ctx context.Context, ref string) (Record, error) {
	records, err := s.List(ctx)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, derrors.NoPreviousVersion()
	}

	switch ref {
	case "current":
		return records[0], nil
	case "previous":
		if len(records) < 2 {
			return Record{}, derrors.NoPreviousVersion()
		}
		return records[1], nil
	default:
		for _, rec := range records {
			if rec.ID == ref {
				return rec, nil
			}
		}
		return Record{}, derrors.Newf(derrors.KindConfigInvalid, "unknown version id %q", ref)
	}
}

// ApplyRetention purges versions beyond retention.MaxCount AND older
// than retention.MaxAgeDays (intersection, not union), always
// retaining the active version and rollback target so single-step
// rollback stays possible.
func (s *Store) ApplyRetention(ctx context.Context, retention Retention) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	protected := map[string]bool{records[0].ID: true}
	if len(records) > 1 {
		protected[records[1].ID] = true
	}
	// The active version is whatever the sibling current/ pointer names,
	// which after a rollback need not be one of the two newest records.
	if data, err := s.session.Download(ctx, path.Join(path.Dir(s.baseDir), "current")); err == nil {
		protected[strings.TrimSpace(string(data))] = true
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retention.MaxAgeDays)

	for i, rec := range records {
		if protected[rec.ID] {
			continue
		}
		beyondCount := retention.MaxCount > 0 && i >= retention.MaxCount
		tooOld := retention.MaxAgeDays > 0 && rec.CreatedAt.Before(cutoff)
		if !(beyondCount && tooOld) {
			continue
		}
		if _, _, err := s.session.Run(ctx, fmt.Sprintf("rm -rf %s", shQuote(path.Join(s.baseDir, rec.ID)))); err != nil {
			return fmt.Errorf("purge version %s: %w", rec.ID, err)
		}
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
