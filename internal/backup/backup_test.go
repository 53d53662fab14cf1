package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSession struct {
	files map[string][]byte
}

func newMemSession() *memSession {
	return &memSession{files: map[string][]byte{}}
}

func (m *memSession) Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[remotePath] = cp
	return nil
}

func (m *memSession) Download(ctx context.Context, remotePath string) ([]byte, error) {
	data, ok := m.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("not found: %s", remotePath)
	}
	return data, nil
}

func (m *memSession) Exists(ctx context.Context, remotePath string) (bool, error) {
	if _, ok := m.files[remotePath]; ok {
		return true, nil
	}
	prefix := strings.TrimSuffix(remotePath, "/") + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSession) ListFiles(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memSession) RemoveDir(ctx context.Context, dir string) error {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			delete(m.files, p)
		}
	}
	return nil
}

type fakeQuiescer struct {
	fail          bool
	quiesceCalled bool
	resumeCalled  bool
}

func (f *fakeQuiescer) Quiesce(ctx context.Context, grace time.Duration) error {
	f.quiesceCalled = true
	if f.fail {
		return fmt.Errorf("container did not stop")
	}
	return nil
}

func (f *fakeQuiescer) Resume(ctx context.Context) error {
	f.resumeCalled = true
	return nil
}

func setupDeployment(t *testing.T, sess *memSession) CreateInputs {
	t.Helper()
	require.NoError(t, sess.Upload(context.Background(), []byte("binary-content"), "versions/01HZY/bundle/app", 0o644))
	require.NoError(t, sess.Upload(context.Background(), []byte(`{"status":"running"}`), "state.json", 0o644))
	require.NoError(t, sess.Upload(context.Background(), []byte("vault-ciphertext"), "vault.dat", 0o600))
	require.NoError(t, sess.Upload(context.Background(), []byte("user data"), "data/db.sqlite", 0o644))

	return CreateInputs{
		VersionDir:      "versions/01HZY",
		StateFile:       "state.json",
		VaultFile:       "vault.dat",
		DataDirs:        []string{"data"},
		SourceVersionID: "01HZY",
	}
}

func TestCreateQuiescesAndArchives(t *testing.T) {
	sess := newMemSession()
	inputs := setupDeployment(t, sess)
	store := New(sess, "backups")
	q := &fakeQuiescer{}

	rec, err := store.Create(context.Background(), q, time.Second, inputs, false, false)
	require.NoError(t, err)
	assert.True(t, q.quiesceCalled)
	assert.True(t, q.resumeCalled)
	assert.False(t, rec.Unsafe)
	assert.False(t, rec.IncludesData)
	assert.Greater(t, rec.SizeBytes, int64(0))
}

func TestCreateIncludesDataWhenRequested(t *testing.T) {
	sess := newMemSession()
	inputs := setupDeployment(t, sess)
	store := New(sess, "backups")

	rec, err := store.Create(context.Background(), nil, time.Second, inputs, true, false)
	require.NoError(t, err)
	assert.True(t, rec.IncludesData)

	archive, err := store.Download(context.Background(), rec.Timestamp)
	require.NoError(t, err)
	extracted := extractNames(t, archive)
	assert.Contains(t, extracted, "data/db.sqlite")
}

func TestCreateAbortsWhenNotQuiescedAndUnsafeNotAllowed(t *testing.T) {
	sess := newMemSession()
	inputs := setupDeployment(t, sess)
	store := New(sess, "backups")
	q := &fakeQuiescer{fail: true}

	_, err := store.Create(context.Background(), q, time.Second, inputs, false, false)
	require.Error(t, err)
}

func TestCreateAllowsUnsafeHotBackup(t *testing.T) {
	sess := newMemSession()
	inputs := setupDeployment(t, sess)
	store := New(sess, "backups")
	q := &fakeQuiescer{fail: true}

	rec, err := store.Create(context.Background(), q, time.Second, inputs, false, true)
	require.NoError(t, err)
	assert.True(t, rec.Unsafe)
}

func TestListNewestFirst(t *testing.T) {
	sess := newMemSession()
	inputs := setupDeployment(t, sess)
	store := New(sess, "backups")

	_, err := store.Create(context.Background(), nil, time.Second, inputs, false, false)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	rec2, err := store.Create(context.Background(), nil, time.Second, inputs, false, false)
	require.NoError(t, err)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, rec2.Timestamp.Unix(), records[0].Timestamp.Unix())
}

func TestApplyRetentionAlwaysKeepsNewestPerSourceVersion(t *testing.T) {
	sess := newMemSession()
	inputs := setupDeployment(t, sess)
	store := New(sess, "backups")

	for i := 0; i < 3; i++ {
		_, err := store.Create(context.Background(), nil, time.Second, inputs, false, false)
		require.NoError(t, err)
		time.Sleep(1100 * time.Millisecond)
	}

	err := store.ApplyRetention(context.Background(), Retention{MaxCount: 0, MaxAgeDays: 0})
	require.NoError(t, err)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func extractNames(t *testing.T, archive []byte) []string {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}
