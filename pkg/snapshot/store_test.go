package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTar(t *testing.T, files map[string]string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestSaveAndOpenRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := s.Save(ctx, "snap-1", makeTar(t, map[string]string{
		"workspace/answer.txt": "42",
		"workspace/sub/b.txt":  "bee",
	}))
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.True(t, s.Exists("snap-1"))

	raw, err := os.ReadFile(filepath.Join(s.Path("snap-1"), "workspace", "answer.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(raw))

	rc, err := s.Open("snap-1")
	require.NoError(t, err)
	defer rc.Close()

	found := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		found[filepath.ToSlash(hdr.Name)] = string(content)
	}
	assert.Equal(t, "42", found["workspace/answer.txt"])
	assert.Equal(t, "bee", found["workspace/sub/b.txt"])
}

func TestSaveRefusesOverwrite(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Save(ctx, "snap-1", makeTar(t, map[string]string{"a.txt": "a"}))
	require.NoError(t, err)

	_, err = s.Save(ctx, "snap-1", makeTar(t, map[string]string{"b.txt": "b"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestSaveBadArchiveCleansUp(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "snap-bad", bytes.NewReader([]byte("not a tar at all, far too short to parse")))
	require.Error(t, err)
	assert.False(t, s.Exists("snap-bad"), "failed save leaves nothing behind")
}

func TestSaveCancelled(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Save(ctx, "snap-c", makeTar(t, map[string]string{"a.txt": "a"}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Open("snap-none")
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "snap-1", makeTar(t, map[string]string{"a.txt": "a"}))
	require.NoError(t, err)
	require.NoError(t, s.Remove("snap-1"))
	assert.False(t, s.Exists("snap-1"))
	require.NoError(t, s.Remove("snap-1"))
}

func TestValidateID(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, bad := range []string{"", "..", "a/b", `a\b`, "."} {
		_, err := s.Save(context.Background(), bad, makeTar(t, nil))
		assert.Error(t, err, "id %q", bad)
	}
	assert.False(t, s.Exists("../escape"))
}
