package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "dl-*.part")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "out", "media")
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	require.NotNil(t, store)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPublishMovesFile(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	src := writeTemp(t, "image bytes")
	uri, err := store.Publish(context.Background(), "example.com_pics/sunset.jpg", src)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	final := filepath.Join(base, "example.com_pics", "sunset.jpg")
	data, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "image bytes", string(data))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err), "temp file should be consumed")
}

func TestPublishDisambiguatesCollisions(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Publish(ctx, "site/a.jpg", writeTemp(t, "first"))
	require.NoError(t, err)
	_, err = store.Publish(ctx, "site/a.jpg", writeTemp(t, "second"))
	require.NoError(t, err)
	_, err = store.Publish(ctx, "site/a.jpg", writeTemp(t, "third"))
	require.NoError(t, err)

	for name, want := range map[string]string{
		"a.jpg":   "first",
		"a-1.jpg": "second",
		"a-2.jpg": "third",
	} {
		data, err := os.ReadFile(filepath.Join(base, "site", name))
		require.NoError(t, err)
		require.Equal(t, want, string(data))
	}
}

func TestPublishRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Publish(context.Background(), "../escape.jpg", writeTemp(t, "x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "path traversal")
}

func TestPublishRequiresRelPath(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Publish(context.Background(), "  ", writeTemp(t, "x"))
	require.Error(t, err)
}
