package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "archive")
	store, err := New(dir)
	require.NoError(t, err)
	require.NotNil(t, store)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, err = New(" ")
	require.Error(t, err)
}

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "ab/abcdef.html", "text/html", strings.NewReader("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "ab", "abcdef.html"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "ab", "abcdef.html"))
	require.NoError(t, err)
	require.Equal(t, "<html/>", string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "", strings.NewReader("x"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
