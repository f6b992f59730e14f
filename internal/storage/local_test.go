package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSave(t *testing.T) {
	root := filepath.Join(t.TempDir(), "output")
	store, err := NewLocal(root)
	require.NoError(t, err)

	path, err := store.Save(context.Background(), "job-1", "markdown_gpt.md", []byte("# hello"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "job-1", "markdown_gpt.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# hello", string(data))

	// 上書き
	_, err = store.Save(context.Background(), "job-1", "markdown_gpt.md", []byte("# again"))
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# again", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "job-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalSaveRejectsTraversal(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, tc := range []struct{ jobID, name string }{
		{"..", "a.md"},
		{"job", "../escape.md"},
		{"a/b", "a.md"},
		{"job", ""},
	} {
		_, err := store.Save(context.Background(), tc.jobID, tc.name, []byte("x"))
		assert.Error(t, err, "jobID=%q name=%q", tc.jobID, tc.name)
	}
}

func TestNewLocalRequiresRoot(t *testing.T) {
	_, err := NewLocal(" ")
	assert.Error(t, err)
}
