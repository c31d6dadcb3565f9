package localdocs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muckrake/internal/source"
	"muckrake/internal/types"
)

func newArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func openAdapter(t *testing.T, dir string) *Adapter {
	t.Helper()
	a, err := New(dir)(source.Deps{})
	require.NoError(t, err)
	adapter := a.(*Adapter)
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func TestSearchFindsIndexedDocuments(t *testing.T) {
	dir := newArchive(t, map[string]string{
		"leak/memo.txt":    "Acme Corp transferred funds to the shell company in March.",
		"foia/response.md": "The agency denied the records request.",
		"notes.txt":        "Grocery list: milk, eggs.",
	})
	a := openAdapter(t, dir)

	res := a.ExecuteSearch(context.Background(), types.QueryParams{"match": `"shell company"`}, 10, false)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "memo.txt", res.Results[0].Title)
	assert.Contains(t, res.Results[0].URL, "file://")
	assert.Equal(t, filepath.Join("leak", "memo.txt"), res.Results[0].Fields["path"])
}

func TestSearchFullContent(t *testing.T) {
	dir := newArchive(t, map[string]string{
		"memo.txt": "Acme Corp transferred funds offshore.",
	})
	a := openAdapter(t, dir)

	res := a.ExecuteSearch(context.Background(), types.QueryParams{"match": "acme"}, 10, true)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "Acme Corp transferred funds offshore.", res.Results[0].RawContent)
}

func TestSearchBadMatchExpressionIsValidation(t *testing.T) {
	dir := newArchive(t, map[string]string{"a.txt": "text"})
	a := openAdapter(t, dir)

	res := a.ExecuteSearch(context.Background(), types.QueryParams{"match": `AND AND (`}, 10, false)
	assert.False(t, res.Success)
	assert.Equal(t, 400, res.HTTPCode, "malformed FTS syntax must classify as validation")
}

func TestSearchMissingMatchParam(t *testing.T) {
	dir := newArchive(t, map[string]string{"a.txt": "text"})
	a := openAdapter(t, dir)

	res := a.ExecuteSearch(context.Background(), types.QueryParams{}, 10, false)
	assert.False(t, res.Success)
	assert.Equal(t, 400, res.HTTPCode)
}

func TestReindexPicksUpChangedFiles(t *testing.T) {
	dir := newArchive(t, map[string]string{"doc.txt": "original topic alpha"})

	a := openAdapter(t, dir)
	res := a.ExecuteSearch(context.Background(), types.QueryParams{"match": "alpha"}, 10, false)
	require.True(t, res.Success)
	require.Len(t, res.Results, 1)
	require.NoError(t, a.Close())

	// Rewrite with a new mtime well in the future so the reindex is forced.
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("replacement topic beta"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	b := openAdapter(t, dir)
	res = b.ExecuteSearch(context.Background(), types.QueryParams{"match": "beta"}, 10, false)
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Results, 1)

	res = b.ExecuteSearch(context.Background(), types.QueryParams{"match": "alpha"}, 10, false)
	require.True(t, res.Success)
	assert.Empty(t, res.Results, "stale content must drop out of the index")
}

func TestUnsupportedExtensionsIgnored(t *testing.T) {
	dir := newArchive(t, map[string]string{
		"doc.txt":   "searchable words here",
		"image.png": "\x89PNG not text",
	})
	a := openAdapter(t, dir)

	res := a.ExecuteSearch(context.Background(), types.QueryParams{"match": "searchable"}, 10, false)
	require.True(t, res.Success)
	assert.Len(t, res.Results, 1)
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))(source.Deps{})
	assert.Error(t, err)

	_, err = New("")(source.Deps{})
	assert.Error(t, err)
}
