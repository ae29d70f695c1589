package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePackageConfig(t *testing.T, dir, content string) string {
	t.Helper()
	toolDir := filepath.Join(dir, ".dart_tool")
	require.NoError(t, os.MkdirAll(toolDir, 0755))
	path := filepath.Join(toolDir, "package_config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestResolverPackageURI(t *testing.T) {
	dir := t.TempDir()
	path := writePackageConfig(t, dir, `{
		"configVersion": 2,
		"packages": [
			{"name": "foo", "rootUri": "../", "packageUri": "lib/"}
		]
	}`)

	r, err := NewResolver(path)
	require.NoError(t, err)

	got := r.Resolve("package:foo/src/bar.dart")
	assert.Equal(t, filepath.Join(dir, "lib", "src", "bar.dart"), got)
}

func TestResolverUnknownPackage(t *testing.T) {
	r, err := NewResolver("")
	require.NoError(t, err)
	assert.Empty(t, r.Resolve("package:missing/a.dart"))
}

func TestResolverFileURIAndPlainPath(t *testing.T) {
	r, err := NewResolver("")
	require.NoError(t, err)

	assert.Equal(t, "/abs/a.dart", r.Resolve("file:///abs/a.dart"))
	assert.Equal(t, "/abs/b.dart", r.Resolve("/abs/b.dart"))
}

func TestResolverRejectsOtherSchemes(t *testing.T) {
	r, err := NewResolver("")
	require.NoError(t, err)

	assert.Empty(t, r.Resolve("dart:core"))
	assert.Empty(t, r.Resolve("evaluate:12"))
}

func TestLoadLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dart")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))

	assert.Equal(t, []string{"one", "two", "three"}, LoadLines(path))
	assert.Nil(t, LoadLines(filepath.Join(dir, "missing.dart")))
}
