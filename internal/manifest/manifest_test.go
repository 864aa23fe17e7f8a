package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestBuildSkipsGitignoredAndHiddenEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "*.log\nbuild/\n")
	writeFile(t, filepath.Join(root, "keep.txt"), "hello")
	writeFile(t, filepath.Join(root, "debug.log"), "noisy")
	writeFile(t, filepath.Join(root, "build", "out.bin"), "binary")
	writeFile(t, filepath.Join(root, ".hidden"), "secret")

	m, err := Build(root, Options{})
	require.NoError(t, err)

	assert.Contains(t, m.Files, "keep.txt")
	assert.NotContains(t, m.Files, "debug.log")
	assert.NotContains(t, m.Files, filepath.ToSlash(filepath.Join("build", "out.bin")))
	assert.NotContains(t, m.Files, ".hidden")
}

func TestBuildComputesDigestsByDefault(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "content-a")

	m, err := Build(root, Options{})
	require.NoError(t, err)

	rec, ok := m.Files["a.txt"]
	require.True(t, ok)
	assert.NotEmpty(t, rec.Digest)
}

func TestBuildQuickModeSkipsHashing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "content-a")

	m, err := Build(root, Options{Quick: true})
	require.NoError(t, err)

	rec, ok := m.Files["a.txt"]
	require.True(t, ok)
	assert.Empty(t, rec.Digest)
}

func TestBuildReusesCachedDigestWhenSizeAndMTimeUnchanged(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	writeFile(t, path, "stable-content")

	first, err := Build(root, Options{})
	require.NoError(t, err)
	want := first.Files["a.txt"].Digest
	require.NotEmpty(t, want)

	mtime := time.UnixMilli(first.Files["a.txt"].ModifiedTime)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	second, err := Build(root, Options{Previous: first})
	require.NoError(t, err)
	assert.Equal(t, want, second.Files["a.txt"].Digest)
}

func TestBuildRecordsEmptyDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "nested"), 0o755))

	m, err := Build(root, Options{})
	require.NoError(t, err)

	assert.Contains(t, m.EmptyDirs, filepath.ToSlash(filepath.Join("empty", "nested")))
}

func TestManifestPersistLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	m, err := Build(root, Options{})
	require.NoError(t, err)

	out := filepath.Join(root, "manifest.json")
	require.NoError(t, Persist(m, out))

	loaded, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, m.Files, loaded.Files)
	assert.Equal(t, m.EmptyDirs, loaded.EmptyDirs)
}

func TestLoadMissingFileReturnsNilWithoutError(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDiffDetectsAddedChangedAndDeletedFiles(t *testing.T) {
	local := newManifest()
	local.Files["same.txt"] = FileRecord{Path: "same.txt", Size: 5, ModifiedTime: 100, Digest: "abc"}
	local.Files["changed.txt"] = FileRecord{Path: "changed.txt", Size: 9, ModifiedTime: 200, Digest: "new"}
	local.Files["added.txt"] = FileRecord{Path: "added.txt", Size: 3, ModifiedTime: 300, Digest: "xyz"}

	remote := newManifest()
	remote.Files["same.txt"] = FileRecord{Path: "same.txt", Size: 5, ModifiedTime: 100, Digest: "abc"}
	remote.Files["changed.txt"] = FileRecord{Path: "changed.txt", Size: 9, ModifiedTime: 200, Digest: "old"}
	remote.Files["removed.txt"] = FileRecord{Path: "removed.txt", Size: 1, ModifiedTime: 50, Digest: "gone"}

	cs := Diff(local, remote, false, true)

	var sent []string
	for _, r := range cs.ToSend {
		sent = append(sent, r.Path)
	}
	assert.ElementsMatch(t, []string{"changed.txt", "added.txt"}, sent)
	assert.ElementsMatch(t, []string{"removed.txt"}, cs.ToDelete)
}

func TestDiffQuickModeIgnoresDigestDifferences(t *testing.T) {
	local := newManifest()
	local.Files["a.txt"] = FileRecord{Path: "a.txt", Size: 5, ModifiedTime: 100, Digest: "new"}

	remote := newManifest()
	remote.Files["a.txt"] = FileRecord{Path: "a.txt", Size: 5, ModifiedTime: 100, Digest: "old"}

	cs := Diff(local, remote, true, true)
	assert.Empty(t, cs.ToSend)
}

func TestDiffReconcilesEmptyDirectories(t *testing.T) {
	local := newManifest()
	local.EmptyDirs["keep"] = struct{}{}
	local.EmptyDirs["new"] = struct{}{}

	remote := newManifest()
	remote.EmptyDirs["keep"] = struct{}{}
	remote.EmptyDirs["stale"] = struct{}{}

	cs := Diff(local, remote, false, true)
	assert.ElementsMatch(t, []string{"new"}, cs.EmptyDirsToCreate)
	assert.ElementsMatch(t, []string{"stale"}, cs.EmptyDirsToDelete)
}

func TestDiffNonStrictModeNeverDeletes(t *testing.T) {
	local := newManifest()
	local.Files["keep.txt"] = FileRecord{Path: "keep.txt", Size: 5, ModifiedTime: 100}
	local.EmptyDirs["keep"] = struct{}{}

	remote := newManifest()
	remote.Files["keep.txt"] = FileRecord{Path: "keep.txt", Size: 5, ModifiedTime: 100}
	remote.Files["gone.txt"] = FileRecord{Path: "gone.txt", Size: 1, ModifiedTime: 50}
	remote.EmptyDirs["stale"] = struct{}{}

	cs := Diff(local, remote, false, false)
	assert.Empty(t, cs.ToDelete)
	assert.Empty(t, cs.EmptyDirsToDelete)
}

func TestDiffEmptyDirsToDeleteSortedDeepestFirst(t *testing.T) {
	local := newManifest()

	remote := newManifest()
	remote.EmptyDirs["a"] = struct{}{}
	remote.EmptyDirs["a/b/c"] = struct{}{}
	remote.EmptyDirs["a/b"] = struct{}{}

	cs := Diff(local, remote, false, true)
	require.Equal(t, []string{"a/b/c", "a/b", "a"}, cs.EmptyDirsToDelete)
}

func TestGitignoreNegationUnignoresSpecificFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "*.log\n!important.log\n")
	writeFile(t, filepath.Join(root, "debug.log"), "noisy")
	writeFile(t, filepath.Join(root, "important.log"), "keep me")

	m, err := Build(root, Options{})
	require.NoError(t, err)

	assert.NotContains(t, m.Files, "debug.log")
	assert.Contains(t, m.Files, "important.log")
}
