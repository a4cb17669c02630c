package scanner

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/codectx/internal/logging"
)

func mkTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func relPaths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.RelPath
	}
	return out
}

func TestScanExtensionAllowList(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{
		"main.go":    "package main\n",
		"README.md":  "# readme\n",
		"image.png":  "not text",
		"script.PY":  "print()\n",
		"no_ext_bin": "data",
	})

	s := New([]string{".go", ".md", ".py"}, nil, logging.NewNop())
	entries, skipped, err := s.Scan(root)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.ElementsMatch(t, []string{"main.go", "README.md", "script.PY"}, relPaths(entries))
}

func TestScanPrunesExcludedDirs(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{
		"src/app.go":                 "package app\n",
		"node_modules/pkg/index.js":  "x",
		"vendor/dep/dep.go":          "package dep\n",
		".git/objects/ab/cdef":       "blob",
		"nested/node_modules/a/b.go": "package b\n",
	})

	s := New([]string{".go", ".js"}, []string{".git", "node_modules", "vendor"}, logging.NewNop())
	entries, _, err := s.Scan(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/app.go"}, relPaths(entries))
}

func TestScanHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{
		".gitignore":      "dist/\n*.gen.go\n",
		"main.go":         "package main\n",
		"dist/out.go":     "package out\n",
		"types.gen.go":    "package types\n",
		"pkg/handlers.go": "package pkg\n",
	})

	s := New([]string{".go"}, nil, logging.NewNop())
	entries, _, err := s.Scan(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", "pkg/handlers.go"}, relPaths(entries))
}

func TestScanSkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	mkTree(t, root, map[string]string{"real.go": "package real\n"})
	require.NoError(t, os.Symlink(filepath.Join(root, "real.go"), filepath.Join(root, "link.go")))

	s := New([]string{".go"}, nil, logging.NewNop())
	entries, _, err := s.Scan(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"real.go"}, relPaths(entries))
}

func TestScanMissingRoot(t *testing.T) {
	s := New([]string{".go"}, nil, logging.NewNop())
	_, _, err := s.Scan(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestScanEntryMetadata(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{"a.go": "package a\n"})

	s := New([]string{".go"}, nil, logging.NewNop())
	entries, _, err := s.Scan(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].Size)
	assert.False(t, entries[0].Mtime.IsZero())
	assert.Equal(t, filepath.Join(root, "a.go"), entries[0].AbsPath)
}

func TestShouldSkipForWatcher(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, map[string]string{".gitignore": "build/\n"})

	s := New([]string{".go"}, []string{"node_modules"}, logging.NewNop())
	assert.True(t, s.ShouldSkip(root, "build", true))
	assert.True(t, s.ShouldSkip(root, "node_modules/x", false))
	assert.False(t, s.ShouldSkip(root, "src", true))
	assert.True(t, s.AllowedExt("a.go"))
	assert.False(t, s.AllowedExt("a.rs"))
}
