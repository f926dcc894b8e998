package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveRootExpandsHomeAndCreatesDirectory(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	root, err := ResolveRoot("~/relay-work")
	if err != nil {
		t.Fatalf("ResolveRoot error: %v", err)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(homeDir, "relay-work"))
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if root != want {
		t.Fatalf("ResolveRoot root = %q, want %q", root, want)
	}

	if info, statErr := os.Stat(root); statErr != nil || !info.IsDir() {
		t.Fatalf("working directory missing: %v", statErr)
	}
}

func TestResolveRootEmptyUsesProcessDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	root, err := ResolveRoot("  ")
	if err != nil {
		t.Fatalf("ResolveRoot error: %v", err)
	}

	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if root != want {
		t.Fatalf("ResolveRoot root = %q, want %q", root, want)
	}
}

func TestResolveDirEmptyReturnsRoot(t *testing.T) {
	guard := mustGuard(t)

	dir, err := guard.ResolveDir("")
	if err != nil {
		t.Fatalf("ResolveDir error: %v", err)
	}
	if dir != guard.Root() {
		t.Fatalf("ResolveDir = %q, want root %q", dir, guard.Root())
	}
}

func TestResolveDirRelativeInsideRoot(t *testing.T) {
	guard := mustGuard(t)
	if err := os.MkdirAll(filepath.Join(guard.Root(), "logs", "app"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	dir, err := guard.ResolveDir("logs/app")
	if err != nil {
		t.Fatalf("ResolveDir error: %v", err)
	}
	if want := filepath.Join(guard.Root(), "logs", "app"); dir != want {
		t.Fatalf("ResolveDir = %q, want %q", dir, want)
	}
	if rel := guard.RelPath(dir); rel != filepath.Join("logs", "app") {
		t.Fatalf("RelPath = %q", rel)
	}
}

func TestResolveDirRejectsTraversalEscape(t *testing.T) {
	guard := mustGuard(t)

	_, err := guard.ResolveDir("..")
	if CategoryFromError(err) != ErrorOutsideWorkspace {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideWorkspace)
	}
}

func TestResolveDirRejectsAbsoluteOutsideRoot(t *testing.T) {
	guard := mustGuard(t)

	_, err := guard.ResolveDir(t.TempDir())
	if CategoryFromError(err) != ErrorOutsideWorkspace {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideWorkspace)
	}
}

func TestResolveDirRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outsideDir := t.TempDir()
	if err := os.Symlink(outsideDir, filepath.Join(root, "out-link")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	guard, err := NewGuard(root, true)
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	_, err = guard.ResolveDir("out-link")
	if CategoryFromError(err) != ErrorOutsideWorkspace {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideWorkspace)
	}
}

func TestResolveDirMissingAndFile(t *testing.T) {
	guard := mustGuard(t)

	_, err := guard.ResolveDir("missing")
	if CategoryFromError(err) != ErrorPathNotFound {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorPathNotFound)
	}

	if err := os.WriteFile(filepath.Join(guard.Root(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err = guard.ResolveDir("notes.txt")
	if CategoryFromError(err) != ErrorNotDirectory {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorNotDirectory)
	}
}

func TestUnconfinedGuardAllowsOutsideDirectories(t *testing.T) {
	guard, err := NewGuard(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	outsideDir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	dir, err := guard.ResolveDir(outsideDir)
	if err != nil {
		t.Fatalf("ResolveDir error: %v", err)
	}
	if dir != outsideDir {
		t.Fatalf("ResolveDir = %q, want %q", dir, outsideDir)
	}
}

func mustGuard(t *testing.T) *Guard {
	t.Helper()

	guard, err := NewGuard(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	return guard
}

func TestResolveDirFromJoinsRelativeOverridesToBase(t *testing.T) {
	guard := mustGuard(t)
	base := filepath.Join(guard.Root(), "project")
	if err := os.MkdirAll(filepath.Join(base, "build"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(guard.Root(), "build"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	dir, err := guard.ResolveDirFrom(base, "build")
	if err != nil {
		t.Fatalf("ResolveDirFrom error: %v", err)
	}
	if want := filepath.Join(base, "build"); dir != want {
		t.Fatalf("ResolveDirFrom = %q, want %q", dir, want)
	}
	if rel := guard.RelPath(dir); rel != filepath.Join("project", "build") {
		t.Fatalf("RelPath = %q", rel)
	}

	if dir, err := guard.ResolveDirFrom(base, ""); err != nil || dir != base {
		t.Fatalf("empty override = %q, %v; want base", dir, err)
	}
	if _, err := guard.ResolveDirFrom(base, "../../.."); CategoryFromError(err) != ErrorOutsideWorkspace {
		t.Fatalf("expected %s for escape from base, got %v", ErrorOutsideWorkspace, err)
	}
}
