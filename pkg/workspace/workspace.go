// Package workspace resolves the executor working directory and confines
// per-command directory overrides to it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard resolves command directories against the working directory root.
type Guard struct {
	rootPath string
	confine  bool
}

// NewGuard resolves the working directory. With confine set, overrides must stay inside it.
func NewGuard(workingDir string, confine bool) (*Guard, error) {
	resolved, err := ResolveRoot(workingDir)
	if err != nil {
		return nil, err
	}

	return &Guard{rootPath: resolved, confine: confine}, nil
}

// ResolveRoot normalizes the configured working directory and creates it when
// missing. An empty value means the process working directory.
func ResolveRoot(workingDir string) (string, error) {
	trimmed := strings.TrimSpace(workingDir)
	if trimmed == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve current directory: %w", err)
		}
		trimmed = cwd
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute working directory: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", NormalizeIOError(err, "resolve working directory")
	}

	return filepath.Clean(resolved), nil
}

// Root returns the absolute working directory.
func (g *Guard) Root() string {
	if g == nil {
		return ""
	}

	return g.rootPath
}

// ResolveDir resolves override against the root.
func (g *Guard) ResolveDir(override string) (string, error) {
	return g.ResolveDirFrom("", override)
}

// ResolveDirFrom returns the directory a command should run in. An empty
// override means base, and an empty base means the root. Relative overrides
// are joined to base; the result must be an existing directory and, when
// confined, inside the root.
func (g *Guard) ResolveDirFrom(base string, override string) (string, error) {
	if g == nil {
		return "", NewError(ErrorIO, "workspace guard is nil")
	}
	if strings.TrimSpace(base) == "" {
		base = g.rootPath
	}

	trimmed := strings.TrimSpace(override)
	if trimmed == "" {
		return base, nil
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", NewError(ErrorInvalidPath, "home directory could not be resolved")
	}

	candidate := expanded
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(base, candidate)
	}

	evaluated, err := filepath.EvalSymlinks(filepath.Clean(candidate))
	if err != nil {
		return "", NormalizeIOError(err, "resolve command directory")
	}
	effectivePath := filepath.Clean(evaluated)

	if g.confine && !isWithin(g.rootPath, effectivePath) {
		return "", NewError(ErrorOutsideWorkspace, "directory escapes the working directory")
	}

	info, err := os.Stat(effectivePath)
	if err != nil {
		return "", NormalizeIOError(err, "stat command directory")
	}
	if !info.IsDir() {
		return "", NewError(ErrorNotDirectory, "not a directory")
	}

	return effectivePath, nil
}

// RelPath returns a root-relative path when representable.
func (g *Guard) RelPath(path string) string {
	if g == nil {
		return filepath.Clean(path)
	}

	rel, err := filepath.Rel(g.rootPath, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return filepath.Clean(path)
	}
	if rel == "." {
		return "."
	}

	return filepath.Clean(rel)
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." {
		return false
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
