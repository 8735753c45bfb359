// Package vault is the knowledge store: plain markdown files under one root
// directory. Every path is resolved inside the root; traversal and symlink
// escapes are refused.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxReadBytes   = 1 * 1024 * 1024 // 1 MB
	maxListEntries = 500
)

// ErrEscape is returned for paths that resolve outside the vault.
var ErrEscape = errors.New("vault: path escapes vault root")

// FileInfo describes a single directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Vault is a sandboxed directory tree rooted at root.
type Vault struct {
	root string
}

// Open returns a Vault rooted at dir, creating the directory if needed.
func Open(dir string) (*Vault, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("vault: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("vault: create root dir: %w", err)
	}
	// Resolve symlinks in root to prevent bypass.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("vault: eval symlinks on root: %w", err)
	}
	return &Vault{root: resolved}, nil
}

// Root returns the absolute, symlink-free vault root.
func (v *Vault) Root() string { return v.root }

// Abs resolves a vault-relative (or absolute, in-vault) path.
func (v *Vault) Abs(path string) (string, error) {
	return v.resolve(path)
}

// Rel converts a path to its slash-separated vault-relative form.
func (v *Vault) Rel(path string) (string, error) {
	resolved, err := v.resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(v.root, resolved)
	if err != nil {
		return "", fmt.Errorf("vault: relative path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func (v *Vault) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("vault: empty path")
	}
	cleaned := filepath.Clean(filepath.FromSlash(path))
	full := cleaned
	if !filepath.IsAbs(cleaned) {
		full = filepath.Join(v.root, cleaned)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("vault: resolve path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// New files and directories: resolve the deepest existing ancestor.
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("vault: resolve symlinks: %w", err)
		}
	}
	if resolved != v.root && !strings.HasPrefix(resolved, v.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrEscape, path)
	}
	return resolved, nil
}

// evalSymlinksPartial walks up from path until it finds an existing ancestor,
// resolves symlinks on that ancestor, then re-appends the remaining segments.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

// Exists reports whether path exists inside the vault.
func (v *Vault) Exists(path string) bool {
	resolved, err := v.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

// Read returns a file's contents (max 1 MB). Missing files wrap fs.ErrNotExist.
func (v *Vault) Read(path string) (string, error) {
	resolved, err := v.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("vault: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("vault: %s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("vault: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("vault: read %s: %w", path, err)
	}
	return string(data), nil
}

// Write replaces a file atomically (temp file + rename), creating parents.
func (v *Vault) Write(path, content string) error {
	resolved, err := v.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vault: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vault: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: close temp: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: rename: %w", err)
	}
	return nil
}

// Append appends to a file, creating it if needed.
func (v *Vault) Append(path, content string) error {
	resolved, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("vault: mkdir: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("vault: open append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("vault: append: %w", err)
	}
	return nil
}

// MkdirAll creates a directory and its parents.
func (v *Vault) MkdirAll(dir string) error {
	resolved, err := v.resolve(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return fmt.Errorf("vault: mkdir %s: %w", dir, err)
	}
	return nil
}

// List returns directory entries (max 500).
func (v *Vault) List(dir string) ([]FileInfo, error) {
	resolved, err := v.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("vault: read dir: %w", err)
	}
	var result []FileInfo
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		result = append(result, FileInfo{Name: entry.Name(), IsDir: entry.IsDir(), Size: size})
	}
	return result, nil
}

// Delete removes a single file. Directories are never deleted.
func (v *Vault) Delete(path string) error {
	resolved, err := v.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("vault: stat: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("vault: cannot delete directory")
	}
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("vault: remove: %w", err)
	}
	return nil
}

// IsNotExist reports whether err means a missing file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
