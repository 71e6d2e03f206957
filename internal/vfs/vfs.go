// Package vfs provides a filesystem sandbox rooted at a fixed
// directory: every path is resolved relative to that root and
// traversal outside it is rejected, used for agent sandbox_dir
// provisioning.
package vfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// VFS is a filesystem view rooted at a specific directory.
type VFS struct {
	root     string
	readonly bool
}

// New initializes a VFS rooted at root, creating it if necessary.
func New(root string, readonly bool) (*VFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vfs: invalid root path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("vfs: create root: %w", err)
	}
	return &VFS{root: abs, readonly: readonly}, nil
}

func (v *VFS) Root() string       { return v.root }
func (v *VFS) IsReadOnly() bool   { return v.readonly }

func (v *VFS) validatePath(parts ...string) (string, error) {
	rel := filepath.Join(parts...)
	if strings.Contains(rel, "..") {
		return "", fmt.Errorf("vfs: path traversal not allowed: %s", rel)
	}
	abs := filepath.Clean(filepath.Join(v.root, rel))
	if !strings.HasPrefix(abs, v.root) {
		return "", fmt.Errorf("vfs: path outside root: %s", rel)
	}
	return abs, nil
}

func (v *VFS) Path(parts ...string) (string, error) { return v.validatePath(parts...) }

func (v *VFS) Read(parts ...string) ([]byte, error) {
	path, err := v.validatePath(parts...)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (v *VFS) Write(content []byte, parts ...string) error {
	if v.readonly {
		return fmt.Errorf("vfs: read-only")
	}
	path, err := v.validatePath(parts...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vfs: create directory: %w", err)
	}
	return os.WriteFile(path, content, 0o644)
}

func (v *VFS) Delete(parts ...string) error {
	if v.readonly {
		return fmt.Errorf("vfs: read-only")
	}
	path, err := v.validatePath(parts...)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func (v *VFS) Exists(parts ...string) bool {
	path, err := v.validatePath(parts...)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (v *VFS) Mkdir(parts ...string) error {
	if v.readonly {
		return fmt.Errorf("vfs: read-only")
	}
	path, err := v.validatePath(parts...)
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0o755)
}

func (v *VFS) List(parts ...string) ([]os.FileInfo, error) {
	path, err := v.validatePath(parts...)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, len(entries))
	for i, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}
	return infos, nil
}

func (v *VFS) Copy(srcParts, dstParts []string) error {
	if v.readonly {
		return fmt.Errorf("vfs: read-only")
	}
	srcPath, err := v.validatePath(srcParts...)
	if err != nil {
		return err
	}
	dstPath, err := v.validatePath(dstParts...)
	if err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (v *VFS) Stat(parts ...string) (os.FileInfo, error) {
	path, err := v.validatePath(parts...)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}
