// Package storage confines the server's file access to configured
// directories. HLS output is written and served through a Sandbox, so a
// crafted channel key or request path can never reach outside its root.
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox roots all file operations at a single directory. Every path
// handed to its methods is relative to that root; absolute paths and
// paths that climb out of the root are rejected.
type Sandbox struct {
	root string
}

// NewSandbox creates the root directory if needed and returns a sandbox
// over it.
func NewSandbox(dir string) (*Sandbox, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	return &Sandbox{root: root}, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// SubSandbox returns a sandbox rooted at a subdirectory of this one.
func (s *Sandbox) SubSandbox(rel string) (*Sandbox, error) {
	dir, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return NewSandbox(dir)
}

// Resolve maps a root-relative path to an absolute one.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed: %s", rel)
	}
	abs := filepath.Join(s.root, rel)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox: %s", rel)
	}
	return abs, nil
}

// Exists reports whether the path exists under the root.
func (s *Sandbox) Exists(rel string) (bool, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", rel, err)
	}
	return true, nil
}

// Stat returns file info for a path under the root.
func (s *Sandbox) Stat(rel string) (os.FileInfo, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// List returns the directory entries at a path under the root.
func (s *Sandbox) List(rel string) ([]os.DirEntry, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	}
	return entries, nil
}

// MkdirAll creates a directory and any missing parents under the root.
func (s *Sandbox) MkdirAll(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", rel, err)
	}
	return nil
}

// WriteFile writes data to a file under the root, creating parent
// directories as needed.
func (s *Sandbox) WriteFile(rel string, data []byte) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, data, 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// ReadFile reads a file under the root.
func (s *Sandbox) ReadFile(rel string) ([]byte, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, nil
}

// Open opens a file under the root for reading. The caller closes it.
func (s *Sandbox) Open(rel string) (*os.File, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// Remove removes a file or empty directory under the root.
func (s *Sandbox) Remove(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

// RemoveAll removes a path and everything under it. Removing the root
// itself is refused.
func (s *Sandbox) RemoveAll(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("refusing to remove sandbox root")
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

// UsedBytes sums the sizes of regular files under the root. Entries that
// vanish mid-walk are skipped; the encoder deletes expired segments
// while this runs.
func (s *Sandbox) UsedBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring sandbox usage: %w", err)
	}
	return total, nil
}
