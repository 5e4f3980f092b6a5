// Package storage provides sandboxed file operations and durable storage for
// original uploads. All local file operations are restricted to configured
// directories so request-derived names cannot escape them.
package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a relative path resolves outside the sandbox.
var ErrPathEscapes = errors.New("path escapes sandbox")

// Sandbox provides file operations within a base directory.
type Sandbox struct {
	baseDir string
}

// NewSandbox creates a new Sandbox rooted at the given base directory.
// The base directory is created if it doesn't exist.
func NewSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute path to the sandbox base directory.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath resolves a relative path within the sandbox.
// Absolute paths and paths that clean to somewhere outside the base directory
// are rejected with ErrPathEscapes.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s (absolute paths not allowed)", ErrPathEscapes, relativePath)
	}

	absPath := filepath.Join(s.baseDir, filepath.Clean(relativePath))
	if !strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator)) && absPath != s.baseDir {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, relativePath)
	}

	return absPath, nil
}

// Contain resolves a file reference that may be absolute or relative to the
// sandbox. Unlike ResolvePath it accepts absolute paths, provided they lie
// under the base directory once symlinks are followed.
func (s *Sandbox) Contain(ref string) (string, error) {
	rel := ref
	if filepath.IsAbs(ref) {
		var err error
		if rel, err = filepath.Rel(s.baseDir, filepath.Clean(ref)); err != nil {
			return "", fmt.Errorf("%w: %s", ErrPathEscapes, ref)
		}
	}
	path, err := s.ResolvePath(rel)
	if err != nil {
		return "", err
	}

	target, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving symlinks: %w", err)
	}
	base, err := filepath.EvalSymlinks(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks: %w", err)
	}
	if target != base && !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, ref)
	}
	return path, nil
}

// Exists checks if a path exists within the sandbox.
func (s *Sandbox) Exists(relativePath string) (bool, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking path: %w", err)
	}
	return true, nil
}

// Open opens a regular file for reading. Directories are reported as
// os.ErrNotExist so callers can treat them like missing files.
func (s *Sandbox) Open(relativePath string) (*os.File, os.FileInfo, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("getting file info: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("opening file: %s: %w", relativePath, os.ErrNotExist)
	}
	return f, info, nil
}

// ReadFile reads a file from within the sandbox.
func (s *Sandbox) ReadFile(relativePath string) ([]byte, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// List returns the entries of a directory within the sandbox.
func (s *Sandbox) List(relativePath string) ([]os.DirEntry, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	return entries, nil
}

// Remove removes a single file within the sandbox.
func (s *Sandbox) Remove(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// RemoveAll removes a path and all its contents within the sandbox.
func (s *Sandbox) RemoveAll(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}

	if path == s.baseDir {
		return fmt.Errorf("cannot remove sandbox base directory")
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// AtomicWrite writes data to a file atomically within the sandbox.
// It writes to a temporary file first, then renames it over the target.
func (s *Sandbox) AtomicWrite(relativePath string, data []byte) error {
	tempPath, targetPath, err := s.writeTemp(relativePath, bytes.NewReader(data))
	if err != nil {
		return err
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// WriteNew streams r into a new file at relativePath. If the name is taken,
// a random suffix is inserted before the extension. The file only appears
// under its final name once fully written, and an existing file is never
// replaced. It returns the relative path actually used.
func (s *Sandbox) WriteNew(relativePath string, r io.Reader) (string, error) {
	tempPath, targetPath, err := s.writeTemp(relativePath, r)
	if err != nil {
		return "", err
	}
	defer os.Remove(tempPath)

	const maxAttempts = 8
	candidate := relativePath
	for range maxAttempts {
		// Link fails with ErrExist instead of clobbering a concurrent writer's file.
		if err := os.Link(tempPath, targetPath); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("publishing file: %w", err)
		}

		ext := filepath.Ext(relativePath)
		candidate = strings.TrimSuffix(relativePath, ext) + "-" + randomHex(6) + ext
		if targetPath, err = s.ResolvePath(candidate); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("publishing file: no free name for %s", relativePath)
}

func (s *Sandbox) writeTemp(relativePath string, r io.Reader) (tempPath, targetPath string, err error) {
	targetPath, err = s.ResolvePath(relativePath)
	if err != nil {
		return "", "", err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("creating parent directory: %w", err)
	}

	tempPath = filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(targetPath), randomHex(8)))
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", "", fmt.Errorf("creating temporary file: %w", err)
	}

	_, err = io.Copy(tempFile, r)
	closeErr := tempFile.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", "", fmt.Errorf("writing to temporary file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return "", "", fmt.Errorf("closing temporary file: %w", closeErr)
	}
	return tempPath, targetPath, nil
}

// IsTempFile reports whether name looks like a temporary file left by an
// interrupted write.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}

func randomHex(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(b)[:n]
}
