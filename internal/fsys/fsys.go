// Package fsys implements adapter.Storage on the local filesystem. Relative
// paths resolve against the root; paths may not escape it.
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

type Storage struct {
	root string
}

var _ adapter.Storage = (*Storage)(nil)

func New(root string) *Storage {
	return &Storage{root: filepath.Clean(root)}
}

func (s *Storage) Read(path string) (string, error) {
	p, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", errs.Wrap(classify(err, errs.ErrReadFailed), "read", p)
	}
	return string(data), nil
}

// Write replaces the file at path, creating parent directories.
func (s *Storage) Write(path, content string) error {
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errs.Wrap(classify(err, errs.ErrWriteFailed), "write", p)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return errs.Wrap(classify(err, errs.ErrWriteFailed), "write", p)
	}
	return nil
}

func (s *Storage) Exists(path string) bool {
	p, err := s.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// MkdirAll succeeds when the directory already exists.
func (s *Storage) MkdirAll(path string) error {
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return errs.Wrap(classify(err, errs.ErrWriteFailed), "mkdir", p)
	}
	return nil
}

func (s *Storage) List(path string) ([]adapter.Entry, error) {
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, errs.Wrap(classify(err, errs.ErrReadFailed), "list", p)
	}
	out := make([]adapter.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, adapter.Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Storage) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errs.Wrap(errs.ErrInvalidPath, "resolve", path)
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Wrap(errs.ErrInvalidPath, "resolve", path)
	}
	return p, nil
}

func classify(err, fallback error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}
