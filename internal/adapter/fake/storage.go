package fake

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

// Storage is an in-memory adapter.Storage. Writing a file creates its parent
// directories.
type Storage struct {
	Recorder

	mu       sync.Mutex
	files    map[string]string
	dirs     map[string]bool
	failures map[string]error
}

var _ adapter.Storage = (*Storage)(nil)

func NewStorage() *Storage {
	return &Storage{
		files:    make(map[string]string),
		dirs:     map[string]bool{".": true},
		failures: make(map[string]error),
	}
}

// Fail makes op ("read", "write", "mkdir", "list") on p return err. An empty
// p matches every path.
func (s *Storage) Fail(op, p string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op+":"+clean(p)] = err
}

// ClearFailures removes every injected failure.
func (s *Storage) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]error)
}

// Put seeds a file without recording a call.
func (s *Storage) Put(p, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(clean(p), content)
}

// File returns the content of p without recording a call.
func (s *Storage) File(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.files[clean(p)]
	return c, ok
}

// Dir reports whether p was created as a directory.
func (s *Storage) Dir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[clean(p)]
}

// Paths returns every file and directory path, sorted.
func (s *Storage) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.files {
		out = append(out, p)
	}
	for p := range s.dirs {
		if p != "." {
			out = append(out, p+"/")
		}
	}
	sort.Strings(out)
	return out
}

func (s *Storage) Read(p string) (string, error) {
	s.record("read", p)
	s.mu.Lock()
	defer s.mu.Unlock()
	p = clean(p)
	if err := s.failure("read", p); err != nil {
		return "", err
	}
	c, ok := s.files[p]
	if !ok {
		return "", errs.Wrap(errs.ErrNotFound, "read", p)
	}
	return c, nil
}

func (s *Storage) Write(p, content string) error {
	s.record("write", p)
	s.mu.Lock()
	defer s.mu.Unlock()
	p = clean(p)
	if err := s.failure("write", p); err != nil {
		return err
	}
	s.putLocked(p, content)
	return nil
}

func (s *Storage) Exists(p string) bool {
	s.record("exists", p)
	s.mu.Lock()
	defer s.mu.Unlock()
	p = clean(p)
	_, isFile := s.files[p]
	return isFile || s.dirs[p]
}

func (s *Storage) MkdirAll(p string) error {
	s.record("mkdir", p)
	s.mu.Lock()
	defer s.mu.Unlock()
	p = clean(p)
	if err := s.failure("mkdir", p); err != nil {
		return err
	}
	s.mkdirLocked(p)
	return nil
}

func (s *Storage) List(p string) ([]adapter.Entry, error) {
	s.record("list", p)
	s.mu.Lock()
	defer s.mu.Unlock()
	p = clean(p)
	if err := s.failure("list", p); err != nil {
		return nil, err
	}
	if !s.dirs[p] {
		return nil, errs.Wrap(errs.ErrNotFound, "list", p)
	}
	seen := make(map[string]bool)
	var out []adapter.Entry
	add := func(child string, dir bool) {
		if path.Dir(child) != p || seen[child] {
			return
		}
		seen[child] = true
		out = append(out, adapter.Entry{Name: path.Base(child), IsDir: dir})
	}
	for f := range s.files {
		add(f, false)
	}
	for d := range s.dirs {
		if d != p {
			add(d, true)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Storage) failure(op, p string) error {
	if err, ok := s.failures[op+":"+p]; ok {
		return err
	}
	if err, ok := s.failures[op+":."]; ok {
		return err
	}
	return nil
}

func (s *Storage) putLocked(p, content string) {
	s.files[p] = content
	s.mkdirLocked(path.Dir(p))
}

func (s *Storage) mkdirLocked(p string) {
	for p != "." && p != "/" && !s.dirs[p] {
		s.dirs[p] = true
		p = path.Dir(p)
	}
}

func clean(p string) string {
	p = path.Clean(strings.TrimSpace(p))
	if p == "" {
		return "."
	}
	return p
}
