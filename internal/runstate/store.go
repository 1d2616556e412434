// Package runstate persists one RunState record per feature as
// <specs dir>/<slug>/state.toml.
package runstate

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
)

// FileStore reads and writes run-state records on the local filesystem.
// Writes to the same slug are serialized.
type FileStore struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a store rooted at the specs directory.
func New(root string) *FileStore {
	return &FileStore{
		root:  root,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the time source used for timestamps.
func (s *FileStore) SetClock(now func() time.Time) {
	s.now = now
}

// Dir returns the feature directory for slug.
func (s *FileStore) Dir(slug string) string {
	return filepath.Join(s.root, slug)
}

// Path returns the record path for slug.
func (s *FileStore) Path(slug string) string {
	return filepath.Join(s.root, slug, models.StateFile)
}

// Exists reports whether a record is present for slug, damaged or not.
func (s *FileStore) Exists(slug string) bool {
	if models.ValidateSlug(slug) != nil {
		return false
	}
	_, err := os.Stat(s.Path(slug))
	return err == nil
}

// IsNotFound reports whether err means the feature has never been started.
func IsNotFound(err error) bool {
	return errors.Is(err, errs.ErrFeatureNotFound) || errors.Is(err, errs.ErrMissingState)
}

// Load reads the record for slug. A feature directory without a record
// yields errs.ErrMissingState, no directory at all errs.ErrFeatureNotFound,
// and a record that cannot be decoded or fails validation
// errs.ErrCorruptedState.
func (s *FileStore) Load(slug string) (*models.RunState, error) {
	if err := models.ValidateSlug(slug); err != nil {
		return nil, err
	}
	lock := s.lock(slug)
	lock.Lock()
	defer lock.Unlock()
	return s.load(slug)
}

func (s *FileStore) load(slug string) (*models.RunState, error) {
	path := s.Path(slug)
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if _, statErr := os.Stat(s.Dir(slug)); statErr == nil {
				return nil, errs.Wrap(errs.ErrMissingState, "load run state", path)
			}
			return nil, errs.Wrap(errs.ErrFeatureNotFound, "load run state", slug)
		case errors.Is(err, fs.ErrPermission):
			return nil, errs.Wrap(errs.ErrPermissionDenied, "load run state", path)
		default:
			return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrReadFailed, err), "load run state", path)
		}
	}
	state, err := decode(data, slug)
	if err != nil {
		return nil, errs.Wrap(err, "load run state", path)
	}
	return state, nil
}

// Create writes the initial record for slug. It fails with
// errs.ErrFeatureExists if a record is already present.
func (s *FileStore) Create(slug string) (*models.RunState, error) {
	if err := models.ValidateSlug(slug); err != nil {
		return nil, err
	}
	lock := s.lock(slug)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.Dir(slug), 0o755); err != nil {
		return nil, errs.Wrap(ioErr(err, errs.ErrWriteFailed), "create feature directory", s.Dir(slug))
	}
	state := models.NewRunState(slug, s.now().UTC())
	if err := s.write(state, false); err != nil {
		return nil, err
	}
	return state, nil
}

// Save atomically replaces the record for state.FeatureSlug and stamps
// UpdatedAt.
func (s *FileStore) Save(state *models.RunState) error {
	if err := models.ValidateSlug(state.FeatureSlug); err != nil {
		return err
	}
	if err := validate(state); err != nil {
		return errs.Wrap(err, "save run state", state.FeatureSlug)
	}
	lock := s.lock(state.FeatureSlug)
	lock.Lock()
	defer lock.Unlock()

	state.UpdatedAt = s.now().UTC()
	return s.write(state, true)
}

// Archive moves a damaged record aside so a fresh one can be created. It
// returns the archive path.
func (s *FileStore) Archive(slug string) (string, error) {
	if err := models.ValidateSlug(slug); err != nil {
		return "", err
	}
	lock := s.lock(slug)
	lock.Lock()
	defer lock.Unlock()

	src := s.Path(slug)
	dst := fmt.Sprintf("%s.corrupt-%s", src, s.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(src, dst); err != nil {
		return "", errs.Wrap(ioErr(err, errs.ErrWriteFailed), "archive run state", src)
	}
	return dst, nil
}

// List returns the slugs that have a record, sorted.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Wrap(ioErr(err, errs.ErrReadFailed), "list features", s.root)
	}
	var slugs []string
	for _, e := range entries {
		if !e.IsDir() || models.ValidateSlug(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(s.Path(e.Name())); err == nil {
			slugs = append(slugs, e.Name())
		}
	}
	sort.Strings(slugs)
	return slugs, nil
}

// Remove deletes the feature directory, including its spec documents.
func (s *FileStore) Remove(slug string) error {
	if err := models.ValidateSlug(slug); err != nil {
		return err
	}
	lock := s.lock(slug)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.Dir(slug)); err != nil {
		return errs.Wrap(ioErr(err, errs.ErrWriteFailed), "remove feature", s.Dir(slug))
	}
	return nil
}

// write encodes state into a temp file beside the record, syncs it and then
// renames it into place. With replace unset the final step is a hard link,
// which fails if a record already exists.
func (s *FileStore) write(state *models.RunState, replace bool) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(state); err != nil {
		return errs.Wrap(fmt.Errorf("%w: %v", errs.ErrWriteFailed, err), "encode run state", state.FeatureSlug)
	}

	dir := s.Dir(state.FeatureSlug)
	path := s.Path(state.FeatureSlug)
	tmp, err := os.CreateTemp(dir, "."+models.StateFile+".tmp-*")
	if err != nil {
		return errs.Wrap(ioErr(err, errs.ErrWriteFailed), "save run state", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errs.Wrap(ioErr(err, errs.ErrWriteFailed), "save run state", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(ioErr(err, errs.ErrWriteFailed), "sync run state", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(ioErr(err, errs.ErrWriteFailed), "save run state", tmpName)
	}

	if replace {
		err = os.Rename(tmpName, path)
	} else {
		err = os.Link(tmpName, path)
		if errors.Is(err, fs.ErrExist) {
			return errs.Wrap(errs.ErrFeatureExists, "create run state", state.FeatureSlug)
		}
	}
	if err != nil {
		return errs.Wrap(ioErr(err, errs.ErrWriteFailed), "save run state", path)
	}
	return syncDir(dir)
}

func (s *FileStore) lock(slug string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[slug]
	if !ok {
		l = &sync.Mutex{}
		s.locks[slug] = l
	}
	return l
}

func decode(data []byte, slug string) (*models.RunState, error) {
	var state models.RunState
	md, err := toml.Decode(string(data), &state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptedState, err)
	}
	for _, key := range []string{"feature_slug", "phase", "step", "turns", "cost_usd"} {
		if !md.IsDefined(key) {
			return nil, fmt.Errorf("%w: missing field %q", errs.ErrCorruptedState, key)
		}
	}
	if state.FeatureSlug != slug {
		return nil, fmt.Errorf("%w: record belongs to %q", errs.ErrCorruptedState, state.FeatureSlug)
	}
	if err := validate(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

func validate(state *models.RunState) error {
	if !state.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", errs.ErrCorruptedState, state.Phase)
	}
	if state.Step < 0 || state.Turns < 0 || state.CostUSD < 0 {
		return fmt.Errorf("%w: negative counter", errs.ErrCorruptedState)
	}
	if state.Workflow != "" {
		if _, err := state.Workflow.Target(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrCorruptedState, err)
		}
	}
	if state.Failure != nil && state.Failure.Message == "" {
		return fmt.Errorf("%w: failure marker without message", errs.ErrCorruptedState)
	}
	return nil
}

func ioErr(err, fallback error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}

// syncDir flushes the rename. Filesystems that cannot fsync a directory are
// tolerated.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
