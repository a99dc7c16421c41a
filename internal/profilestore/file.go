package profilestore

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/nearfield/pkg/targetlock"
)

const fileExt = ".yaml"

// document is the on-disk form of a profile.
type document struct {
	Name      string              `yaml:"name"`
	UpdatedAt time.Time           `yaml:"updated_at"`
	Profile   targetlock.Snapshot `yaml:"profile"`
}

// FileStore keeps each profile as <name>.yaml in a directory. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partial document.
type FileStore struct {
	dir string
	now func() time.Time

	// mu serialises writers; readers rely on the atomic rename.
	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir, creating the directory when it
// does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("profilestore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("profilestore: create dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

// Save implements [Store].
func (s *FileStore) Save(ctx context.Context, name string, snap targetlock.Snapshot) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := yaml.Marshal(document{Name: name, UpdatedAt: s.now().UTC(), Profile: snap})
	if err != nil {
		return fmt.Errorf("profilestore: save %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("profilestore: save %q: %w", name, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("profilestore: save %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profilestore: save %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		return fmt.Errorf("profilestore: save %q: %w", name, err)
	}
	return nil
}

// Load implements [Store].
func (s *FileStore) Load(ctx context.Context, name string) (Profile, error) {
	if err := ValidateName(name); err != nil {
		return Profile{}, err
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	return s.read(name)
}

func (s *FileStore) read(name string) (Profile, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profilestore: load %q: %w", name, err)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Profile{}, fmt.Errorf("profilestore: decode %q: %w", name, err)
	}
	return Profile{Name: name, Snapshot: doc.Profile, UpdatedAt: doc.UpdatedAt}, nil
}

// List implements [Store]. Files that fail to decode are skipped.
func (s *FileStore) List(ctx context.Context) ([]Profile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("profilestore: list: %w", err)
	}
	out := make([]Profile, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fn := e.Name()
		if e.IsDir() || !strings.HasSuffix(fn, fileExt) {
			continue
		}
		name := strings.TrimSuffix(fn, fileExt)
		if ValidateName(name) != nil {
			continue
		}
		p, err := s.read(name)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Profile) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// Delete implements [Store].
func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("profilestore: delete %q: %w", name, err)
	}
	return nil
}

// Nearest implements [Store] with a linear scan.
func (s *FileStore) Nearest(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if err := CheckVector(vec); err != nil {
		return nil, err
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(all))
	for _, p := range all {
		matches = append(matches, Match{Profile: p, Distance: Distance(vec, p.Snapshot.Vector())})
	}
	slices.SortStableFunc(matches, func(a, b Match) int { return cmp.Compare(a.Distance, b.Distance) })
	if k < 0 {
		k = 0
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Close implements [Store]. It is a no-op.
func (s *FileStore) Close() error { return nil }
