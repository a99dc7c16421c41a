// Package mock provides an in-memory test double for [profilestore.Store].
//
// The mock records every call and exposes exported *Err fields that force
// the corresponding method to fail. It is safe for concurrent use.
//
//	store := mock.NewStore()
//	store.LoadErr = errors.New("db down")
//	// inject store into the system under test …
//	if got := store.CallCount("Load"); got != 1 { … }
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/nearfield/internal/profilestore"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a map-backed [profilestore.Store].
type Store struct {
	mu       sync.Mutex
	calls    []Call
	profiles map[string]profilestore.Profile
	closed   bool

	SaveErr    error
	LoadErr    error
	ListErr    error
	DeleteErr  error
	NearestErr error
}

var _ profilestore.Store = (*Store)(nil)

// NewStore returns an empty mock store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]profilestore.Profile)}
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (m *Store) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Put seeds a profile without recording a call.
func (m *Store) Put(name string, snap targetlock.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[name] = profilestore.Profile{Name: name, Snapshot: snap, UpdatedAt: time.Now()}
}

// Save implements [profilestore.Store].
func (m *Store) Save(_ context.Context, name string, snap targetlock.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Save", name, snap)
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.profiles[name] = profilestore.Profile{Name: name, Snapshot: snap, UpdatedAt: time.Now()}
	return nil
}

// Load implements [profilestore.Store].
func (m *Store) Load(_ context.Context, name string) (profilestore.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Load", name)
	if m.LoadErr != nil {
		return profilestore.Profile{}, m.LoadErr
	}
	p, ok := m.profiles[name]
	if !ok {
		return profilestore.Profile{}, fmt.Errorf("%w: %q", profilestore.ErrNotFound, name)
	}
	return p, nil
}

// List implements [profilestore.Store].
func (m *Store) List(context.Context) ([]profilestore.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("List")
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return m.sorted(), nil
}

func (m *Store) sorted() []profilestore.Profile {
	out := make([]profilestore.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b profilestore.Profile) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Delete implements [profilestore.Store].
func (m *Store) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Delete", name)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if _, ok := m.profiles[name]; !ok {
		return fmt.Errorf("%w: %q", profilestore.ErrNotFound, name)
	}
	delete(m.profiles, name)
	return nil
}

// Nearest implements [profilestore.Store].
func (m *Store) Nearest(_ context.Context, vec []float32, k int) ([]profilestore.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Nearest", vec, k)
	if m.NearestErr != nil {
		return nil, m.NearestErr
	}
	var out []profilestore.Match
	for _, p := range m.sorted() {
		out = append(out, profilestore.Match{Profile: p, Distance: profilestore.Distance(vec, p.Snapshot.Vector())})
	}
	slices.SortStableFunc(out, func(a, b profilestore.Match) int { return cmp.Compare(a.Distance, b.Distance) })
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Close implements [profilestore.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	m.closed = true
	return nil
}
