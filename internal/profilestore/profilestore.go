// Package profilestore persists learned target speaker profiles so a session
// can start with the lock already trained.
//
// Two backends are provided: [FileStore] keeps one YAML document per profile
// in a directory, and the postgres subpackage keeps profiles in a table with
// a pgvector column for nearest-profile recall. [Instrument] wraps either one
// with tracing and metrics.
package profilestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/MrWong99/nearfield/pkg/targetlock"
)

var (
	// ErrNotFound is returned when no profile with the requested name exists.
	ErrNotFound = errors.New("profilestore: profile not found")

	// ErrInvalidName is returned for names that are empty, too long or contain
	// characters outside [A-Za-z0-9._-].
	ErrInvalidName = errors.New("profilestore: invalid profile name")
)

// Dimensions is the length of a profile feature vector.
const Dimensions = 3

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,63}$`)

// ValidateName reports whether name may be used as a profile key.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Profile is a stored snapshot.
type Profile struct {
	Name      string
	Snapshot  targetlock.Snapshot
	UpdatedAt time.Time
}

// Match is a profile returned by a nearest-neighbour query together with the
// euclidean distance between its feature vector and the query vector.
type Match struct {
	Profile
	Distance float64
}

// Store persists profiles by name. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save creates or replaces the named profile.
	Save(ctx context.Context, name string, snap targetlock.Snapshot) error

	// Load returns the named profile or [ErrNotFound].
	Load(ctx context.Context, name string) (Profile, error)

	// List returns all profiles ordered by name.
	List(ctx context.Context) ([]Profile, error)

	// Delete removes the named profile. Deleting a missing profile returns
	// [ErrNotFound].
	Delete(ctx context.Context, name string) error

	// Nearest returns up to k profiles ordered by ascending distance between
	// their feature vector and vec.
	Nearest(ctx context.Context, vec []float32, k int) ([]Match, error)

	// Close releases the store's resources.
	Close() error
}

// Distance is the euclidean distance between two feature vectors. Missing
// trailing components count as zero.
func Distance(a, b []float32) float64 {
	n := max(len(a), len(b))
	var sum float64
	for i := range n {
		var x, y float64
		if i < len(a) {
			x = float64(a[i])
		}
		if i < len(b) {
			y = float64(b[i])
		}
		sum += (x - y) * (x - y)
	}
	return math.Sqrt(sum)
}

// CheckVector rejects query vectors that cannot be compared against stored
// profiles.
func CheckVector(vec []float32) error {
	if len(vec) != Dimensions {
		return fmt.Errorf("profilestore: vector has %d dimensions, want %d", len(vec), Dimensions)
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.New("profilestore: vector has non-finite component")
		}
	}
	return nil
}
