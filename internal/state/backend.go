package state

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/picklr-io/tierctl/internal/ir"
)

// DefaultDir is where local state lives, relative to the project directory.
const DefaultDir = ".tierctl"

// Store records the last applied state of each resource id.
type Store interface {
	// Get returns the stored state for id, or nil if none is recorded.
	Get(ctx context.Context, id string) (*ir.ResourceState, error)

	// Put records rs durably before returning.
	Put(ctx context.Context, rs *ir.ResourceState) error

	// Delete forgets id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns every stored resource, ordered by id.
	List(ctx context.Context) ([]*ir.ResourceState, error)

	// Lock reserves ids for owner. It fails with *ConcurrentPlanError if
	// another holder has reserved any of them.
	Lock(ctx context.Context, owner string, ids []string) (Unlock, error)

	Close() error
}

// Unlock releases a lock obtained from Store.Lock.
type Unlock func() error

// ConcurrentPlanError reports that another run holds some of the requested ids.
type ConcurrentPlanError struct {
	Holder string
	IDs    []string
}

func (e *ConcurrentPlanError) Error() string {
	holder := e.Holder
	if holder == "" {
		holder = "another run"
	}
	return fmt.Sprintf("concurrent plan: %s holds the lock for %s", holder, strings.Join(e.IDs, ", "))
}

// NewStore creates a state store from configuration. Relative paths are
// resolved against dir.
func NewStore(ctx context.Context, cfg ir.StateConfig, dir string) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(DefaultDir, "state.json")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return NewFileStore(path), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(DefaultDir, "state.db")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return NewSQLiteStore(ctx, path)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown state store type: %s", cfg.Type)
	}
}

// lockSet tracks id reservations for stores that lock in process.
type lockSet struct {
	holders map[string]string // id -> owner
}

func newLockSet() *lockSet {
	return &lockSet{holders: make(map[string]string)}
}

// acquire reserves ids for owner or returns the contended ids.
// Callers serialize access.
func (l *lockSet) acquire(owner string, ids []string) error {
	var contended []string
	holder := ""
	for _, id := range ids {
		if h, ok := l.holders[id]; ok && h != owner {
			contended = append(contended, id)
			holder = h
		}
	}
	if len(contended) > 0 {
		slices.Sort(contended)
		return &ConcurrentPlanError{Holder: holder, IDs: contended}
	}
	for _, id := range ids {
		l.holders[id] = owner
	}
	return nil
}

func (l *lockSet) release(owner string, ids []string) {
	for _, id := range ids {
		if l.holders[id] == owner {
			delete(l.holders, id)
		}
	}
}
