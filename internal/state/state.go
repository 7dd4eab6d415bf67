package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/picklr-io/tierctl/internal/ir"
)

const stateVersion = 1

// FileStore keeps state in a single JSON document on local disk. Every
// write replaces the document with an atomic rename.
type FileStore struct {
	path string

	mu     sync.Mutex
	enc    *Encrypter
	encErr error
}

// NewFileStore creates a store at path, encrypting with the key from
// TIERCTL_STATE_ENCRYPTION_KEY when set.
func NewFileStore(path string) *FileStore {
	enc, err := EncrypterFromEnv()
	return &FileStore{path: path, enc: enc, encErr: err}
}

// NewFileStoreWithEncrypter creates a store that seals documents with enc.
func NewFileStoreWithEncrypter(path string, enc *Encrypter) *FileStore {
	return &FileStore{path: path, enc: enc}
}

// Path returns the state document path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(_ context.Context, id string) (*ir.ResourceState, error) {
	st, err := f.read()
	if err != nil {
		return nil, err
	}
	for _, rs := range st.Resources {
		if rs.ID == id {
			return rs.Clone(), nil
		}
	}
	return nil, nil
}

func (f *FileStore) Put(_ context.Context, rs *ir.ResourceState) error {
	return f.update(func(st *ir.State) {
		for i, existing := range st.Resources {
			if existing.ID == rs.ID {
				st.Resources[i] = rs.Clone()
				return
			}
		}
		st.Resources = append(st.Resources, rs.Clone())
	})
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	return f.update(func(st *ir.State) {
		for i, existing := range st.Resources {
			if existing.ID == id {
				st.Resources = append(st.Resources[:i], st.Resources[i+1:]...)
				return
			}
		}
	})
}

func (f *FileStore) List(_ context.Context) ([]*ir.ResourceState, error) {
	st, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make([]*ir.ResourceState, len(st.Resources))
	for i, rs := range st.Resources {
		out[i] = rs.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Snapshot returns the whole state document.
func (f *FileStore) Snapshot() (*ir.State, error) {
	return f.read()
}

func (f *FileStore) Close() error {
	return nil
}

// update applies fn to the current document and writes it back while
// holding the guard file, so other processes never lose a write.
func (f *FileStore) update(fn func(*ir.State)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	return withFileLock(f.path+".guard", func() error {
		st, err := f.read()
		if err != nil {
			return err
		}
		fn(st)
		return f.write(st)
	})
}

func (f *FileStore) read() (*ir.State, error) {
	if f.encErr != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", f.encErr)
	}

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &ir.State{Version: stateVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", f.path, err)
	}

	content, err := f.enc.Open(raw)
	if err != nil {
		return nil, err
	}

	var st ir.State
	if err := json.Unmarshal(content, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", f.path, err)
	}
	if st.Version > stateVersion {
		return nil, fmt.Errorf("state file %s has version %d, newer than supported version %d", f.path, st.Version, stateVersion)
	}
	return &st, nil
}

func (f *FileStore) write(st *ir.State) error {
	st.Version = stateVersion
	st.Serial++
	if st.Lineage == "" {
		st.Lineage = uuid.NewString()
	}
	sort.Slice(st.Resources, func(i, j int) bool { return st.Resources[i].ID < st.Resources[j].ID })

	content, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	sealed, err := f.enc.Seal(append(content, '\n'))
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	return writeAtomic(f.path, sealed)
}

// writeAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", path, err)
	}
	return nil
}
