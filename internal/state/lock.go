package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	// A lock older than this is considered abandoned.
	lockStaleAfter = 2 * time.Hour

	guardTimeout = 5 * time.Second
	guardStale   = 30 * time.Second
)

type lockHolder struct {
	Owner   string    `json:"owner"`
	IDs     []string  `json:"ids"`
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
}

type lockFile struct {
	Holders []lockHolder `json:"holders"`
}

// Lock reserves ids in the lock file next to the state document.
func (f *FileStore) Lock(_ context.Context, owner string, ids []string) (Unlock, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	err := withFileLock(f.lockPath()+".guard", func() error {
		lf, err := f.readLock()
		if err != nil {
			return err
		}

		set := newLockSet()
		var live []lockHolder
		for _, h := range lf.Holders {
			if time.Since(h.Created) > lockStaleAfter {
				continue
			}
			live = append(live, h)
			for _, id := range h.IDs {
				set.holders[id] = h.Owner
			}
		}
		if err := set.acquire(owner, ids); err != nil {
			return err
		}

		live = append(live, lockHolder{
			Owner:   owner,
			IDs:     append([]string(nil), ids...),
			PID:     os.Getpid(),
			Created: time.Now().UTC(),
		})
		return f.writeLock(&lockFile{Holders: live})
	})
	if err != nil {
		return nil, err
	}

	return func() error {
		return withFileLock(f.lockPath()+".guard", func() error {
			lf, err := f.readLock()
			if err != nil {
				return err
			}
			var remaining []lockHolder
			for _, h := range lf.Holders {
				if h.Owner != owner {
					remaining = append(remaining, h)
				}
			}
			if len(remaining) == 0 {
				if err := os.Remove(f.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("failed to remove lock file: %w", err)
				}
				return nil
			}
			return f.writeLock(&lockFile{Holders: remaining})
		})
	}, nil
}

func (f *FileStore) readLock() (*lockFile, error) {
	raw, err := os.ReadFile(f.lockPath())
	if errors.Is(err, fs.ErrNotExist) {
		return &lockFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	var lf lockFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", f.lockPath(), err)
	}
	return &lf, nil
}

func (f *FileStore) writeLock(lf *lockFile) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock file: %w", err)
	}
	return writeAtomic(f.lockPath(), data)
}

func (f *FileStore) lockPath() string {
	return f.path + ".lock"
}

// withFileLock runs fn while holding an exclusive guard file at path.
func withFileLock(path string, fn func() error) error {
	deadline := time.Now().Add(guardTimeout)
	for {
		g, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(g, "pid=%d\n", os.Getpid())
			g.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create guard file %s: %w", path, err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > guardStale {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for guard file %s; remove it manually if no other tierctl process is running", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer os.Remove(path)

	return fn()
}
