// Package jsonstore keeps small JSON object files on disk: one-time promo
// codes, the ledger of processed payments and pending referral attributions.
// Every mutation holds an in-process mutex plus an flock on <path>.lock and
// replaces the file atomically.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockRetryDelay  = 50 * time.Millisecond
	tempFilePattern = ".store-*.tmp"
	fileMode        = 0o600
	dirMode         = 0o755
)

type jsonFile struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

func newJSONFile(path string) *jsonFile {
	return &jsonFile{path: path, lock: flock.New(path + ".lock")}
}

// locked runs fn while holding both the process mutex and the file lock.
func (f *jsonFile) locked(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), dirMode); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	ok, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: not acquired", f.path)
	}
	defer func() { _ = f.lock.Unlock() }()

	return fn()
}

// read decodes the file into v. A missing or empty file leaves v untouched.
func (f *jsonFile) read(v any) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	return nil
}

// write replaces the file with v through a temp file in the same directory.
func (f *jsonFile) write(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}

	cleanup = false
	return nil
}
