// Package store provides the on-disk repo root: lock-file lifecycle, the
// two concrete Provider backends (filesystem and datastore), and the
// incremental garbage-collection state machine each backend runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	measure "github.com/ipfs/go-ds-measure"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/rogpeppe/go-internal/lockedfile"

	"github.com/dtn-radio/spore/pkg/store/dsconfig"
)

// LockFile is the name of the repo-root lock file, held for the lifetime
// of an open Root.
const LockFile = ".spore.lock"

// Root owns a repo directory on disk: its lock file and its datastore.
// Only one process may hold a Root open on a given path at a time.
type Root struct {
	locker   sync.Mutex
	closed   bool
	path     string
	lockFile *lockedfile.File
	ds       dsconfig.Datastore
}

// Datastore returns the backing datastore. Safe for concurrent use.
func (r *Root) Datastore() dsconfig.Datastore {
	r.locker.Lock()
	defer r.locker.Unlock()

	return r.ds
}

// DiskUsage reports the datastore's total size in bytes, for nodes running
// on the datastore-backed Provider.
func (r *Root) DiskUsage(ctx context.Context) (uint64, error) {
	return ds.DiskUsage(ctx, r.Datastore())
}

// Close releases the datastore and the lock file. Idempotent.
func (r *Root) Close() error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if r.closed {
		return nil
	}

	var errs []error

	if err := r.ds.Close(); err != nil {
		errs = append(errs, fmt.Errorf("datastore close error: %v", err))
	}

	r.closed = true

	if r.lockFile != nil {
		if err := r.lockFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("lock file close error: %v", err))
		}

		lockPath := r.lockFile.Name()
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove lock file error: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

// Destroy closes (if needed) then removes the entire repo directory.
func (r *Root) Destroy() error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if r.closed {
		return os.RemoveAll(r.path)
	}

	if err := r.ds.Close(); err != nil {
		return err
	}

	r.closed = true

	if r.lockFile != nil {
		if err := r.lockFile.Close(); err != nil {
			return err
		}

		lockPath := r.lockFile.Name()
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return os.RemoveAll(r.path)
}

// OpenRoot opens (creating if necessary) a repo rooted at path, using spec
// as the datastore layout the first time the repo is created. On later
// opens the on-disk datastore_spec must match spec, or OpenRoot fails
// rather than silently running against a different backend.
func OpenRoot(path string, spec dsconfig.DiskSpec) (*Root, error) {
	if err := initSpec(path, spec); err != nil {
		return nil, err
	}

	return open(path)
}

func initSpec(path string, conf dsconfig.DiskSpec) error {
	specPath := dsconfig.DatastoreSpecPath(path)
	dsc, err := dsconfig.AnyDatastoreConfig(conf)
	if err != nil {
		return err
	}
	want := dsc.DiskSpec().Bytes()

	if dsconfig.FileExists(specPath) {
		raw, err := os.ReadFile(specPath)
		if err != nil {
			return err
		}
		var onDisk dsconfig.DiskSpec
		if err := json.Unmarshal(raw, &onDisk); err != nil {
			return &dsconfig.ConfigError{Field: "datastore_spec", Err: err}
		}
		if string(onDisk.Bytes()) != string(want) {
			return fmt.Errorf("datastore_spec at %s does not match the requested spec", specPath)
		}
		return nil
	}

	return os.WriteFile(specPath, want, 0o600)
}

func open(path string) (*Root, error) {
	r, err := newRoot(path)
	if err != nil {
		return nil, err
	}

	r.locker.Lock()
	defer r.locker.Unlock()

	lockPath := filepath.Join(r.path, LockFile)

	lockFile, err := func() (*lockedfile.File, error) {
		file, e1 := lockedfile.Create(lockPath)
		if e1 != nil {
			if os.IsExist(e1) {
				if err = os.Remove(lockPath); err != nil {
					return nil, fmt.Errorf("failed to remove existing lock file: %v", err)
				}

				return lockedfile.Create(lockPath)
			}
			return nil, e1
		}

		if err = os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			_ = file.Close()
			_ = os.Remove(lockPath)
			return nil, err
		}

		return file, nil
	}()

	if err != nil {
		return nil, &dsconfig.LockError{Path: lockPath, Err: err}
	}

	r.lockFile = lockFile

	shouldKeepLock := false
	defer func() {
		if !shouldKeepLock {
			_ = lockFile.Close()
			_ = os.Remove(lockPath)
		}
	}()

	if err = dsconfig.Writable(r.path); err != nil {
		return nil, err
	}

	if err = r.openDatastore(); err != nil {
		return nil, err
	}

	shouldKeepLock = true
	return r, nil
}

func newRoot(path string) (*Root, error) {
	if path == "" {
		return nil, errors.New("no path provided")
	}

	expPath, err := homedir.Expand(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	return &Root{path: expPath}, nil
}

func (r *Root) openDatastore() error {
	specPath := dsconfig.DatastoreSpecPath(r.path)

	raw, err := os.ReadFile(specPath)
	if err != nil {
		return err
	}
	oldSpec := strings.TrimSpace(string(raw))

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(oldSpec), &decoded); err != nil {
		return &dsconfig.ConfigError{Field: "datastore_spec", Err: err}
	}

	dsc, err := dsconfig.AnyDatastoreConfig(decoded)
	if err != nil {
		return err
	}

	d, err := dsc.Create(r.path)
	if err != nil {
		return err
	}

	r.ds = measure.New("spore.datastore", d)

	return nil
}
