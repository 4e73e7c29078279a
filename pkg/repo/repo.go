// Package repo is the facade the rest of the node talks to: it turns a
// filesystem path into a stored DAG and back, and forwards every other
// query through to the underlying store.Provider. It owns no storage
// layout of its own -- that's store.FSProvider / store.DSProvider -- it
// only owns the import/export pipeline and the mutex serializing access
// to whichever Provider backs it.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dtn-radio/spore/pkg/dagbuild"
	"github.com/dtn-radio/spore/pkg/store"
)

var log = logging.Logger("repo")

// Repo wraps a store.Provider with the file import/export pipeline.
type Repo struct {
	mu        sync.Mutex
	provider  store.Provider
	blockSize int
}

// New wraps provider, chunking imports into blocks of blockSize bytes.
func New(provider store.Provider, blockSize int) *Repo {
	return &Repo{provider: provider, blockSize: blockSize}
}

// ImportPath chunks and stores the file at path, naming the resulting
// root with the file's base name, and returns the root CID.
func (r *Repo) ImportPath(path string) (cid.Cid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Debugf("import_path(%s)", path)

	out, errc := dagbuild.Build(path, r.blockSize)

	var blocks []dagbuild.Block
	for b := range out {
		blocks = append(blocks, b)
	}
	if err := <-errc; err != nil {
		return cid.Undef, fmt.Errorf("repo: import %s: %w", path, err)
	}

	var root cid.Cid
	for _, b := range blocks {
		if err := r.provider.Import(store.Block{CID: b.CID, Data: b.Data, Links: b.Links}); err != nil {
			log.Errorf("failed to import block %s: %v", b.CID, err)
			continue
		}
		if len(b.Links) > 0 {
			root = b.CID
		}
	}

	if len(blocks) == 1 {
		root = blocks[0].CID
	}

	if !root.Defined() {
		return cid.Undef, fmt.Errorf("repo: no root block produced for %s", path)
	}

	if err := r.provider.NameDAG(root, filepath.Base(path)); err != nil {
		log.Errorf("failed to name dag %s: %v", root, err)
	}

	log.Infof("imported %s to %s in %d blocks", path, root, len(blocks))
	return root, nil
}

// ExportCID writes root's leaf data, concatenated in DAG order, to path.
// It fails if any block reachable from root is missing locally.
func (r *Repo) ExportCID(root cid.Cid, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	missing, err := r.provider.MissingCIDs(root)
	if err != nil {
		return fmt.Errorf("repo: export %s: %w", root, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("repo: export %s: dag incomplete, missing %v", root, missing)
	}

	blocks, err := r.provider.DAGBlocks(root)
	if err != nil {
		return fmt.Errorf("repo: export %s: %w", root, err)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	for _, b := range blocks {
		if len(b.Links) == 0 {
			if _, err := out.Write(b.Data); err != nil {
				return err
			}
		}
	}

	if err := out.Sync(); err != nil {
		return err
	}

	log.Infof("exported %s to %s", root, path)
	return nil
}

// ImportBlock stores a single block received over the wire.
func (r *Repo) ImportBlock(block store.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Tracef("importing block %s, links %v", block.CID, block.Links)
	return r.provider.Import(block)
}

// ListAvailableCIDs returns every stored CID.
func (r *Repo) ListAvailableCIDs() ([]cid.Cid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.AvailableCIDs()
}

// GetBlock returns the stored block for c.
func (r *Repo) GetBlock(c cid.Cid) (store.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.GetBlock(c)
}

// GetAllDAGCIDs returns root's reachable CIDs, windowed if size is
// non-zero.
func (r *Repo) GetAllDAGCIDs(root cid.Cid, offset, size uint32) ([]cid.Cid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.DAGCIDs(root, offset, size)
}

// GetAllDAGBlocks returns every block reachable from root.
func (r *Repo) GetAllDAGBlocks(root cid.Cid) ([]store.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.DAGBlocks(root)
}

// GetMissingDAGBlocks returns root's unreachable-locally CIDs.
func (r *Repo) GetMissingDAGBlocks(root cid.Cid) ([]cid.Cid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.MissingCIDs(root)
}

// ListAvailableDAGs returns every named root.
func (r *Repo) ListAvailableDAGs() ([]store.NamedDAG, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.AvailableDAGs()
}

// GetDAGBlocksByWindow returns the windowNum-th window of windowSize
// blocks from root's pre-order block sequence.
func (r *Repo) GetDAGBlocksByWindow(root cid.Cid, windowSize, windowNum uint32) ([]store.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := windowSize * windowNum
	return r.provider.DAGBlocksWindow(root, offset, windowSize)
}

// IncrementalGC advances one GC step and reports whether more remains.
func (r *Repo) IncrementalGC() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.IncrementalGC()
}

// HasCID reports whether c is stored.
func (r *Repo) HasCID(c cid.Cid) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.Has(c)
}

// AckCID marks c as dangling if we don't have it.
func (r *Repo) AckCID(c cid.Cid) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.provider.AckCID(c)
}

// DanglingCIDs snapshots the dangling set.
func (r *Repo) DanglingCIDs() []cid.Cid {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.DanglingCIDs()
}

// SetName attaches name to root, logging (not returning) any failure, to
// match the fire-and-forget semantics callers expect of a naming hint.
func (r *Repo) SetName(root cid.Cid, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.provider.NameDAG(root, name); err != nil {
		log.Errorf("set_name(%s, %s): %v", root, name, err)
	}
}

// Provider returns the backing store.Provider.
func (r *Repo) Provider() store.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider
}

// Close releases the backing provider.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.provider.Close()
}
