package store

import "github.com/ipfs/go-cid"

// Block is a stored content-addressed block: its CID, its raw bytes, its
// ordered child links, and (for a named root) its filename.
type Block struct {
	CID      cid.Cid
	Data     []byte
	Links    []cid.Cid
	Filename string
}

// Provider is the storage capability the rest of the node depends on. It
// is implemented by the filesystem layout and the datastore layout; no
// implementation detail of either is allowed to leak past this interface.
type Provider interface {
	// Import inserts block and its link list. Idempotent on identical
	// content; clears the dangling mark for block.CID.
	Import(block Block) error

	// Has reports whether cid is stored.
	Has(c cid.Cid) bool

	// GetBlock returns the stored block for cid, or ErrBlockNotFound.
	GetBlock(c cid.Cid) (Block, error)

	// GetLinks returns the recorded child links for cid.
	GetLinks(c cid.Cid) ([]cid.Cid, error)

	// AvailableCIDs enumerates every stored CID.
	AvailableCIDs() ([]cid.Cid, error)

	// MissingCIDs walks the DAG rooted at root and returns every link
	// target not present locally. Errors if root itself is absent.
	MissingCIDs(root cid.Cid) ([]cid.Cid, error)

	// DAGBlocks returns every stored block reachable from root, in
	// pre-order.
	DAGBlocks(root cid.Cid) ([]Block, error)

	// DAGBlocksWindow returns the window of size blocks starting at
	// offset within root's pre-order block sequence.
	DAGBlocksWindow(root cid.Cid, offset, size uint32) ([]Block, error)

	// DAGCIDs returns root's reachable CIDs in pre-order, windowed if
	// size is non-zero.
	DAGCIDs(root cid.Cid, offset, size uint32) ([]cid.Cid, error)

	// AvailableDAGs returns every named root CID and its filename.
	AvailableDAGs() ([]NamedDAG, error)

	// NameDAG attaches or replaces the filename for root cid.
	NameDAG(c cid.Cid, filename string) error

	// AckCID marks cid as dangling if not already stored; a no-op if we
	// already have it.
	AckCID(c cid.Cid)

	// DanglingCIDs snapshots the dangling set.
	DanglingCIDs() []cid.Cid

	// IncrementalGC advances one step of the garbage-collection state
	// machine and reports whether more work remains in this pass.
	IncrementalGC() bool

	// Close releases any resources the provider holds open.
	Close() error
}

// NamedDAG pairs a root CID with its advisory filename.
type NamedDAG struct {
	CID      cid.Cid
	Filename string
}
