// Package dagbuild turns a file into a balanced DAG of content-addressed
// blocks: fixed-size Raw leaves and DAG-PB internal nodes linking up to
// Degree(blockSize) children apiece, emitted lazily, leaves first and the
// root last.
package dagbuild

import (
	"fmt"
	"io"
	"os"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"

	"github.com/dtn-radio/spore/pkg/blockcid"
)

// DefaultDegree is both the default and the spec-defined maximum branching
// factor, matching the reference tree builder's constant.
const DefaultDegree = 174

// Degree computes the branching factor for a given block size: a stem
// must keep at least two links to remain a tree, and can never exceed
// DefaultDegree regardless of how large blockSize is.
func Degree(blockSize int) int {
	d := (blockSize - 8) / 50
	if d < 2 {
		return 2
	}
	if d > DefaultDegree {
		return DefaultDegree
	}
	return d
}

// Block is one node of the built DAG: its CID, its encoded bytes, and its
// ordered child CIDs (empty for leaves).
type Block struct {
	CID   cid.Cid
	Data  []byte
	Links []cid.Cid
}

type treeNode struct {
	cid  cid.Cid
	size uint64
}

// Build reads path and streams its DAG's blocks on the returned channel,
// in emission order (leaves first, bottom-up internal nodes, root last).
// The error channel carries at most one error, after which both channels
// close.
func Build(path string, blockSize int) (<-chan Block, <-chan error) {
	out := make(chan Block)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		f, err := os.Open(path)
		if err != nil {
			errc <- fmt.Errorf("dagbuild: open %s: %w", path, err)
			return
		}
		defer f.Close()

		degree := Degree(blockSize)

		level, err := emitLeaves(f, blockSize, out)
		if err != nil {
			errc <- err
			return
		}

		if len(level) == 1 {
			return
		}

		for len(level) > 1 {
			level, err = emitLevel(level, degree, out)
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	return out, errc
}

// emitLeaves splits r into blockSize chunks, emits each as a Raw block,
// and returns the leaf level as treeNodes for the internal-node pass.
func emitLeaves(r io.Reader, blockSize int, out chan<- Block) ([]treeNode, error) {
	var level []treeNode
	buf := make([]byte, blockSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)

			c, herr := blockcid.New(blockcid.Raw, blockcid.Sha2_256, data)
			if herr != nil {
				return nil, herr
			}

			out <- Block{CID: c, Data: data}
			level = append(level, treeNode{cid: c, size: uint64(len(data))})
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dagbuild: read: %w", err)
		}
	}

	if len(level) == 0 {
		// Empty file: one empty Raw leaf, which is also the root.
		c, err := blockcid.New(blockcid.Raw, blockcid.Sha2_256, nil)
		if err != nil {
			return nil, err
		}
		out <- Block{CID: c, Data: nil}
		level = append(level, treeNode{cid: c, size: 0})
	}

	return level, nil
}

// emitLevel groups level into runs of up to degree nodes, emits one
// DAG-PB internal block per group, and returns the next (shorter) level.
func emitLevel(level []treeNode, degree int, out chan<- Block) ([]treeNode, error) {
	var next []treeNode

	for start := 0; start < len(level); start += degree {
		end := start + degree
		if end > len(level) {
			end = len(level)
		}
		group := level[start:end]

		node := merkledag.NodeWithData(nil)
		node.SetCidBuilder(cid.V1Builder{
			Codec:    uint64(blockcid.DagPB),
			MhType:   uint64(blockcid.Sha2_256),
			MhLength: -1,
		})

		links := make([]cid.Cid, 0, len(group))
		var subtreeSize uint64

		for _, child := range group {
			if err := node.AddRawLink("", &format.Link{
				Cid:  child.cid,
				Size: child.size,
			}); err != nil {
				return nil, fmt.Errorf("dagbuild: add link: %w", err)
			}
			links = append(links, child.cid)
			subtreeSize += child.size
		}

		data := node.RawData()
		c := node.Cid()

		out <- Block{CID: c, Data: data, Links: links}
		next = append(next, treeNode{cid: c, size: subtreeSize + uint64(len(data))})
	}

	return next, nil
}
