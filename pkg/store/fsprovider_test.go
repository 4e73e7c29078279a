package store

import (
	"os"
	"testing"

	"github.com/dtn-radio/spore/pkg/blockcid"
	"github.com/dtn-radio/spore/pkg/dagbuild"
)

func TestFSProviderImportAndGet(t *testing.T) {
	dir := t.TempDir()

	p, err := NewFSProvider(dir, 1<<20)
	if err != nil {
		t.Fatalf("NewFSProvider: %v", err)
	}

	data := []byte("1010101")
	c, err := blockcid.New(blockcid.Raw, blockcid.Sha2_256, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Import(Block{CID: c, Data: data}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	cids, err := p.AvailableCIDs()
	if err != nil {
		t.Fatalf("AvailableCIDs: %v", err)
	}
	if len(cids) != 1 || cids[0] != c {
		t.Fatalf("AvailableCIDs = %v, want [%v]", cids, c)
	}

	got, err := p.GetBlock(c)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if string(got.Data) != string(data) {
		t.Fatalf("data = %q, want %q", got.Data, data)
	}
}

// TestFSProviderMissingCIDs mirrors the "two-leaf DAG" scenario: a
// freshly-populated peer with just the root block is missing exactly its
// two leaves, and once both arrive MissingCIDs is empty.
func TestFSProviderMissingCIDs(t *testing.T) {
	srcDir := t.TempDir()
	blocks := buildHiDag(t, srcDir)

	dstDir := t.TempDir()
	p, err := NewFSProvider(dstDir, 1<<20)
	if err != nil {
		t.Fatalf("NewFSProvider: %v", err)
	}

	root := blocks[len(blocks)-1]
	if err := p.Import(Block{CID: root.CID, Data: root.Data, Links: root.Links}); err != nil {
		t.Fatalf("Import root: %v", err)
	}

	missing, err := p.MissingCIDs(root.CID)
	if err != nil {
		t.Fatalf("MissingCIDs: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want 2 leaves", missing)
	}

	for _, b := range blocks[:len(blocks)-1] {
		if err := p.Import(Block{CID: b.CID, Data: b.Data, Links: b.Links}); err != nil {
			t.Fatalf("Import leaf: %v", err)
		}
	}

	missing, err = p.MissingCIDs(root.CID)
	if err != nil {
		t.Fatalf("MissingCIDs after fill: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing after fill = %v, want none", missing)
	}
}

func buildHiDag(t *testing.T, tmp string) []dagbuild.Block {
	t.Helper()

	path := tmp + "/hi.txt"
	if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	out, errc := dagbuild.Build(path, 1)

	var blocks []dagbuild.Block
	for b := range out {
		blocks = append(blocks, b)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Build: %v", err)
	}

	return blocks
}
