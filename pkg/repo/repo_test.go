package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dtn-radio/spore/pkg/store"
)

const testBlockSize = 1024 * 10

func newTestRepo(t *testing.T) *Repo {
	t.Helper()

	dir := t.TempDir()
	p, err := store.NewFSProvider(dir, 1<<30)
	if err != nil {
		t.Fatalf("NewFSProvider: %v", err)
	}

	return New(p, testBlockSize)
}

func TestImportExportRoundTrip(t *testing.T) {
	r := newTestRepo(t)

	tmp := t.TempDir()
	src := filepath.Join(tmp, "data.txt")
	want := []byte("hello disruption-tolerant world")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	root, err := r.ImportPath(src)
	if err != nil {
		t.Fatalf("ImportPath: %v", err)
	}

	dags, err := r.ListAvailableDAGs()
	if err != nil {
		t.Fatalf("ListAvailableDAGs: %v", err)
	}
	if len(dags) != 1 || dags[0].CID != root || dags[0].Filename != "data.txt" {
		t.Fatalf("ListAvailableDAGs = %v, want [{%v data.txt}]", dags, root)
	}

	dst := filepath.Join(tmp, "out.txt")
	if err := r.ExportCID(root, dst); err != nil {
		t.Fatalf("ExportCID: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("roundtrip = %q, want %q", got, want)
	}
}

func TestExportFailsOnIncompleteDAG(t *testing.T) {
	src := newTestRepo(t)
	dst := newTestRepo(t)

	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "big.bin")
	data := make([]byte, testBlockSize*5)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(srcPath, data, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	root, err := src.ImportPath(srcPath)
	if err != nil {
		t.Fatalf("ImportPath: %v", err)
	}

	rootBlock, err := src.GetBlock(root)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if err := dst.ImportBlock(rootBlock); err != nil {
		t.Fatalf("ImportBlock: %v", err)
	}

	outPath := filepath.Join(tmp, "out.bin")
	if err := dst.ExportCID(root, outPath); err == nil {
		t.Fatalf("ExportCID with missing blocks: want error, got nil")
	}

	missing, err := dst.GetMissingDAGBlocks(root)
	if err != nil {
		t.Fatalf("GetMissingDAGBlocks: %v", err)
	}
	if len(missing) == 0 {
		t.Fatalf("GetMissingDAGBlocks = empty, want missing leaves")
	}
}

func TestAckAndDanglingCIDs(t *testing.T) {
	r := newTestRepo(t)

	tmp := t.TempDir()
	path := filepath.Join(tmp, "x.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	root, err := r.ImportPath(path)
	if err != nil {
		t.Fatalf("ImportPath: %v", err)
	}

	if !r.HasCID(root) {
		t.Fatalf("HasCID(root) = false, want true")
	}

	r.AckCID(root)
	if len(r.DanglingCIDs()) != 0 {
		t.Fatalf("AckCID on a stored cid should not mark it dangling")
	}
}
