package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dtn-radio/spore/pkg/repo"
	"github.com/dtn-radio/spore/pkg/shipper"
	"github.com/dtn-radio/spore/pkg/store"
	"github.com/dtn-radio/spore/pkg/syncengine"
	"github.com/dtn-radio/spore/pkg/transport"
	"github.com/dtn-radio/spore/pkg/wire"
)

const testBlockSize = 16
const testMTU = 1024

func newTestNode(t *testing.T) (*Node, *repo.Repo) {
	t.Helper()
	p, err := store.NewFSProvider(t.TempDir(), 1<<30)
	if err != nil {
		t.Fatalf("NewFSProvider: %v", err)
	}
	r := repo.New(p, testBlockSize)

	tr, err := transport.NewUDPTransport("127.0.0.1:0", testMTU)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	sy, err := syncengine.New(testMTU, nil, nil)
	if err != nil {
		t.Fatalf("syncengine.New: %v", err)
	}

	sh := shipper.New(r, tr, 8, time.Second)
	sh.SetConnected(true)

	return New(r, tr, sy, sh, "", VersionInfo{Version: "test-version"}), r
}

func TestHandleImportFileAndExportDag(t *testing.T) {
	n, _ := newTestNode(t)

	tmp := t.TempDir()
	src := filepath.Join(tmp, "a.txt")
	if err := os.WriteFile(src, []byte("hello spore"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := n.Handle(wire.ImportFileMsg(src), "unused")
	if err != nil {
		t.Fatalf("Handle(ImportFile): %v", err)
	}
	if resp == nil || resp.Kind != wire.KindApplicationAPI || resp.API.Kind != wire.APIFileImported {
		t.Fatalf("Handle(ImportFile) = %+v, want FileImported", resp)
	}
	rootStr := resp.API.CID

	dst := filepath.Join(tmp, "out.txt")
	resp, err = n.Handle(wire.ExportDagMsg(rootStr, dst), "unused")
	if err != nil {
		t.Fatalf("Handle(ExportDag): %v", err)
	}
	if resp == nil || resp.API.Kind != wire.APIDagExported {
		t.Fatalf("Handle(ExportDag) = %+v, want a successful export", resp)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "hello spore" {
		t.Fatalf("exported content = %q, want %q", got, "hello spore")
	}
}

func TestHandleRequestAvailableBlocksReflectsImports(t *testing.T) {
	n, _ := newTestNode(t)

	tmp := t.TempDir()
	src := filepath.Join(tmp, "b.txt")
	if err := os.WriteFile(src, []byte("some bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := n.Handle(wire.ImportFileMsg(src), "unused"); err != nil {
		t.Fatalf("Handle(ImportFile): %v", err)
	}

	resp, err := n.Handle(wire.RequestAvailableBlocksMsg(), "unused")
	if err != nil {
		t.Fatalf("Handle(RequestAvailableBlocks): %v", err)
	}
	if resp == nil || resp.API.Kind != wire.APIAvailableBlocks || len(resp.API.CIDs) == 0 {
		t.Fatalf("Handle(RequestAvailableBlocks) = %+v, want a non-empty cid list", resp)
	}
}

func TestHandleValidateDagReportsValid(t *testing.T) {
	n, _ := newTestNode(t)

	tmp := t.TempDir()
	src := filepath.Join(tmp, "c.txt")
	if err := os.WriteFile(src, []byte("validate me"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	imported, err := n.Handle(wire.ImportFileMsg(src), "unused")
	if err != nil {
		t.Fatalf("Handle(ImportFile): %v", err)
	}
	root := imported.API.CID

	resp, err := n.Handle(wire.NewAPIMessage(wire.ValidateDag(root)), "unused")
	if err != nil {
		t.Fatalf("Handle(ValidateDag): %v", err)
	}
	if resp == nil || resp.API.Kind != wire.APIValidateDagResponse || resp.API.Result != "dag is valid" {
		t.Fatalf("Handle(ValidateDag) = %+v, want a valid result", resp)
	}
}

func TestHandleRequestVersion(t *testing.T) {
	n, _ := newTestNode(t)

	resp, err := n.Handle(wire.RequestVersionMsg(), "unused")
	if err != nil {
		t.Fatalf("Handle(RequestVersion): %v", err)
	}
	if resp == nil || resp.API.Kind != wire.APIVersion || resp.API.Version != "test-version" {
		t.Fatalf("Handle(RequestVersion) = %+v, want test-version", resp)
	}
}

func TestHandleGetConnectedReflectsSetConnected(t *testing.T) {
	n, _ := newTestNode(t)

	if _, err := n.Handle(wire.NewAPIMessage(wire.SetConnected(false)), "unused"); err != nil {
		t.Fatalf("Handle(SetConnected): %v", err)
	}

	resp, err := n.Handle(wire.NewAPIMessage(wire.GetConnected()), "unused")
	if err != nil {
		t.Fatalf("Handle(GetConnected): %v", err)
	}
	if resp == nil || resp.API.Kind != wire.APIConnectedState || resp.API.Connected {
		t.Fatalf("Handle(GetConnected) = %+v, want connected=false", resp)
	}

	if _, err := n.Handle(wire.NewAPIMessage(wire.SetConnected(true)), "unused"); err != nil {
		t.Fatalf("Handle(SetConnected): %v", err)
	}
	resp, err = n.Handle(wire.NewAPIMessage(wire.GetConnected()), "unused")
	if err != nil {
		t.Fatalf("Handle(GetConnected): %v", err)
	}
	if resp == nil || !resp.API.Connected {
		t.Fatalf("Handle(GetConnected) = %+v, want connected=true", resp)
	}
}

func TestHandleDagTransmissionCompleteValidatesAndLogs(t *testing.T) {
	n, _ := newTestNode(t)

	tmp := t.TempDir()
	src := filepath.Join(tmp, "d.txt")
	if err := os.WriteFile(src, []byte("complete me"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	imported, err := n.Handle(wire.ImportFileMsg(src), "unused")
	if err != nil {
		t.Fatalf("Handle(ImportFile): %v", err)
	}
	root := imported.API.CID

	resp, err := n.Handle(wire.NewAPIMessage(wire.DagTransmissionComplete(root)), "unused")
	if err != nil {
		t.Fatalf("Handle(DagTransmissionComplete): %v", err)
	}
	if resp != nil {
		t.Fatalf("Handle(DagTransmissionComplete) = %+v, want no response", resp)
	}
}
