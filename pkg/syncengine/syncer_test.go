package syncengine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/dtn-radio/spore/pkg/repo"
	"github.com/dtn-radio/spore/pkg/store"
	"github.com/dtn-radio/spore/pkg/wire"
)

const testMTU = 1024
const testBlockSize = 16

func newTestRepo(t *testing.T) *repo.Repo {
	t.Helper()
	p, err := store.NewFSProvider(t.TempDir(), 1<<30)
	if err != nil {
		t.Fatalf("NewFSProvider: %v", err)
	}
	return repo.New(p, testBlockSize)
}

func TestPushPullBlockHandshakeTransfersDAG(t *testing.T) {
	senderRepo := newTestRepo(t)
	receiverRepo := newTestRepo(t)

	tmp := t.TempDir()
	src := filepath.Join(tmp, "data.txt")
	// 26 bytes at block size 16: two leaves under one root, so the single
	// pull round below covers the whole DAG.
	want := bytes.Repeat([]byte("disruption-tolerant radio "), 1)
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	root, err := senderRepo.ImportPath(src)
	if err != nil {
		t.Fatalf("ImportPath: %v", err)
	}

	rootBlock, err := senderRepo.GetBlock(root)
	if err != nil {
		t.Fatalf("GetBlock(root): %v", err)
	}
	if len(rootBlock.Links) == 0 {
		t.Fatalf("expected a multi-block DAG, root has no links")
	}

	sender, err := New(testMTU, nil, nil)
	if err != nil {
		t.Fatalf("New(sender): %v", err)
	}
	receiver, err := New(testMTU, nil, nil)
	if err != nil {
		t.Fatalf("New(receiver): %v", err)
	}

	pushMsg, err := sender.PushDag(rootBlock, false)
	if err != nil {
		t.Fatalf("PushDag: %v", err)
	}
	if pushMsg == nil || pushMsg.Sync.Kind != wire.SyncPush {
		t.Fatalf("PushDag returned %+v, want an immediate Push", pushMsg)
	}

	pullMsg, err := receiver.Handle(pushMsg.Sync, receiverRepo)
	if err != nil {
		t.Fatalf("receiver.Handle(push): %v", err)
	}
	if pullMsg == nil || pullMsg.Sync.Kind != wire.SyncPull {
		t.Fatalf("expected a pull response, got %+v", pullMsg)
	}

	requested, err := pullMsg.Sync.Pull.CIDs()
	if err != nil {
		t.Fatalf("CIDs: %v", err)
	}
	if len(requested) != 1+len(rootBlock.Links) {
		t.Fatalf("requested %d cids, want %d", len(requested), 1+len(rootBlock.Links))
	}

	blockMsg, err := sender.Handle(pullMsg.Sync, senderRepo)
	if err != nil {
		t.Fatalf("sender.Handle(pull): %v", err)
	}
	if blockMsg == nil || blockMsg.Sync.Kind != wire.SyncBlock {
		t.Fatalf("expected an immediate block response, got %+v", blockMsg)
	}

	if _, err := receiver.Handle(blockMsg.Sync, receiverRepo); err != nil {
		t.Fatalf("receiver.Handle(block): %v", err)
	}
	delivered := 1

	// The remaining blocks the sender owes were queued behind the first;
	// BuildMsg/PopPendingMsg drains real data first -- the moment a
	// non-Block message surfaces, every block has already been delivered
	// and what's left is the sender's ongoing low-priority re-announce
	// traffic, which this handshake doesn't need to drive to completion.
	for i := 0; i < len(requested)+5; i++ {
		if err := sender.BuildMsg(senderRepo); err != nil {
			t.Fatalf("BuildMsg: %v", err)
		}
		m := sender.PopPendingMsg(senderRepo)
		if m == nil || m.Kind != wire.KindSync || m.Sync.Kind != wire.SyncBlock {
			break
		}
		if _, err := receiver.Handle(m.Sync, receiverRepo); err != nil {
			t.Fatalf("receiver.Handle(block): %v", err)
		}
		delivered++
	}
	if delivered != len(requested) {
		t.Fatalf("delivered %d blocks, want %d", delivered, len(requested))
	}

	if missing, err := receiverRepo.GetMissingDAGBlocks(root); err != nil || len(missing) > 0 {
		t.Fatalf("receiver still missing blocks: %v, err=%v", missing, err)
	}

	dst := filepath.Join(tmp, "out.txt")
	if err := receiverRepo.ExportCID(root, dst); err != nil {
		t.Fatalf("ExportCID: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("roundtrip = %q, want %q", got, want)
	}
}

func TestHandleRejectsCorruptedPush(t *testing.T) {
	r := newTestRepo(t)
	s, err := New(testMTU, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tmp := t.TempDir()
	src := filepath.Join(tmp, "leaf.txt")
	if err := os.WriteFile(src, []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	senderRepo := newTestRepo(t)
	root, err := senderRepo.ImportPath(src)
	if err != nil {
		t.Fatalf("ImportPath: %v", err)
	}
	list, err := wire.NewCompactList(root)
	if err != nil {
		t.Fatalf("NewCompactList: %v", err)
	}
	push := wire.NewPushMessage(list, "leaf.txt")

	// The hash always lands as the trailing 16 bytes of a Push-carrying
	// Message, since nothing follows it in either SyncMessage or Message's
	// encoding -- flipping the last byte corrupts the hash without
	// touching the name or the CompactList it covers.
	encoded := wire.EncodeMessage(wire.NewSyncMessage(wire.NewSyncPush(push)))
	corrupted := append([]byte{}, encoded...)
	corrupted[len(corrupted)-1] ^= 0xff

	decoded, err := wire.DecodeMessage(corrupted)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}

	if _, err := s.Handle(decoded.Sync, r); err == nil {
		t.Fatalf("Handle(corrupted push) = nil error, want rejection")
	}
}

func TestWillPushStopPushingRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "a.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	senderRepo := newTestRepo(t)
	root, err := senderRepo.ImportPath(src)
	if err != nil {
		t.Fatalf("ImportPath: %v", err)
	}

	s, err := New(testMTU, []NamedCID{{CID: root, Name: "a.txt"}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !s.StopPushing(root) {
		t.Fatalf("StopPushing(root) = false, want true on a freshly-seeded push queue")
	}
	if s.StopPushing(root) {
		t.Fatalf("second StopPushing(root) unexpectedly found more hi-priority state to drop")
	}
}
