package chunk

import (
	"testing"

	"github.com/dtn-radio/spore/pkg/wire"
)

func TestChunkAndUnchunkSingleChunk(t *testing.T) {
	msg := wire.AvailableBlocksMsg(nil)
	chunker := NewSimpleChunker(60)

	chunks, err := chunker.Chunk(msg)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}

	result, err := chunker.Unchunk(chunks[0])
	if err != nil {
		t.Fatalf("Unchunk: %v", err)
	}
	if result == nil || result.Kind != UnchunkMessage {
		t.Fatalf("result = %+v, want a reassembled message", result)
	}
	if result.Message.Kind != wire.KindApplicationAPI {
		t.Fatalf("reassembled kind = %v", result.Message.Kind)
	}
}

func TestChunkAndUnchunkMultiChunkSequential(t *testing.T) {
	cids := make([]string, 10)
	for i := range cids {
		cids[i] = "hello i am a CID"
	}
	msg := wire.AvailableBlocksMsg(cids)

	chunker := NewSimpleChunker(60)
	chunks, err := chunker.Chunk(msg)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	last := chunks[len(chunks)-1]
	for _, c := range chunks[:len(chunks)-1] {
		result, err := chunker.Unchunk(c)
		if err != nil {
			t.Fatalf("Unchunk: %v", err)
		}
		if result != nil {
			t.Fatalf("premature assembly result: %+v", result)
		}
	}

	result, err := chunker.Unchunk(last)
	if err != nil {
		t.Fatalf("Unchunk last: %v", err)
	}
	if result == nil || result.Kind != UnchunkMessage {
		t.Fatalf("final result = %+v, want assembled message", result)
	}
}

func TestFindMissingChunks(t *testing.T) {
	cids := make([]string, 20)
	for i := range cids {
		cids[i] = "hello i am a CID"
	}
	msg := wire.AvailableBlocksMsg(cids)

	sender := NewSimpleChunker(60)
	receiver := NewSimpleChunker(60)

	chunks, err := sender.Chunk(msg)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("need at least 3 chunks for this test, got %d", len(chunks))
	}

	missingIdx := 1
	var missingChunk SimpleChunk
	r := wire.NewReader(chunks[missingIdx][1:])
	missingChunk, _ = decodeSimpleChunk(r)

	for i, c := range chunks {
		if i == missingIdx {
			continue
		}
		if _, err := receiver.Unchunk(c); err != nil {
			t.Fatalf("Unchunk: %v", err)
		}
	}

	missingMsgs, err := receiver.FindMissingChunks()
	if err != nil {
		t.Fatalf("FindMissingChunks: %v", err)
	}
	if len(missingMsgs) == 0 {
		t.Fatalf("expected at least one missing-chunks message")
	}

	result, err := sender.Unchunk(missingMsgs[0])
	if err != nil {
		t.Fatalf("sender.Unchunk(missing report): %v", err)
	}
	if result == nil || result.Kind != UnchunkMissing {
		t.Fatalf("result = %+v, want a Missing report", result)
	}

	found := false
	for _, ref := range result.Missing {
		if ref.SequenceNumber == missingChunk.SequenceNumber {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing report %v did not include sequence %d", result.Missing, missingChunk.SequenceNumber)
	}

	resent, err := sender.GetPrevSentChunks(result.Missing)
	if err != nil {
		t.Fatalf("GetPrevSentChunks: %v", err)
	}
	if len(resent) == 0 {
		t.Fatalf("expected at least one resent chunk")
	}
}
