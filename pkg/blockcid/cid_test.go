package blockcid

import (
	"testing"

	"github.com/ipfs/go-cid"
)

func TestNewAndVerify(t *testing.T) {
	data := []byte("hello world")

	c, err := New(Raw, Sha2_256, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if CodecOf(c) != Raw {
		t.Fatalf("codec = %v, want Raw", CodecOf(c))
	}

	if err := Verify(c, data); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if err := Verify(c, []byte("corrupted")); err == nil {
		t.Fatal("Verify should fail on corrupted data")
	}
}

func TestBlake2s128(t *testing.T) {
	data := []byte("chunk container")

	c, err := New(Raw, Blake2s128, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := Verify(c, data); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestParseConvertsV0(t *testing.T) {
	c, err := New(DagPB, Sha2_256, []byte("dag node"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v0 := cid.NewCidV0(c.Hash())

	parsed, err := Parse(v0.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.Version() != 1 {
		t.Fatalf("version = %d, want 1", parsed.Version())
	}
	if !parsed.Equals(c) {
		t.Fatalf("parsed = %s, want %s", parsed, c)
	}
}
