package wire

import (
	"testing"

	"github.com/dtn-radio/spore/pkg/blockcid"
)

func TestCompactUintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, 1 << 40}

	for _, v := range cases {
		var buf Buffer
		WriteCompactUint(&buf, v)
		if buf.Len() != CompactLen(v) {
			t.Fatalf("CompactLen(%d) = %d, encoded %d bytes", v, CompactLen(v), buf.Len())
		}

		r := NewReader(buf.Bytes())
		got, err := ReadCompactUint(r)
		if err != nil {
			t.Fatalf("ReadCompactUint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("roundtrip %d = %d", v, got)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	var buf Buffer
	WriteString(&buf, "hello disruption-tolerant world")

	r := NewReader(buf.Bytes())
	got, err := ReadString(r)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "hello disruption-tolerant world" {
		t.Fatalf("roundtrip = %q", got)
	}
}

func TestMessageRoundTripAPI(t *testing.T) {
	msg := NewAPIMessage(AvailableBlocks([]string{"cid1", "cid2"}))

	encoded := EncodeMessage(msg)
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}

	if decoded.Kind != KindApplicationAPI || decoded.API.Kind != APIAvailableBlocks {
		t.Fatalf("decoded kind mismatch: %+v", decoded)
	}
	if len(decoded.API.CIDs) != 2 || decoded.API.CIDs[0] != "cid1" {
		t.Fatalf("decoded cids = %v", decoded.API.CIDs)
	}
}

func TestMessageRoundTripSyncBlock(t *testing.T) {
	msg := Block([]byte("raw block data"))
	if msg.NeedsEnvelope() {
		t.Fatalf("Sync messages should not need an envelope")
	}

	encoded := EncodeMessage(msg)
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Kind != KindSync || string(decoded.Sync.Block) != "raw block data" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestPushRejectsEmptyList(t *testing.T) {
	empty := &CompactList{}
	if _, err := Push(empty, "x"); err != ErrEmptyCIDList {
		t.Fatalf("Push(empty) = %v, want ErrEmptyCIDList", err)
	}
}

func TestPushMessageCheckDetectsCorruption(t *testing.T) {
	data := []byte("1010101")
	c, err := blockcid.New(blockcid.Raw, blockcid.Sha2_256, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	list, err := NewCompactList(c)
	if err != nil {
		t.Fatalf("NewCompactList: %v", err)
	}

	push := NewPushMessage(list, "data.txt")
	if !push.Check() {
		t.Fatalf("Check() = false on an unmodified PushMessage")
	}

	push.hash[0] ^= 0xff
	if push.Check() {
		t.Fatalf("Check() = true after corrupting the hash")
	}
}

func TestCompactListIncludeRespectsSizeBudget(t *testing.T) {
	mk := func(s string) (list []byte) { return []byte(s) }
	_ = mk

	base, err := blockcid.New(blockcid.Raw, blockcid.Sha2_256, []byte("a"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	list, err := NewCompactList(base)
	if err != nil {
		t.Fatalf("NewCompactList: %v", err)
	}

	budget := list.BuiltSize()
	other, err := blockcid.New(blockcid.Raw, blockcid.Sha2_256, []byte("b"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if list.Include(other, budget) {
		t.Fatalf("Include should refuse to exceed the size budget")
	}
	if !list.Include(other, budget+64) {
		t.Fatalf("Include should succeed with enough budget")
	}
}

func TestMessageRoundTripTransmitDagCarriesRetries(t *testing.T) {
	msg := NewAPIMessage(TransmitDag("cid1", "127.0.0.1:9000", 7))

	encoded := EncodeMessage(msg)
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.API.Kind != APITransmitDag || decoded.API.Retries != 7 || decoded.API.TargetAddr != "127.0.0.1:9000" {
		t.Fatalf("decoded = %+v, want retries=7", decoded.API)
	}
}

func TestMessageRoundTripVersion(t *testing.T) {
	msg := NewAPIMessage(Version("1.2.3", "go1.24.6", "linux/amd64", "release", []string{"udp"}, "node-a"))

	encoded := EncodeMessage(msg)
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	v := decoded.API
	if v.Kind != APIVersion || v.Version != "1.2.3" || v.Runtime != "go1.24.6" || v.Target != "linux/amd64" ||
		v.Profile != "release" || len(v.Features) != 1 || v.Features[0] != "udp" || v.RemoteLabel != "node-a" {
		t.Fatalf("decoded version = %+v", v)
	}
}

func TestMessageRoundTripExportOutcomes(t *testing.T) {
	exported := NewAPIMessage(DagExported("cid1", "/tmp/out"))
	encoded := EncodeMessage(exported)
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.API.Kind != APIDagExported || decoded.API.Path != "/tmp/out" {
		t.Fatalf("decoded = %+v", decoded.API)
	}

	failed := NewAPIMessage(DagExportFailed("cid1", "/tmp/out", "disk full"))
	encoded = EncodeMessage(failed)
	decoded, err = DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.API.Kind != APIDagExportFailed || decoded.API.Error != "disk full" {
		t.Fatalf("decoded = %+v", decoded.API)
	}
}

func TestMessageRoundTripConnectivity(t *testing.T) {
	msg := NewAPIMessage(SetConnected(true))
	encoded := EncodeMessage(msg)
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.API.Kind != APISetConnected || !decoded.API.Connected {
		t.Fatalf("decoded = %+v", decoded.API)
	}

	state := NewAPIMessage(ConnectedState(false))
	encoded = EncodeMessage(state)
	decoded, err = DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.API.Kind != APIConnectedState || decoded.API.Connected {
		t.Fatalf("decoded = %+v", decoded.API)
	}
}

func TestDataProtocolRoundTripNewVariants(t *testing.T) {
	cases := []DataProtocol{
		NewRequestTransmitDag("cid1", "127.0.0.1:9000", 3),
		NewRequestTransmitBlock("cid1", "127.0.0.1:9000"),
		NewRetryDagSession("cid1", "127.0.0.1:9000"),
		NewResumeTransmitDag("cid1"),
		NewResumeTransmitAllDags(),
		NewSetConnected(true),
	}

	for _, d := range cases {
		encoded := EncodeMessage(NewDataProtocolMessage(d))
		decoded, err := DecodeMessage(encoded)
		if err != nil {
			t.Fatalf("DecodeMessage(%v): %v", d.Kind, err)
		}
		if decoded.Data.Kind != d.Kind {
			t.Fatalf("roundtrip kind = %v, want %v", decoded.Data.Kind, d.Kind)
		}
	}
}

func TestFitSizeStaysUnderBudget(t *testing.T) {
	for _, within := range []uint16{32, 64, 128, 1024} {
		n := FitSize(within)
		encoded := EncodeMessage(Block(make([]byte, n)))
		if len(encoded) >= int(within) {
			t.Fatalf("FitSize(%d) = %d, encoded size %d >= budget", within, n, len(encoded))
		}
	}
}
