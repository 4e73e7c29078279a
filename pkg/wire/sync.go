package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn-radio/spore/pkg/blockcid"
)

// PushOverhead is the fixed cost (hash + length prefix) a Push message
// adds on top of its CompactList -- callers sizing a push window budget
// against an MTU need this, not just the list's own EncodedSize.
const PushOverhead = 16 + 1

// PushMessage announces a set of locally-available CIDs, order-stable,
// with a digest of the announced CIDs so a peer can detect a corrupted
// or truncated push before acting on it -- a corrupted pull just wastes
// a retry, but a corrupted push can send a peer hunting for a CID that
// never existed.
type PushMessage struct {
	FirstCIDName string
	CIDs         *CompactList
	hash         [16]byte
}

// NewPushMessage builds a PushMessage over cids, stamped with firstCIDName
// as an advisory filename hint and a Blake2s-128 digest of cids.
func NewPushMessage(cids *CompactList, firstCIDName string) *PushMessage {
	return &PushMessage{
		FirstCIDName: firstCIDName,
		CIDs:         cids,
		hash:         hashCompactList(cids),
	}
}

// Check reports whether the embedded hash still matches CIDs -- call
// this before trusting a PushMessage decoded off the wire.
func (p *PushMessage) Check() bool {
	return p.hash == hashCompactList(p.CIDs)
}

func hashCompactList(cids *CompactList) [16]byte {
	var buf bytes.Buffer
	list, err := cids.CIDs()
	if err != nil {
		return [16]byte{}
	}
	for _, c := range list {
		buf.Write(c.Bytes())
	}
	sum, err := blockcid.Sum(blockcid.Blake2s128, buf.Bytes())
	if err != nil {
		return [16]byte{}
	}
	var out [16]byte
	copy(out[:], sum)
	return out
}

func (p *PushMessage) encode(w *Buffer) {
	WriteString(w, p.FirstCIDName)
	p.CIDs.Encode(w)
	w.Write(p.hash[:])
}

func decodePushMessage(r *Reader) (*PushMessage, error) {
	name, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	cids, err := DecodeCompactList(r)
	if err != nil {
		return nil, err
	}
	var hash [16]byte
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return nil, err
	}
	return &PushMessage{FirstCIDName: name, CIDs: cids, hash: hash}, nil
}

// SyncMessage is the DAG-sync handshake sub-protocol: peers advertise
// what they have (Push), ask for what they lack (Pull), quiet a peer
// that's already pushing something they have (Ack), and carry raw block
// bytes (Block).
type SyncMessage struct {
	Kind SyncKind
	Push *PushMessage
	Pull *CompactList
	Ack  *CompactList
	Block []byte
}

// SyncKind discriminates SyncMessage's variants.
type SyncKind uint8

const (
	SyncPush SyncKind = iota
	SyncPull
	SyncAck
	SyncBlock
)

// NewSyncPush wraps a Push sub-message.
func NewSyncPush(msg *PushMessage) SyncMessage { return SyncMessage{Kind: SyncPush, Push: msg} }

// NewSyncPull wraps a Pull sub-message.
func NewSyncPull(cids *CompactList) SyncMessage { return SyncMessage{Kind: SyncPull, Pull: cids} }

// NewSyncAck wraps an Ack sub-message.
func NewSyncAck(cids *CompactList) SyncMessage { return SyncMessage{Kind: SyncAck, Ack: cids} }

// NewSyncBlock wraps raw block bytes.
func NewSyncBlock(data []byte) SyncMessage { return SyncMessage{Kind: SyncBlock, Block: data} }

// Name reports the sub-message's variant name, for logging.
func (m SyncMessage) Name() string {
	switch m.Kind {
	case SyncPush:
		return "Push"
	case SyncPull:
		return "Pull"
	case SyncAck:
		return "Ack"
	case SyncBlock:
		return "Block"
	default:
		return "Unknown"
	}
}

func (m SyncMessage) encode(w *Buffer) {
	WriteU8(w, uint8(m.Kind))
	switch m.Kind {
	case SyncPush:
		m.Push.encode(w)
	case SyncPull:
		m.Pull.Encode(w)
	case SyncAck:
		m.Ack.Encode(w)
	case SyncBlock:
		WriteBytes(w, m.Block)
	}
}

func decodeSyncMessage(r *Reader) (SyncMessage, error) {
	tag, err := ReadU8(r)
	if err != nil {
		return SyncMessage{}, err
	}

	switch SyncKind(tag) {
	case SyncPush:
		p, err := decodePushMessage(r)
		if err != nil {
			return SyncMessage{}, err
		}
		return NewSyncPush(p), nil
	case SyncPull:
		l, err := DecodeCompactList(r)
		if err != nil {
			return SyncMessage{}, err
		}
		return NewSyncPull(l), nil
	case SyncAck:
		l, err := DecodeCompactList(r)
		if err != nil {
			return SyncMessage{}, err
		}
		return NewSyncAck(l), nil
	case SyncBlock:
		b, err := ReadBytes(r)
		if err != nil {
			return SyncMessage{}, err
		}
		return NewSyncBlock(b), nil
	default:
		return SyncMessage{}, fmt.Errorf("wire: unknown sync variant %d", tag)
	}
}
