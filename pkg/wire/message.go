package wire

import (
	"errors"
	"fmt"
)

// ErrEmptyCIDList is returned by Push when given an empty CompactList --
// an empty push carries no information and signals a caller bug rather
// than a legitimate "nothing to announce" state.
var ErrEmptyCIDList = errors.New("wire: cannot push an empty cid list")

// MessageKind discriminates Message's top-level variants.
type MessageKind uint8

const (
	KindDataProtocol MessageKind = iota
	KindApplicationAPI
	KindError
	KindSync
)

// Message is the single envelope every wire packet carries: a windowed
// block-shipping payload, a control/operator request or response, an
// error string, or a DAG-sync handshake message.
type Message struct {
	Kind  MessageKind
	Data  DataProtocol
	API   ApplicationAPI
	Err   string
	Sync  SyncMessage
}

// NewDataProtocolMessage wraps a DataProtocol payload.
func NewDataProtocolMessage(d DataProtocol) Message {
	return Message{Kind: KindDataProtocol, Data: d}
}

// NewAPIMessage wraps an ApplicationAPI payload.
func NewAPIMessage(a ApplicationAPI) Message {
	return Message{Kind: KindApplicationAPI, API: a}
}

// NewErrorMessage wraps an error string.
func NewErrorMessage(msg string) Message {
	return Message{Kind: KindError, Err: msg}
}

// NewSyncMessage wraps a SyncMessage payload.
func NewSyncMessage(s SyncMessage) Message {
	return Message{Kind: KindSync, Sync: s}
}

// Convenience constructors mirroring the common request/response shapes
// the rest of the node builds over and over.

// AvailableBlocksMsg advertises locally-stored CIDs.
func AvailableBlocksMsg(cids []string) Message {
	return NewAPIMessage(AvailableBlocks(cids))
}

// RequestAvailableBlocksMsg asks a peer to advertise its stored CIDs.
func RequestAvailableBlocksMsg() Message {
	return NewAPIMessage(RequestAvailableBlocks())
}

// TransmitBlockMsg asks the node to ship a single block to targetAddr.
func TransmitBlockMsg(cid, targetAddr string) Message {
	return NewAPIMessage(TransmitBlock(cid, targetAddr))
}

// TransmitDagMsg asks the node to ship cid's whole DAG to targetAddr,
// retrying each window up to retries times.
func TransmitDagMsg(cid, targetAddr string, retries uint8) Message {
	return NewAPIMessage(TransmitDag(cid, targetAddr, retries))
}

// ImportFileMsg asks the node to import path.
func ImportFileMsg(path string) Message {
	return NewAPIMessage(ImportFile(path))
}

// ExportDagMsg asks the node to export cid to path.
func ExportDagMsg(cid, path string) Message {
	return NewAPIMessage(ExportDag(cid, path))
}

// GetMissingDagBlocksMsg asks for cid's missing blocks.
func GetMissingDagBlocksMsg(cid string) Message {
	return NewAPIMessage(GetMissingDagBlocks(cid))
}

// RequestVersionMsg asks a peer to report its version.
func RequestVersionMsg() Message {
	return NewAPIMessage(RequestVersion())
}

// Push builds a Sync Push message over cids, naming it firstCIDName.
func Push(cids *CompactList, firstCIDName string) (Message, error) {
	if cids.IsEmpty() {
		return Message{}, ErrEmptyCIDList
	}
	return NewSyncMessage(NewSyncPush(NewPushMessage(cids, firstCIDName))), nil
}

// Pull builds a Sync Pull message requesting cids.
func Pull(cids *CompactList) Message {
	return NewSyncMessage(NewSyncPull(cids))
}

// Block builds a Sync Block message carrying raw block bytes.
func Block(data []byte) Message {
	return NewSyncMessage(NewSyncBlock(data))
}

// NeedsEnvelope reports whether m must be chunked/framed before
// transmission -- every variant except Sync, whose messages are already
// sized to fit a single datagram.
func (m Message) NeedsEnvelope() bool {
	return m.Kind != KindSync
}

// Name reports m's top-level variant name, for logging.
func (m Message) Name() string {
	switch m.Kind {
	case KindDataProtocol:
		return "Data"
	case KindApplicationAPI:
		return "API"
	case KindError:
		return "Error"
	case KindSync:
		return m.Sync.Name()
	default:
		return "Unknown"
	}
}

// TargetAddr returns the destination address carried by TransmitBlock /
// TransmitDag requests, or ok=false for every other variant.
func (m Message) TargetAddr() (string, bool) {
	if m.Kind != KindApplicationAPI {
		return "", false
	}
	switch m.API.Kind {
	case APITransmitBlock, APITransmitDag:
		return m.API.TargetAddr, true
	default:
		return "", false
	}
}

// FitSize computes the largest byte-slice length a Sync Block message
// can carry while its encoding still fits within the within-byte budget.
func FitSize(within uint16) uint16 {
	size := int(within) - PushOverhead
	if size < 0 {
		size = 0
	}

	for {
		data := make([]byte, size)
		if len(EncodeMessage(Block(data))) < int(within) {
			return uint16(size)
		}
		size--
		if size < 0 {
			return 0
		}
	}
}

// Encode appends m's SCALE encoding to w.
func (m Message) Encode(w *Buffer) {
	WriteU8(w, uint8(m.Kind))
	switch m.Kind {
	case KindDataProtocol:
		m.Data.encode(w)
	case KindApplicationAPI:
		m.API.encode(w)
	case KindError:
		WriteString(w, m.Err)
	case KindSync:
		m.Sync.encode(w)
	}
}

// EncodeMessage encodes m to a fresh byte slice.
func EncodeMessage(m Message) []byte {
	var buf Buffer
	m.Encode(&buf)
	return buf.Bytes()
}

// DecodeMessage decodes a Message from data.
func DecodeMessage(data []byte) (Message, error) {
	r := NewReader(data)

	tag, err := ReadU8(r)
	if err != nil {
		return Message{}, err
	}

	switch MessageKind(tag) {
	case KindDataProtocol:
		d, err := decodeDataProtocol(r)
		return Message{Kind: KindDataProtocol, Data: d}, err
	case KindApplicationAPI:
		a, err := decodeApplicationAPI(r)
		return Message{Kind: KindApplicationAPI, API: a}, err
	case KindError:
		s, err := ReadString(r)
		return Message{Kind: KindError, Err: s}, err
	case KindSync:
		s, err := decodeSyncMessage(r)
		return Message{Kind: KindSync, Sync: s}, err
	default:
		return Message{}, fmt.Errorf("wire: unknown Message variant %d", tag)
	}
}
