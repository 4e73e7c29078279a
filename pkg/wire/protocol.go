package wire

import "fmt"

// TransmissionBlock is a single content-addressed block as it travels
// over the data protocol: its CID, raw data, and child link CIDs, all as
// raw bytes rather than parsed types so the wire layer stays decoupled
// from the CID implementation.
type TransmissionBlock struct {
	CID   []byte
	Data  []byte
	Links [][]byte
}

func (b TransmissionBlock) encode(w *Buffer) {
	WriteBytes(w, b.CID)
	WriteBytes(w, b.Data)
	WriteBytesSlice(w, b.Links)
}

func decodeTransmissionBlock(r *Reader) (TransmissionBlock, error) {
	cid, err := ReadBytes(r)
	if err != nil {
		return TransmissionBlock{}, err
	}
	data, err := ReadBytes(r)
	if err != nil {
		return TransmissionBlock{}, err
	}
	links, err := ReadBytesSlice(r)
	if err != nil {
		return TransmissionBlock{}, err
	}
	return TransmissionBlock{CID: cid, Data: data, Links: links}, nil
}

// DataKind discriminates DataProtocol's variants. Order matches the
// upstream enum declaration, since that order is the wire tag.
type DataKind uint8

const (
	DataBlock DataKind = iota
	DataRequestTransmitDag
	DataRequestTransmitBlock
	DataRequestMissingDagBlocks
	DataRequestMissingDagWindowBlocks
	DataMissingDagBlocks
	DataRetryDagSession
	DataResumeTransmitDag
	DataResumeTransmitAllDags
	DataSetConnected
)

// DataProtocol is the Shipper's wire channel: raw block payloads, the
// requests that begin or retry a windowed transfer, and the
// request/response pair a receiver uses to ask for whatever the
// sender's window didn't cover.
type DataProtocol struct {
	Kind DataKind

	Block      TransmissionBlock
	CID        string
	CIDs       []string
	TargetAddr string
	Retries    uint8
	Connected  bool
}

// NewDataBlock wraps a TransmissionBlock for the wire.
func NewDataBlock(b TransmissionBlock) DataProtocol {
	return DataProtocol{Kind: DataBlock, Block: b}
}

// NewRequestTransmitDag begins a windowed transfer of cid's whole DAG to
// targetAddr, retrying each window up to retries times (0 behaves like
// 1; there is no unbounded retry mode).
func NewRequestTransmitDag(cid, targetAddr string, retries uint8) DataProtocol {
	return DataProtocol{Kind: DataRequestTransmitDag, CID: cid, TargetAddr: targetAddr, Retries: retries}
}

// NewRequestTransmitBlock asks the shipper to send a single block to
// targetAddr.
func NewRequestTransmitBlock(cid, targetAddr string) DataProtocol {
	return DataProtocol{Kind: DataRequestTransmitBlock, CID: cid, TargetAddr: targetAddr}
}

// NewRequestMissingDagBlocks asks for every block missing from cid's DAG.
func NewRequestMissingDagBlocks(cid string) DataProtocol {
	return DataProtocol{Kind: DataRequestMissingDagBlocks, CID: cid}
}

// NewRequestMissingDagWindowBlocks asks for specific block CIDs within
// cid's DAG, typically the gaps left by one transmit window.
func NewRequestMissingDagWindowBlocks(cid string, blocks []string) DataProtocol {
	return DataProtocol{Kind: DataRequestMissingDagWindowBlocks, CID: cid, CIDs: blocks}
}

// NewMissingDagBlocks answers a missing-blocks request.
func NewMissingDagBlocks(cid string, blocks []string) DataProtocol {
	return DataProtocol{Kind: DataMissingDagBlocks, CID: cid, CIDs: blocks}
}

// NewRetryDagSession is the Shipper's own retry-timer self-message: re-ask
// for whatever cid's current window still lacks.
func NewRetryDagSession(cid, targetAddr string) DataProtocol {
	return DataProtocol{Kind: DataRetryDagSession, CID: cid, TargetAddr: targetAddr}
}

// NewResumeTransmitDag asks the shipper to resume a single suspended
// session.
func NewResumeTransmitDag(cid string) DataProtocol {
	return DataProtocol{Kind: DataResumeTransmitDag, CID: cid}
}

// NewResumeTransmitAllDags asks the shipper to resume every active
// session, typically sent when the link transitions from disconnected
// to connected.
func NewResumeTransmitAllDags() DataProtocol {
	return DataProtocol{Kind: DataResumeTransmitAllDags}
}

// NewSetConnected tells the shipper whether the link is currently usable.
func NewSetConnected(connected bool) DataProtocol {
	return DataProtocol{Kind: DataSetConnected, Connected: connected}
}

func (d DataProtocol) encode(w *Buffer) {
	WriteU8(w, uint8(d.Kind))
	switch d.Kind {
	case DataBlock:
		d.Block.encode(w)
	case DataRequestTransmitDag:
		WriteString(w, d.CID)
		WriteString(w, d.TargetAddr)
		WriteU8(w, d.Retries)
	case DataRequestTransmitBlock:
		WriteString(w, d.CID)
		WriteString(w, d.TargetAddr)
	case DataRequestMissingDagBlocks:
		WriteString(w, d.CID)
	case DataRequestMissingDagWindowBlocks:
		WriteString(w, d.CID)
		WriteStringSlice(w, d.CIDs)
	case DataMissingDagBlocks:
		WriteString(w, d.CID)
		WriteStringSlice(w, d.CIDs)
	case DataRetryDagSession:
		WriteString(w, d.CID)
		WriteString(w, d.TargetAddr)
	case DataResumeTransmitDag:
		WriteString(w, d.CID)
	case DataResumeTransmitAllDags:
	case DataSetConnected:
		WriteBool(w, d.Connected)
	}
}

func decodeDataProtocol(r *Reader) (DataProtocol, error) {
	tag, err := ReadU8(r)
	if err != nil {
		return DataProtocol{}, err
	}

	switch DataKind(tag) {
	case DataBlock:
		b, err := decodeTransmissionBlock(r)
		return DataProtocol{Kind: DataBlock, Block: b}, err
	case DataRequestTransmitDag:
		cid, err := ReadString(r)
		if err != nil {
			return DataProtocol{}, err
		}
		target, err := ReadString(r)
		if err != nil {
			return DataProtocol{}, err
		}
		retries, err := ReadU8(r)
		return DataProtocol{Kind: DataRequestTransmitDag, CID: cid, TargetAddr: target, Retries: retries}, err
	case DataRequestTransmitBlock:
		cid, err := ReadString(r)
		if err != nil {
			return DataProtocol{}, err
		}
		target, err := ReadString(r)
		return DataProtocol{Kind: DataRequestTransmitBlock, CID: cid, TargetAddr: target}, err
	case DataRequestMissingDagBlocks:
		cid, err := ReadString(r)
		return DataProtocol{Kind: DataRequestMissingDagBlocks, CID: cid}, err
	case DataRequestMissingDagWindowBlocks:
		cid, err := ReadString(r)
		if err != nil {
			return DataProtocol{}, err
		}
		blocks, err := ReadStringSlice(r)
		return DataProtocol{Kind: DataRequestMissingDagWindowBlocks, CID: cid, CIDs: blocks}, err
	case DataMissingDagBlocks:
		cid, err := ReadString(r)
		if err != nil {
			return DataProtocol{}, err
		}
		blocks, err := ReadStringSlice(r)
		return DataProtocol{Kind: DataMissingDagBlocks, CID: cid, CIDs: blocks}, err
	case DataRetryDagSession:
		cid, err := ReadString(r)
		if err != nil {
			return DataProtocol{}, err
		}
		target, err := ReadString(r)
		return DataProtocol{Kind: DataRetryDagSession, CID: cid, TargetAddr: target}, err
	case DataResumeTransmitDag:
		cid, err := ReadString(r)
		return DataProtocol{Kind: DataResumeTransmitDag, CID: cid}, err
	case DataResumeTransmitAllDags:
		return DataProtocol{Kind: DataResumeTransmitAllDags}, nil
	case DataSetConnected:
		connected, err := ReadBool(r)
		return DataProtocol{Kind: DataSetConnected, Connected: connected}, err
	default:
		return DataProtocol{}, fmt.Errorf("wire: unknown DataProtocol variant %d", tag)
	}
}
