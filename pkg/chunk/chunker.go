// Package chunk splits an over-the-wire Message into MTU-sized pieces
// for transports (like UDP) that can't carry an arbitrarily large
// datagram, and reassembles them on the receiving side. Reassembly
// state -- partially-received messages and recently-sent chunks kept
// around so a peer's "I'm missing piece N" request can be answered
// without resending the whole message -- is held in TTL-bounded caches
// so a stalled transfer can't leak memory forever.
package chunk

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dtn-radio/spore/pkg/wire"
)

const (
	cacheSize = 500
	cacheTTL  = 30 * time.Second
)

// ErrDecodeFailed wraps a chunk that failed to decode as either a Chunk
// or a Missing envelope.
var ErrDecodeFailed = errors.New("chunk: failed to decode chunker message")

// SimpleChunk is one fragment of a chunked Message.
type SimpleChunk struct {
	MessageID      uint16
	SequenceNumber uint16
	FinalChunk     bool
	Data           []byte
}

func (c SimpleChunk) encode(w *wire.Buffer) {
	wire.WriteU16(w, c.MessageID)
	wire.WriteU16(w, c.SequenceNumber)
	wire.WriteBool(w, c.FinalChunk)
	wire.WriteBytes(w, c.Data)
}

func decodeSimpleChunk(r *wire.Reader) (SimpleChunk, error) {
	msgID, err := wire.ReadU16(r)
	if err != nil {
		return SimpleChunk{}, err
	}
	seq, err := wire.ReadU16(r)
	if err != nil {
		return SimpleChunk{}, err
	}
	final, err := wire.ReadBool(r)
	if err != nil {
		return SimpleChunk{}, err
	}
	data, err := wire.ReadBytes(r)
	if err != nil {
		return SimpleChunk{}, err
	}
	return SimpleChunk{MessageID: msgID, SequenceNumber: seq, FinalChunk: final, Data: data}, nil
}

// SeqRef names one chunk of one in-flight message: (message id, sequence
// number).
type SeqRef struct {
	MessageID      uint16
	SequenceNumber uint16
}

// MissingChunks lists the chunks a receiver still needs.
type MissingChunks []SeqRef

func (m MissingChunks) encode(w *wire.Buffer) {
	wire.WriteCompactUint(w, uint64(len(m)))
	for _, s := range m {
		wire.WriteU16(w, s.MessageID)
		wire.WriteU16(w, s.SequenceNumber)
	}
}

func decodeMissingChunks(r *wire.Reader) (MissingChunks, error) {
	n, err := wire.ReadCompactUint(r)
	if err != nil {
		return nil, err
	}
	out := make(MissingChunks, 0, n)
	for i := uint64(0); i < n; i++ {
		msgID, err := wire.ReadU16(r)
		if err != nil {
			return nil, err
		}
		seq, err := wire.ReadU16(r)
		if err != nil {
			return nil, err
		}
		out = append(out, SeqRef{MessageID: msgID, SequenceNumber: seq})
	}
	return out, nil
}

type envelopeKind uint8

const (
	envChunk envelopeKind = iota
	envMissing
)

func encodeChunkEnvelope(c SimpleChunk) []byte {
	var buf wire.Buffer
	wire.WriteU8(&buf, uint8(envChunk))
	c.encode(&buf)
	return buf.Bytes()
}

func encodeMissingEnvelope(m MissingChunks) []byte {
	var buf wire.Buffer
	wire.WriteU8(&buf, uint8(envMissing))
	m.encode(&buf)
	return buf.Bytes()
}

// UnchunkKind discriminates Unchunk's result.
type UnchunkKind uint8

const (
	UnchunkMessage UnchunkKind = iota
	UnchunkMissing
)

// UnchunkResult is either a fully-reassembled Message or a peer's report
// of which chunks it's still missing.
type UnchunkResult struct {
	Kind    UnchunkKind
	Message wire.Message
	Missing MissingChunks
}

// Chunker turns a Message into MTU-sized wire chunks and reassembles
// them on receipt.
type Chunker interface {
	Chunk(msg wire.Message) ([][]byte, error)
	Unchunk(data []byte) (*UnchunkResult, error)
	FindMissingChunks() ([][]byte, error)
	GetPrevSentChunks(missing MissingChunks) ([][]byte, error)
}

// SimpleChunker is the only Chunker implementation: MTU-bounded
// fragmentation with a sliding reassembly window per message id.
type SimpleChunker struct {
	mtu      uint16
	overhead uint16

	mu            sync.Mutex
	recvCache     *lru.LRU[uint16, map[uint16]SimpleChunk]
	lastRecvMsgID uint16
	sentCache     *lru.LRU[uint16, []SimpleChunk]
}

// NewSimpleChunker builds a chunker bounding fragments to mtu bytes.
func NewSimpleChunker(mtu uint16) *SimpleChunker {
	probe := SimpleChunk{MessageID: 0xffff, SequenceNumber: 0xffff, FinalChunk: true}
	overhead := uint16(len(encodeChunkEnvelope(probe)))

	return &SimpleChunker{
		mtu:       mtu,
		overhead:  overhead,
		recvCache: lru.NewLRU[uint16, map[uint16]SimpleChunk](cacheSize, nil, cacheTTL),
		sentCache: lru.NewLRU[uint16, []SimpleChunk](cacheSize, nil, cacheTTL),
	}
}

func (c *SimpleChunker) payloadSize() int {
	size := int(c.mtu) - int(c.overhead)
	if size < 1 {
		size = 1
	}
	return size
}

// Chunk fragments msg into wire-ready chunk envelopes.
func (c *SimpleChunker) Chunk(msg wire.Message) ([][]byte, error) {
	msgID := uint16(rand.Uint32())
	data := wire.EncodeMessage(msg)

	payload := c.payloadSize()
	var chunks []SimpleChunk
	for i := 0; i < len(data); i += payload {
		end := i + payload
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, SimpleChunk{
			MessageID:      msgID,
			SequenceNumber: uint16(len(chunks)),
			Data:           data[i:end],
		})
	}
	if len(chunks) == 0 {
		chunks = append(chunks, SimpleChunk{MessageID: msgID, SequenceNumber: 0})
	}
	chunks[len(chunks)-1].FinalChunk = true

	if !isRawDataBlock(msg) {
		c.mu.Lock()
		c.sentCache.Add(msgID, chunks)
		c.mu.Unlock()
	}

	out := make([][]byte, 0, len(chunks))
	for _, chk := range chunks {
		out = append(out, encodeChunkEnvelope(chk))
	}
	return out, nil
}

func isRawDataBlock(msg wire.Message) bool {
	return msg.Kind == wire.KindDataProtocol && msg.Data.Kind == wire.DataBlock
}

// Unchunk feeds one received fragment into the reassembly state.
func (c *SimpleChunker) Unchunk(data []byte) (*UnchunkResult, error) {
	r := wire.NewReader(data)
	tag, err := wire.ReadU8(r)
	if err != nil {
		return nil, ErrDecodeFailed
	}

	switch envelopeKind(tag) {
	case envChunk:
		chunk, err := decodeSimpleChunk(r)
		if err != nil {
			return nil, ErrDecodeFailed
		}
		c.recvChunk(chunk)
		return c.attemptAssembly()
	case envMissing:
		missing, err := decodeMissingChunks(r)
		if err != nil {
			return nil, ErrDecodeFailed
		}
		return &UnchunkResult{Kind: UnchunkMissing, Missing: missing}, nil
	default:
		return nil, ErrDecodeFailed
	}
}

func (c *SimpleChunker) recvChunk(chunk SimpleChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastRecvMsgID = chunk.MessageID

	msgMap, ok := c.recvCache.Get(chunk.MessageID)
	if !ok {
		msgMap = make(map[uint16]SimpleChunk)
	}
	msgMap[chunk.SequenceNumber] = chunk
	c.recvCache.Add(chunk.MessageID, msgMap)
}

func (c *SimpleChunker) attemptAssembly() (*UnchunkResult, error) {
	c.mu.Lock()
	msgMap, ok := c.recvCache.Get(c.lastRecvMsgID)
	msgID := c.lastRecvMsgID
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}

	seqs := make([]uint16, 0, len(msgMap))
	for seq := range msgMap {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	if len(seqs) == 0 {
		return nil, nil
	}
	last := msgMap[seqs[len(seqs)-1]]
	if !last.FinalChunk || int(last.SequenceNumber) != len(seqs)-1 {
		return nil, nil
	}

	var all []byte
	for _, seq := range seqs {
		all = append(all, msgMap[seq].Data...)
	}

	msg, err := wire.DecodeMessage(all)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.recvCache.Remove(msgID)
	c.mu.Unlock()

	return &UnchunkResult{Kind: UnchunkMessage, Message: msg}, nil
}

// FindMissingChunksMap scans every in-progress reassembly and reports
// the (message id, sequence number) gaps in its run of received chunks.
func (c *SimpleChunker) FindMissingChunksMap() []SeqRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	var missing []SeqRef
	for _, msgID := range c.recvCache.Keys() {
		msgMap, ok := c.recvCache.Get(msgID)
		if !ok {
			continue
		}

		seqs := make([]uint16, 0, len(msgMap))
		for seq := range msgMap {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		var prev int32 = -1
		foundLast := false
		for _, seq := range seqs {
			expected := prev + 1
			if prev == -1 && seq > 0 {
				expected = 0
			}
			for gap := expected; gap < int32(seq); gap++ {
				missing = append(missing, SeqRef{MessageID: msgID, SequenceNumber: uint16(gap)})
			}
			prev = int32(seq)
			foundLast = msgMap[seq].FinalChunk
		}

		if !foundLast && prev >= 0 {
			missing = append(missing, SeqRef{MessageID: msgID, SequenceNumber: uint16(prev + 1)})
		}
	}
	return missing
}

// FindMissingChunks batches FindMissingChunksMap into MTU-sized Missing
// envelopes.
func (c *SimpleChunker) FindMissingChunks() ([][]byte, error) {
	missing := c.FindMissingChunksMap()

	perMsgOverhead := 4
	maxPerMsg := (int(c.mtu) - 4) / perMsgOverhead
	if maxPerMsg < 1 {
		maxPerMsg = 1
	}

	var out [][]byte
	for i := 0; i < len(missing); i += maxPerMsg {
		end := i + maxPerMsg
		if end > len(missing) {
			end = len(missing)
		}
		out = append(out, encodeMissingEnvelope(MissingChunks(missing[i:end])))
	}
	return out, nil
}

// GetPrevSentChunks re-encodes previously-sent chunks matching missing,
// so a peer that lost them can get a retransmit.
func (c *SimpleChunker) GetPrevSentChunks(missing MissingChunks) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]byte
	for _, ref := range missing {
		sent, ok := c.sentCache.Get(ref.MessageID)
		if !ok {
			continue
		}
		for _, chk := range sent {
			if chk.SequenceNumber == ref.SequenceNumber {
				out = append(out, encodeChunkEnvelope(chk))
				break
			}
		}
	}
	return out, nil
}
