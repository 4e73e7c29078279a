package wire

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrMixedCIDList is returned when a CID's codec/algorithm doesn't match
// the list's established meta.
var ErrMixedCIDList = errors.New("wire: cid does not share this list's codec/algorithm")

// ListMeta is the codec+hash-algorithm pair every digest in a
// CompactList shares, so only one copy needs encoding for the whole
// list. It also doubles as the key a Syncer groups in-flight CIDs by,
// since two CIDs sharing a ListMeta can always be merged into one list.
type ListMeta struct {
	Codec uint64
	Algo  uint64
}

// MetaOf reports the ListMeta c would be grouped under.
func MetaOf(c cid.Cid) (ListMeta, error) {
	m, _, err := metaOf(c)
	return m, err
}

func metaOf(c cid.Cid) (ListMeta, []byte, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return ListMeta{}, nil, err
	}
	return ListMeta{Codec: c.Type(), Algo: decoded.Code}, decoded.Digest, nil
}

// CompactList packs a run of CIDs that share one codec and hash
// algorithm down to their raw digests, at the cost of only carrying
// meta once. Building stops accepting new CIDs once the encoded size
// would exceed the byte budget passed to Include.
type CompactList struct {
	meta    ListMeta
	digests [][]byte
	size    int
}

// NewCompactList builds a one-element list from c.
func NewCompactList(c cid.Cid) (*CompactList, error) {
	l := &CompactList{}
	if err := l.assign(c); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *CompactList) assign(c cid.Cid) error {
	meta, digest, err := metaOf(c)
	if err != nil {
		return err
	}
	l.meta = meta
	l.digests = [][]byte{digest}
	l.size = l.EncodedSize()
	return nil
}

// IsEmpty reports whether the list has never had a CID assigned.
func (l *CompactList) IsEmpty() bool { return l.size == 0 }

// Meta reports the ListMeta this list's digests share. Meaningless on
// an empty list.
func (l *CompactList) Meta() ListMeta { return l.meta }

// BuiltSize returns the list's current encoded size.
func (l *CompactList) BuiltSize() int { return l.size }

// Contains reports whether c's digest is already in the list.
func (l *CompactList) Contains(c cid.Cid) bool {
	meta, digest, err := metaOf(c)
	if err != nil || meta != l.meta {
		return false
	}
	return l.containsDigest(digest)
}

func (l *CompactList) containsDigest(digest []byte) bool {
	for _, d := range l.digests {
		if string(d) == string(digest) {
			return true
		}
	}
	return false
}

func lenLen(n int) int {
	return CompactLen(uint64(n))
}

// Include adds c to the list if it shares the list's meta (or the list
// is still empty) and the result fits within sz encoded bytes. Returns
// whether c ended up represented in the list.
func (l *CompactList) Include(c cid.Cid, sz int) bool {
	if l.size == 0 {
		return l.assign(c) == nil
	}

	meta, digest, err := metaOf(c)
	if err != nil || meta != l.meta {
		return false
	}
	if l.containsDigest(digest) {
		return true
	}

	delta := len(digest) + lenLen(len(digest)) + lenLen(len(l.digests)+1) - lenLen(len(l.digests))
	if l.size+delta > sz {
		return false
	}

	l.digests = append(l.digests, digest)
	l.size += delta
	return true
}

// CIDs materializes every CID the list represents.
func (l *CompactList) CIDs() ([]cid.Cid, error) {
	out := make([]cid.Cid, 0, len(l.digests))
	for _, d := range l.digests {
		mh, err := multihash.Encode(d, l.meta.Algo)
		if err != nil {
			return nil, err
		}
		out = append(out, cid.NewCidV1(l.meta.Codec, mh))
	}
	return out, nil
}

// EncodedSize computes the list's SCALE-encoded size without mutating it.
func (l *CompactList) EncodedSize() int {
	n := CompactLen(l.meta.Codec) + CompactLen(l.meta.Algo)
	n += lenLen(len(l.digests))
	for _, d := range l.digests {
		n += lenLen(len(d)) + len(d)
	}
	return n
}

// Encode appends the list's SCALE encoding to w.
func (l *CompactList) Encode(w *Buffer) {
	WriteCompactUint(w, l.meta.Codec)
	WriteCompactUint(w, l.meta.Algo)
	WriteBytesSlice(w, l.digests)
}

// DecodeCompactList decodes a CompactList from r.
func DecodeCompactList(r *Reader) (*CompactList, error) {
	codec, err := ReadCompactUint(r)
	if err != nil {
		return nil, err
	}
	algo, err := ReadCompactUint(r)
	if err != nil {
		return nil, err
	}
	digests, err := ReadBytesSlice(r)
	if err != nil {
		return nil, err
	}

	l := &CompactList{meta: ListMeta{Codec: codec, Algo: algo}, digests: digests}
	l.size = l.EncodedSize()
	return l, nil
}
