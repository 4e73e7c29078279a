// Package blockcid wraps github.com/ipfs/go-cid and
// github.com/multiformats/go-multihash with the fixed set of codecs and
// hash algorithms this node speaks: Raw and DAG-PB codecs, and
// Blake2s-128/SHA2-256/SHA2-512 digests. CID V0 is accepted on input and
// always converted to V1; only V1 is ever produced.
package blockcid

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// Codec tags a block's encoding. Only two are in use: raw leaf data and
// DAG-PB internal nodes.
type Codec uint64

const (
	Raw   Codec = Codec(multicodec.Raw)
	DagPB Codec = Codec(multicodec.DagPb)
)

// Algo names a supported hash algorithm.
type Algo uint64

const (
	// Blake2s128 is multihash's blake2s-128 code: the blake2s family
	// occupies 0xb241..0xb260, one code per digest byte length (1..32).
	Blake2s128 Algo = 0xb240 + 16
	Sha2_256   Algo = multihash.SHA2_256
	Sha2_512   Algo = multihash.SHA2_512
)

func (a Algo) String() string {
	switch a {
	case Blake2s128:
		return "blake2s-128"
	case Sha2_256:
		return "sha2-256"
	case Sha2_512:
		return "sha2-512"
	default:
		return fmt.Sprintf("algo(%d)", uint64(a))
	}
}

// Sum computes data's digest under algo.
func Sum(algo Algo, data []byte) ([]byte, error) {
	length := -1
	if algo == Blake2s128 {
		length = 16
	}

	mh, err := multihash.Sum(data, uint64(algo), length)
	if err != nil {
		return nil, fmt.Errorf("hash under %s: %w", algo, err)
	}

	decoded, err := multihash.Decode(mh)
	if err != nil {
		return nil, err
	}

	return decoded.Digest, nil
}

// New builds a V1 CID of codec over data's digest under algo.
func New(codec Codec, algo Algo, data []byte) (cid.Cid, error) {
	length := -1
	if algo == Blake2s128 {
		length = 16
	}

	mh, err := multihash.Sum(data, uint64(algo), length)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash under %s: %w", algo, err)
	}

	return cid.NewCidV1(uint64(codec), mh), nil
}

// Parse decodes a CID from its string form, converting V0 to V1 so that
// only V1 CIDs ever circulate past this boundary.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("parse cid %q: %w", s, err)
	}

	if c.Version() == 0 {
		c = cid.NewCidV1(c.Type(), c.Hash())
	}

	return c, nil
}

// Verify reports whether data hashes, under the algorithm embedded in c's
// multihash, to c's recorded digest.
func Verify(c cid.Cid, data []byte) error {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("decode multihash: %w", err)
	}

	length := -1
	if Algo(decoded.Code) == Blake2s128 {
		length = 16
	}

	sum, err := multihash.Sum(data, decoded.Code, length)
	if err != nil {
		return fmt.Errorf("hash under algo %d: %w", decoded.Code, err)
	}

	sumDecoded, err := multihash.Decode(sum)
	if err != nil {
		return err
	}

	if string(sumDecoded.Digest) != string(decoded.Digest) {
		return ErrDigestMismatch
	}

	return nil
}

// CodecOf returns c's codec tag as our Codec type.
func CodecOf(c cid.Cid) Codec {
	return Codec(c.Type())
}
