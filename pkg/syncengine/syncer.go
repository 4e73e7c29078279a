// Package syncengine decides, for one peer conversation, what to push,
// what to pull, and how to react to whatever arrives on the wire. It
// holds no transport or storage of its own: every block read or write
// goes through a repo.Repo, and every outgoing message is handed back
// to the caller to send however it likes.
package syncengine

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ipfs/boxo/ipld/merkledag"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multihash"

	"github.com/dtn-radio/spore/pkg/blockcid"
	"github.com/dtn-radio/spore/pkg/repo"
	"github.com/dtn-radio/spore/pkg/store"
	"github.com/dtn-radio/spore/pkg/wire"
)

var log = logging.Logger("sync")

// ErrNoCIDsInPush is returned by Handle when a peer's Push message
// carries an empty CID list -- CIDs() already rejects empty pushes at
// construction, but Handle double-checks before indexing cids[0].
var ErrNoCIDsInPush = errors.New("syncengine: push carried no cids")

var errEmptyFill = errors.New("syncengine: cannot fill an empty cid list")

// side picks which half of the Syncer's bookkeeping an internal
// operation targets.
type side int

const (
	sidePush side = iota
	sidePull
)

// toSend is one ListMeta's queue of CIDs still in flight. hi is
// consulted before lo; acked counts how many times a peer has already
// quieted a CID still sitting in lo, since a single stray duplicate Ack
// shouldn't drop it.
type toSend struct {
	hi    []cid.Cid
	lo    []cid.Cid
	acked map[cid.Cid]uint8
}

func newToSend() *toSend {
	return &toSend{acked: make(map[cid.Cid]uint8)}
}

// fillCids walks hi then lo, stopping at the first CID that no longer
// fits within size, and (if mutate) rotates that queue so the next pass
// resumes past the CIDs that were just included.
func (t *toSend) fillCids(list *wire.CompactList, size int, mutate bool) {
	for _, q := range [][]cid.Cid{t.hi, t.lo} {
		idx := firstNotIncluded(q, list, size)
		if idx >= 0 && mutate {
			rotateLeft(q, idx)
		}
	}
}

func firstNotIncluded(q []cid.Cid, list *wire.CompactList, size int) int {
	for i, c := range q {
		if !list.Include(c, size) {
			return i
		}
	}
	return -1
}

func rotateLeft(s []cid.Cid, n int) {
	if len(s) == 0 {
		return
	}
	n %= len(s)
	if n == 0 {
		return
	}
	head := append([]cid.Cid{}, s[:n]...)
	copy(s, s[n:])
	copy(s[len(s)-n:], head)
}

func indexOfCID(s []cid.Cid, c cid.Cid) int {
	for i, v := range s {
		if v == c {
			return i
		}
	}
	return -1
}

func removeCIDAt(s []cid.Cid, i int) []cid.Cid {
	return append(s[:i], s[i+1:]...)
}

// byMeta groups in-flight CIDs by the ListMeta they share, in
// first-seen-then-sorted iteration order (a stand-in for the ordered
// map the upstream implementation uses).
type byMeta struct {
	order []wire.ListMeta
	m     map[wire.ListMeta]*toSend
}

func newByMeta() *byMeta {
	return &byMeta{m: make(map[wire.ListMeta]*toSend)}
}

func (b *byMeta) getOrCreate(meta wire.ListMeta) *toSend {
	if t, ok := b.m[meta]; ok {
		return t
	}
	t := newToSend()
	b.m[meta] = t
	b.order = append(b.order, meta)
	return t
}

func (b *byMeta) get(meta wire.ListMeta) (*toSend, bool) {
	t, ok := b.m[meta]
	return t, ok
}

func (b *byMeta) sortedMetas() []wire.ListMeta {
	out := append([]wire.ListMeta{}, b.order...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Codec != out[j].Codec {
			return out[i].Codec < out[j].Codec
		}
		return out[i].Algo < out[j].Algo
	})
	return out
}

func popFirstHi(b *byMeta) (cid.Cid, bool) {
	for _, meta := range b.sortedMetas() {
		q := b.m[meta]
		if len(q.hi) > 0 {
			c := q.hi[0]
			q.hi = q.hi[1:]
			return c, true
		}
	}
	return cid.Undef, false
}

// NamedCID pairs a CID this node already has with its advisory filename
// -- the seed data Syncer uses to figure out what it should be pushing
// to a fresh peer from the moment the conversation starts.
type NamedCID struct {
	CID  cid.Cid
	Name string
}

type pendingName struct {
	CID  cid.Cid
	Name string
}

// Syncer is the push/pull bookkeeping for one peer. It never touches
// the network: Handle and BuildMsg take a repo.Repo for storage and
// return Messages for the caller to actually transmit.
type Syncer struct {
	pull *byMeta
	push *byMeta
	mtu  int

	ready []wire.Message

	pendingNames []pendingName
	names        map[cid.Cid]string
}

// New seeds a Syncer: knownKnowns are CIDs (and optional names) this
// node already holds and will offer to push; knownUnknowns are CIDs it
// has learned about but doesn't have yet, and will try to pull.
func New(mtu int, knownKnowns []NamedCID, knownUnknowns []cid.Cid) (*Syncer, error) {
	s := &Syncer{
		pull:  newByMeta(),
		push:  newByMeta(),
		mtu:   mtu,
		names: make(map[cid.Cid]string),
	}
	for _, kk := range knownKnowns {
		if err := s.WillPush(kk.CID); err != nil {
			return nil, err
		}
		if kk.Name != "" {
			s.names[kk.CID] = kk.Name
			s.pendingNames = append(s.pendingNames, pendingName{kk.CID, kk.Name})
		}
	}
	for _, c := range knownUnknowns {
		if err := s.WillPull(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func add(b *byMeta, c cid.Cid) error {
	meta, err := wire.MetaOf(c)
	if err != nil {
		return err
	}
	t := b.getOrCreate(meta)
	t.hi = append(t.hi, c)
	t.lo = append(t.lo, c)
	return nil
}

func stop(b *byMeta, c cid.Cid) bool {
	meta, err := wire.MetaOf(c)
	if err != nil {
		return false
	}
	t, ok := b.get(meta)
	if !ok {
		return false
	}
	if idx := indexOfCID(t.hi, c); idx >= 0 {
		t.hi = removeCIDAt(t.hi, idx)
		return true
	}
	if cnt := t.acked[c]; cnt != 255 {
		t.acked[c] = cnt + 1
		return true
	}
	if idx := indexOfCID(t.lo, c); idx >= 0 {
		t.lo = removeCIDAt(t.lo, idx)
		return true
	}
	delete(t.acked, c)
	return true
}

// WillPush marks c as something to offer this peer.
func (s *Syncer) WillPush(c cid.Cid) error { return add(s.push, c) }

// WillPull marks c as something to request from this peer.
func (s *Syncer) WillPull(c cid.Cid) error { return add(s.pull, c) }

// StopPushing drops c from the push queue, e.g. once it's been Acked.
func (s *Syncer) StopPushing(c cid.Cid) bool { return stop(s.push, c) }

// StopPulling drops c from the pull queue, e.g. once it's arrived.
func (s *Syncer) StopPulling(c cid.Cid) bool { return stop(s.pull, c) }

func (s *Syncer) pushFront(m wire.Message) { s.ready = append([]wire.Message{m}, s.ready...) }
func (s *Syncer) pushBack(m wire.Message)  { s.ready = append(s.ready, m) }

func (s *Syncer) popFront() (wire.Message, bool) {
	if len(s.ready) == 0 {
		return wire.Message{}, false
	}
	m := s.ready[0]
	s.ready = s.ready[1:]
	return m, true
}

func encodedStringSize(str string) int {
	return wire.CompactLen(uint64(len(str))) + len(str)
}

// PushDag queues root and its direct links for pushing. If root is
// named, the push announcing that name (root plus as many links as fit)
// is either returned immediately (later=false) or put at the front of
// the ready queue (later=true), where the pushes built for the remaining
// links then land ahead of it; unnamed or overflow CIDs always queue.
func (s *Syncer) PushDag(root store.Block, later bool) (*wire.Message, error) {
	log.Debugf("push_dag(%s, later=%v)", root.CID, later)

	if err := s.WillPush(root.CID); err != nil {
		return nil, err
	}

	linked := append([]cid.Cid{}, root.Links...)
	for _, lc := range root.Links {
		if err := s.WillPush(lc); err != nil {
			return nil, err
		}
	}

	var rootPush *wire.Message
	if root.Filename != "" {
		s.pendingNames = append(s.pendingNames, pendingName{root.CID, root.Filename})
		s.names[root.CID] = root.Filename

		list, err := wire.NewCompactList(root.CID)
		if err != nil {
			return nil, err
		}
		size := s.mtu - wire.PushOverhead - encodedStringSize(root.Filename)
		var kept []cid.Cid
		for _, c := range linked {
			if !list.Include(c, size) {
				kept = append(kept, c)
			}
		}
		linked = kept

		rootMsg, err := wire.Push(list, root.Filename)
		if err != nil {
			return nil, err
		}
		if later {
			s.pushFront(rootMsg)
		} else {
			rootPush = &rootMsg
		}
	} else {
		linked = append(linked, root.CID)
	}

	others, err := s.PushNow(linked)
	if err != nil {
		return nil, err
	}
	for _, m := range others {
		s.pushFront(m)
	}
	return rootPush, nil
}

// PushNow builds Push messages covering cids right away, splitting
// across as many CompactLists as the mtu budget demands.
func (s *Syncer) PushNow(cids []cid.Cid) ([]wire.Message, error) {
	for _, c := range cids {
		if err := s.WillPush(c); err != nil {
			return nil, err
		}
	}
	size := s.mtu - wire.PushOverhead
	lists, err := s.sendingNow(cids, size, sidePush)
	if err != nil {
		return nil, err
	}
	var out []wire.Message
	for _, l := range lists {
		if m, err := wire.Push(l, ""); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// PullNow builds Pull messages requesting cids right away.
func (s *Syncer) PullNow(cids []cid.Cid) ([]wire.Message, error) {
	for _, c := range cids {
		if err := s.WillPull(c); err != nil {
			return nil, err
		}
	}
	lists, err := s.sendingNow(cids, s.mtu, sidePull)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Message, 0, len(lists))
	for _, l := range lists {
		out = append(out, wire.Pull(l))
	}
	return out, nil
}

func (s *Syncer) sendingNow(cids []cid.Cid, size int, sd side) ([]*wire.CompactList, error) {
	var result []*wire.CompactList
	remaining := append([]cid.Cid{}, cids...)
	for len(remaining) > 0 {
		c := remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]

		list, err := wire.NewCompactList(c)
		if err != nil {
			return nil, err
		}

		var kept []cid.Cid
		for _, rc := range remaining {
			if !list.Include(rc, size) {
				kept = append(kept, rc)
			}
		}
		remaining = kept

		if err := s.fill(list, size, sd); err != nil {
			return nil, err
		}
		result = append(result, list)
	}
	return result, nil
}

func (s *Syncer) fill(list *wire.CompactList, size int, sd side) error {
	if list.IsEmpty() {
		return errEmptyFill
	}
	bucket := s.push
	if sd == sidePull {
		bucket = s.pull
	}
	if t, ok := bucket.get(list.Meta()); ok {
		t.fillCids(list, size, true)
	}
	return nil
}

// PopPendingMsg dequeues the next message ready to send, trimming a
// Pull request down to CIDs store still lacks -- a duplicate Pull for
// something that arrived in the meantime just wastes the link.
func (s *Syncer) PopPendingMsg(r *repo.Repo) *wire.Message {
	m, ok := s.popFront()
	if !ok {
		return nil
	}
	if m.Kind != wire.KindSync || m.Sync.Kind != wire.SyncPull {
		return &m
	}

	cids, err := m.Sync.Pull.CIDs()
	if err != nil {
		return &m
	}

	trimmed := &wire.CompactList{}
	for _, c := range cids {
		if r.HasCID(c) {
			log.Debugf("refusing to pull %s which we already have", c)
		} else {
			trimmed.Include(c, math.MaxInt)
		}
	}
	trimmedMsg := wire.Pull(trimmed)
	return &trimmedMsg
}

// BuildMsg advances the Syncer's internal queue by one step: it prefers
// announcing a pending DAG name, then tries one high-priority pull and
// one high-priority push, and only falls back to a low-priority sweep across every bucket
// once nothing else is ready.
func (s *Syncer) BuildMsg(r *repo.Repo) error {
	if n := len(s.pendingNames); n > 0 {
		pn := s.pendingNames[n-1]
		s.pendingNames = s.pendingNames[:n-1]

		list, err := wire.NewCompactList(pn.CID)
		if err != nil {
			return err
		}
		size := s.mtu - wire.PushOverhead - encodedStringSize(pn.Name)
		if err := s.fill(list, size, sidePush); err != nil {
			return err
		}
		if m, err := wire.Push(list, pn.Name); err == nil {
			log.Infof("build: will push dag %s", pn.Name)
			s.pushBack(m)
		}
		return nil
	}

	if c, ok := popFirstHi(s.pull); ok {
		if !r.HasCID(c) {
			v, err := s.PullNow([]cid.Cid{c})
			if err != nil {
				return err
			}
			log.Infof("build: will pull %s", c)
			for _, m := range v {
				s.pushBack(m)
			}
		}
	}

	if c, ok := popFirstHi(s.push); ok {
		v, err := s.PushNow([]cid.Cid{c})
		if err != nil {
			return err
		}
		log.Infof("build: will push %s", c)
		for _, m := range v {
			s.pushBack(m)
		}
	}

	if len(s.ready) > 0 {
		return nil
	}

	size := s.mtu - wire.PushOverhead
	for _, meta := range s.push.sortedMetas() {
		q := s.push.m[meta]
		list := &wire.CompactList{}
		if idx := firstNotIncluded(q.lo, list, size); idx >= 0 {
			log.Infof("lo-pri push: %v from %d avail, rotating %d", list, len(q.lo), idx)
			rotateLeft(q.lo, idx)
		}
		if m, err := wire.Push(list, ""); err == nil {
			s.pushBack(m)
		}
	}

	for _, meta := range s.pull.sortedMetas() {
		q := s.pull.m[meta]
		list := &wire.CompactList{}
		if idx := firstNotIncluded(q.lo, list, s.mtu); idx >= 0 {
			rotateLeft(q.lo, idx)
		}
		if !list.IsEmpty() {
			log.Infof("lo-pri pull: %v from %d avail", list, len(q.lo))
			s.pushBack(wire.Pull(list))
		}
	}
	return nil
}

// Handle reacts to a received SyncMessage, mutating the Syncer's
// bookkeeping and the backing repo.Repo as needed, and optionally
// returning an immediate reply.
func (s *Syncer) Handle(msg wire.SyncMessage, r *repo.Repo) (*wire.Message, error) {
	log.Debugf("sync::handle(%s)", msg.Name())

	switch msg.Kind {
	case wire.SyncPush:
		if !msg.Push.Check() {
			return nil, errors.New("syncengine: push message corrupted")
		}
		cids, err := msg.Push.CIDs.CIDs()
		if err != nil {
			return nil, err
		}
		return s.handlePush(msg.Push.FirstCIDName, cids, r)

	case wire.SyncAck:
		cids, err := msg.Ack.CIDs()
		if err != nil {
			return nil, err
		}
		for _, c := range cids {
			log.Debugf("remote acked %s", c)
			s.StopPushing(c)
		}
		return nil, nil

	case wire.SyncPull:
		cids, err := msg.Pull.CIDs()
		if err != nil {
			return nil, err
		}
		var result *wire.Message
		for _, c := range cids {
			log.Infof("remote requested block for %s", c)
			blk, err := r.GetBlock(c)
			if err != nil {
				continue
			}
			m := wire.Block(blk.Data)
			if encoded := len(wire.EncodeMessage(m)); encoded > s.mtu {
				log.Warnf("block %s is %d bytes, leading to a %dB message over mtu %d", c, len(blk.Data), encoded, s.mtu)
			}
			if result == nil {
				result = &m
			} else {
				s.pushFront(m)
			}
		}
		return result, nil

	case wire.SyncBlock:
		return s.handleBlock(msg.Block, r)

	default:
		return nil, fmt.Errorf("syncengine: unknown sync kind %d", msg.Kind)
	}
}

func (s *Syncer) handlePush(name string, cids []cid.Cid, r *repo.Repo) (*wire.Message, error) {
	ackResp := &wire.CompactList{}
	pullResp := &wire.CompactList{}

	for _, c := range cids {
		s.StopPushing(c)
		if r.HasCID(c) {
			s.StopPulling(c)
			ackResp.Include(c, s.mtu)
		} else {
			pullResp.Include(c, s.mtu)
			r.AckCID(c)
			if err := s.WillPull(c); err != nil {
				log.Errorf("unable to start pulling %s: %v", c, err)
			}
		}
	}

	if len(cids) == 0 {
		return nil, ErrNoCIDsInPush
	}
	root := cids[0]
	r.SetName(root, name)

	log.Debugf("dag pushed to me: %s=%s", name, root)

	var ackMsg *wire.Message
	if !ackResp.IsEmpty() {
		if t, ok := s.push.get(ackResp.Meta()); ok {
			t.fillCids(ackResp, s.mtu, false)
		}
		m := wire.NewSyncMessage(wire.NewSyncAck(ackResp))
		ackMsg = &m
	}

	if pullResp.IsEmpty() {
		return ackMsg, nil
	}

	if t, ok := s.pull.get(pullResp.Meta()); ok {
		t.fillCids(pullResp, s.mtu, true)
	}
	if ackMsg != nil {
		s.pushFront(*ackMsg)
	}
	m := wire.Pull(pullResp)
	return &m, nil
}

func (s *Syncer) handleBlock(data []byte, r *repo.Repo) (*wire.Message, error) {
	var hit cid.Cid
	found := false

	for _, meta := range s.pull.sortedMetas() {
		t := s.pull.m[meta]
		for _, c := range append(append([]cid.Cid{}, t.hi...), t.lo...) {
			if blockcid.Verify(c, data) == nil {
				hit, found = c, true
				break
			}
		}
		if found {
			break
		}
	}

	if found {
		links, err := parseLinks(hit, data)
		if err != nil {
			return nil, err
		}

		var result *wire.Message
		if len(links) > 0 {
			all := append(append([]cid.Cid{}, links...), hit)
			m, err := s.handlePush("", all, r)
			if err != nil {
				return nil, err
			}
			result = m
		}

		name := s.names[hit]
		log.Debugf("hit cid (%s) I was waiting on, importing named %q with %d links", hit, name, len(links))
		if err := r.ImportBlock(store.Block{CID: hit, Data: data, Links: links, Filename: name}); err != nil {
			return nil, err
		}
		s.StopPulling(hit)
		return result, nil
	}

	sum, err := blockcid.Sum(blockcid.Sha2_256, data)
	if err != nil {
		return nil, err
	}
	mh, err := multihash.Encode(sum, uint64(blockcid.Sha2_256))
	if err != nil {
		return nil, err
	}

	dagC := cid.NewCidV1(uint64(blockcid.DagPB), mh)
	if links, derr := parseLinks(dagC, data); derr == nil {
		var result *wire.Message
		if len(links) > 0 {
			m, err := s.handlePush("", links, r)
			if err != nil {
				return nil, err
			}
			result = m
		}
		log.Warnf("received a block with no matching cid waiting for it; %d bytes, importing as dag-pb %s, %d links", len(data), dagC, len(links))
		if err := r.ImportBlock(store.Block{CID: dagC, Data: data, Links: links}); err != nil {
			return nil, err
		}
		return result, nil
	}

	rawC := cid.NewCidV1(uint64(blockcid.Raw), mh)
	log.Warnf("received a block with no matching cid waiting for it; %d bytes, importing as raw %s", len(data), rawC)
	if err := r.ImportBlock(store.Block{CID: rawC, Data: data}); err != nil {
		return nil, err
	}
	return nil, nil
}

// parseLinks decodes c's child links, assuming c's own codec. A Raw CID
// has none; a DAG-PB CID is decoded as a protobuf node regardless of
// whether its embedded hash actually matches data, since the fallback
// path in handleBlock needs to try this speculatively.
func parseLinks(c cid.Cid, data []byte) ([]cid.Cid, error) {
	if blockcid.CodecOf(c) != blockcid.DagPB {
		return nil, nil
	}

	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	node, err := merkledag.DecodeProtobufBlock(blk)
	if err != nil {
		return nil, err
	}

	links := node.Links()
	out := make([]cid.Cid, 0, len(links))
	for _, l := range links {
		out = append(out, l.Cid)
	}
	return out, nil
}
