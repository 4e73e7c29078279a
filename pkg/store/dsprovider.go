package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/boxo/ipld/merkledag"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dtn-radio/spore/pkg/blockcid"
	"github.com/dtn-radio/spore/pkg/store/dsconfig"
)

var dsLog = logging.Logger("store/ds")

const (
	blocksNS   = "blocks"
	linksNS    = "links"
	namesNS    = "names"
	orphansNS  = "orphans"
	linkSepStr = "\n"
)

// DSProvider is the embedded-KV reference layout: a go-datastore Batching
// store keyed by /blocks/<cid>, /links/<cid>, /names/<cid>, /orphans/<cid>
// -- the KV-schema equivalent of the two-table embedded-DB layout.
type DSProvider struct {
	mu sync.Mutex

	ds        dsconfig.Datastore
	diskCap   uint64
	dangling  map[string]struct{}
	gc        gcStageDS
}

// NewDSProvider wraps an already-open datastore as a Provider.
func NewDSProvider(d dsconfig.Datastore, diskCapBytes uint64) *DSProvider {
	return &DSProvider{
		ds:       d,
		diskCap:  diskCapBytes,
		dangling: make(map[string]struct{}),
		gc:       &gcStartDS{},
	}
}

func blockKey(c cid.Cid) ds.Key   { return ds.NewKey("/" + blocksNS + "/" + c.String()) }
func linksKey(c cid.Cid) ds.Key   { return ds.NewKey("/" + linksNS + "/" + c.String()) }
func namesKey(c cid.Cid) ds.Key   { return ds.NewKey("/" + namesNS + "/" + c.String()) }
func orphansKey(c cid.Cid) ds.Key { return ds.NewKey("/" + orphansNS + "/" + c.String()) }

// Import implements Provider.
func (p *DSProvider) Import(block Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := context.Background()
	bk := blockKey(block.CID)

	if ok, _ := p.ds.Has(ctx, bk); ok {
		delete(p.dangling, block.CID.String())
		p.ds.Delete(ctx, orphansKey(block.CID))
		return nil
	}

	if err := p.ds.Put(ctx, bk, block.Data); err != nil {
		return &ImportError{CID: block.CID.String(), Err: err}
	}

	linkStrs := make([]string, 0, len(block.Links))
	for _, l := range block.Links {
		linkStrs = append(linkStrs, l.String())
	}
	if err := p.ds.Put(ctx, linksKey(block.CID), []byte(strings.Join(linkStrs, linkSepStr))); err != nil {
		return &ImportError{CID: block.CID.String(), Err: err}
	}

	if block.Filename != "" {
		if err := p.ds.Put(ctx, namesKey(block.CID), []byte(block.Filename)); err != nil {
			return &ImportError{CID: block.CID.String(), Err: err}
		}
	}

	delete(p.dangling, block.CID.String())
	p.ds.Delete(ctx, orphansKey(block.CID))

	return nil
}

// Has implements Provider.
func (p *DSProvider) Has(c cid.Cid) bool {
	ok, _ := p.ds.Has(context.Background(), blockKey(c))
	return ok
}

// GetBlock implements Provider.
func (p *DSProvider) GetBlock(c cid.Cid) (Block, error) {
	ctx := context.Background()

	data, err := p.ds.Get(ctx, blockKey(c))
	if err != nil {
		return Block{}, fmt.Errorf("%w: %s", ErrBlockNotFound, c)
	}

	links, _ := p.getLinks(ctx, c)

	var filename string
	if raw, err := p.ds.Get(ctx, namesKey(c)); err == nil {
		filename = string(raw)
	}

	return Block{CID: c, Data: data, Links: links, Filename: filename}, nil
}

func (p *DSProvider) getLinks(ctx context.Context, c cid.Cid) ([]cid.Cid, error) {
	raw, err := p.ds.Get(ctx, linksKey(c))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var out []cid.Cid
	for _, s := range strings.Split(string(raw), linkSepStr) {
		if s == "" {
			continue
		}
		lc, err := blockcid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, lc)
	}
	return out, nil
}

// GetLinks implements Provider.
func (p *DSProvider) GetLinks(c cid.Cid) ([]cid.Cid, error) {
	return p.getLinks(context.Background(), c)
}

// AvailableCIDs implements Provider.
func (p *DSProvider) AvailableCIDs() ([]cid.Cid, error) {
	ctx := context.Background()

	results, err := p.ds.Query(ctx, query.Query{Prefix: "/" + blocksNS})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []cid.Cid
	for entry := range results.Next() {
		if entry.Error != nil {
			continue
		}
		cidStr := strings.TrimPrefix(entry.Key, "/"+blocksNS+"/")
		c, err := blockcid.Parse(cidStr)
		if err != nil {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })

	return out, nil
}

// MissingCIDs implements Provider.
func (p *DSProvider) MissingCIDs(root cid.Cid) ([]cid.Cid, error) {
	if !p.Has(root) {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}

	var missing []cid.Cid
	p.collectMissing(root, &missing)
	return missing, nil
}

func (p *DSProvider) collectMissing(c cid.Cid, out *[]cid.Cid) {
	block, err := p.GetBlock(c)
	if err != nil {
		*out = append(*out, c)
		return
	}
	for _, l := range block.Links {
		p.collectMissing(l, out)
	}
}

// DAGBlocks implements Provider.
func (p *DSProvider) DAGBlocks(root cid.Cid) ([]Block, error) {
	var out []Block
	if err := p.collectBlocks(root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *DSProvider) collectBlocks(c cid.Cid, out *[]Block) error {
	block, err := p.GetBlock(c)
	if err != nil {
		return err
	}
	*out = append(*out, block)
	for _, l := range block.Links {
		if err := p.collectBlocks(l, out); err != nil {
			return err
		}
	}
	return nil
}

// DAGBlocksWindow implements Provider.
func (p *DSProvider) DAGBlocksWindow(root cid.Cid, offset, size uint32) ([]Block, error) {
	all, err := p.DAGBlocks(root)
	if err != nil {
		return nil, err
	}

	start := int(offset)
	if start > len(all) {
		start = len(all)
	}
	end := start + int(size)
	if end > len(all) {
		end = len(all)
	}

	return all[start:end], nil
}

// DAGCIDs implements Provider.
func (p *DSProvider) DAGCIDs(root cid.Cid, offset, size uint32) ([]cid.Cid, error) {
	blocks, err := p.DAGBlocks(root)
	if err != nil {
		return nil, err
	}

	cids := make([]cid.Cid, 0, len(blocks))
	for _, b := range blocks {
		cids = append(cids, b.CID)
	}

	if size == 0 {
		return cids, nil
	}

	start := int(offset)
	if start > len(cids) {
		start = len(cids)
	}
	end := start + int(size)
	if end > len(cids) {
		end = len(cids)
	}

	return cids[start:end], nil
}

// AvailableDAGs implements Provider.
func (p *DSProvider) AvailableDAGs() ([]NamedDAG, error) {
	cids, err := p.AvailableCIDs()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	out := make([]NamedDAG, 0, len(cids))
	for _, c := range cids {
		var name string
		if raw, err := p.ds.Get(ctx, namesKey(c)); err == nil {
			name = string(raw)
		}
		if name == "" {
			continue
		}
		out = append(out, NamedDAG{CID: c, Filename: name})
	}
	return out, nil
}

// NameDAG implements Provider.
func (p *DSProvider) NameDAG(c cid.Cid, filename string) error {
	return p.ds.Put(context.Background(), namesKey(c), []byte(filename))
}

// AckCID implements Provider.
func (p *DSProvider) AckCID(c cid.Cid) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Has(c) {
		return
	}
	p.dangling[c.String()] = struct{}{}
	p.ds.Put(context.Background(), orphansKey(c), []byte{})
}

// DanglingCIDs implements Provider.
func (p *DSProvider) DanglingCIDs() []cid.Cid {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]cid.Cid, 0, len(p.dangling))
	for s := range p.dangling {
		c, err := blockcid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Close implements Provider.
func (p *DSProvider) Close() error {
	return p.ds.Close()
}

// gcStageDS mirrors FSProvider's four-stage GC state machine, scanning
// datastore key ranges instead of directory entries.
type gcStageDS interface {
	step(p *DSProvider) (next gcStageDS, more bool)
}

type gcStartDS struct{}

func (gcStartDS) step(p *DSProvider) (gcStageDS, bool) {
	ctx := context.Background()
	results, err := p.ds.Query(ctx, query.Query{Prefix: "/" + blocksNS, KeysOnly: false})
	if err != nil {
		return gcStartDS{}, false
	}

	entries, err := results.Rest()
	results.Close()
	if err != nil {
		return gcStartDS{}, false
	}

	return &gcScanBlocksDS{entries: entries, existing: make(map[string]dsBlockRef)}, true
}

type dsBlockRef struct {
	cidStr  string
	size    uint64
	modTime time.Time
}

type gcScanBlocksDS struct {
	entries  []query.Entry
	idx      int
	total    uint64
	existing map[string]dsBlockRef
}

func (s *gcScanBlocksDS) step(p *DSProvider) (gcStageDS, bool) {
	if s.idx >= len(s.entries) {
		ctx := context.Background()
		results, err := p.ds.Query(ctx, query.Query{Prefix: "/" + linksNS})
		if err != nil {
			return gcStartDS{}, false
		}
		entries, err := results.Rest()
		results.Close()
		if err != nil {
			return gcStartDS{}, false
		}

		return &gcScanLinksDS{
			entries:    entries,
			unrefBlock: s.existing,
			refBlock:   make(map[string]dsBlockRef),
			diskUsage:  s.total,
		}, true
	}

	e := s.entries[s.idx]
	s.idx++

	cidStr := strings.TrimPrefix(e.Key, "/"+blocksNS+"/")
	c, err := blockcid.Parse(cidStr)
	if err != nil {
		dsLog.Infof("gc: bad block key %s", e.Key)
		return s, true
	}

	if err := blockcid.Verify(c, e.Value); err != nil {
		dsLog.Infof("gc: dropping invalid block %s: %v", cidStr, err)
		p.ds.Delete(context.Background(), ds.NewKey(e.Key))
		return s, true
	}

	size := uint64(len(e.Value))
	s.total += size
	s.existing[cidStr] = dsBlockRef{cidStr: cidStr, size: size, modTime: time.Time{}}

	return s, true
}

type gcScanLinksDS struct {
	entries    []query.Entry
	idx        int
	unrefBlock map[string]dsBlockRef
	refBlock   map[string]dsBlockRef
	diskUsage  uint64
}

func (s *gcScanLinksDS) step(p *DSProvider) (gcStageDS, bool) {
	if s.idx >= len(s.entries) {
		return &gcEvictDS{unrefBlock: s.unrefBlock, refBlock: s.refBlock, diskUsage: s.diskUsage}, true
	}

	e := s.entries[s.idx]
	s.idx++

	rootStr := strings.TrimPrefix(e.Key, "/"+linksNS+"/")
	root, err := blockcid.Parse(rootStr)
	if err != nil {
		return s, true
	}

	if ref, ok := s.unrefBlock[rootStr]; ok {
		delete(s.unrefBlock, rootStr)
		s.refBlock[rootStr] = ref
	} else if _, ok := s.refBlock[rootStr]; !ok {
		if !p.Has(root) {
			dsLog.Infof("gc: orphaned link record %s removed", rootStr)
			p.ds.Delete(context.Background(), ds.NewKey(e.Key))
			return s, true
		}
	}

	if blockcid.CodecOf(root) == blockcid.DagPB {
		data, err := p.ds.Get(context.Background(), blockKey(root))
		if err == nil {
			if parsed, perr := parseDagPBLinksDS(root, data); perr == nil {
				recorded := strings.Split(string(e.Value), linkSepStr)
				if !stringSlicesEqual(recorded, parsed) {
					dsLog.Warnf("gc: recorded links for %s disagree with parsed, rewriting", rootStr)
					p.ds.Put(context.Background(), linksKey(root), []byte(strings.Join(parsed, linkSepStr)))
				}
			}
		}
	}

	for _, linkCidStr := range strings.Split(string(e.Value), linkSepStr) {
		if linkCidStr == "" {
			continue
		}
		lc, err := blockcid.Parse(linkCidStr)
		if err != nil {
			continue
		}
		if !p.Has(lc) {
			p.AckCID(lc)
		}
	}

	return s, true
}

func parseDagPBLinksDS(c cid.Cid, data []byte) ([]string, error) {
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	node, err := merkledag.DecodeProtobufBlock(blk)
	if err != nil {
		return nil, err
	}
	links := node.Links()
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.Cid.String())
	}
	return out, nil
}

type gcEvictDS struct {
	unrefBlock map[string]dsBlockRef
	refBlock   map[string]dsBlockRef
	diskUsage  uint64
}

func (s *gcEvictDS) step(p *DSProvider) (gcStageDS, bool) {
	p.mu.Lock()
	diskCap := p.diskCap
	p.mu.Unlock()

	if s.diskUsage <= diskCap {
		return gcStartDS{}, false
	}

	ctx := context.Background()

	if len(s.unrefBlock) > 0 {
		for key, ref := range s.unrefBlock {
			delete(s.unrefBlock, key)
			c, err := blockcid.Parse(ref.cidStr)
			if err == nil {
				if err := p.ds.Delete(ctx, blockKey(c)); err == nil {
					s.diskUsage -= ref.size
				}
			}
			break
		}
		return s, true
	}

	ordered := make([]dsBlockRef, 0, len(s.refBlock))
	for _, b := range s.refBlock {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.size != b.size {
			return a.size > b.size
		}
		return a.cidStr < b.cidStr
	})

	if len(ordered) == 0 {
		return gcStartDS{}, false
	}

	victim := ordered[0]
	delete(s.refBlock, victim.cidStr)
	c, err := blockcid.Parse(victim.cidStr)
	if err == nil {
		if err := p.ds.Delete(ctx, blockKey(c)); err == nil {
			s.diskUsage -= victim.size
		}
	}

	if s.diskUsage <= diskCap {
		return gcStartDS{}, false
	}
	return s, true
}

// IncrementalGC implements Provider.
func (p *DSProvider) IncrementalGC() bool {
	p.mu.Lock()
	stage := p.gc
	p.mu.Unlock()

	next, more := stage.step(p)

	p.mu.Lock()
	p.gc = next
	p.mu.Unlock()

	return more
}
