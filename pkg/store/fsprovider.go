package store

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	"github.com/ipfs/boxo/ipld/merkledag"

	"github.com/dtn-radio/spore/pkg/blockcid"
)

var fsLog = logging.Logger("store/fs")

// FSProvider is the filesystem reference layout: three subdirectories,
// blocks/, cids/ and names/, under a storage root. Block files are named
// base36(multihash); cids/<cid> holds newline-separated child CIDs;
// names/<cid> holds an advisory filename.
type FSProvider struct {
	mu sync.Mutex

	dir       string
	diskCap   uint64
	diskUsage uint64
	dangling  map[string]struct{}

	gc gcStage
}

// NewFSProvider creates (if needed) the blocks/cids/names layout under
// dir and returns a provider bounding disk usage to diskCapBytes.
func NewFSProvider(dir string, diskCapBytes uint64) (*FSProvider, error) {
	p := &FSProvider{
		dir:      dir,
		diskCap:  diskCapBytes,
		dangling: make(map[string]struct{}),
		gc:       &gcStart{},
	}

	for _, sub := range []string{"blocks", "cids", "names"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}

	return p, nil
}

func (p *FSProvider) blocksDir() string { return filepath.Join(p.dir, "blocks") }
func (p *FSProvider) cidsDir() string   { return filepath.Join(p.dir, "cids") }
func (p *FSProvider) namesDir() string  { return filepath.Join(p.dir, "names") }

func blockFileName(c cid.Cid) (string, error) {
	return multibase.Encode(multibase.Base36, c.Hash())
}

func (p *FSProvider) blockPath(c cid.Cid) (string, error) {
	name, err := blockFileName(c)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.blocksDir(), name), nil
}

// Import implements Provider.
func (p *FSProvider) Import(block Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path, err := p.blockPath(block.CID)
	if err != nil {
		return &ImportError{CID: block.CID.String(), Err: err}
	}

	if _, err := os.Stat(path); err == nil {
		// Identical content already stored: no-op.
		delete(p.dangling, block.CID.String())
		return nil
	}

	if err := os.WriteFile(path, block.Data, 0o644); err != nil {
		return &ImportError{CID: block.CID.String(), Err: err}
	}
	p.diskUsage += uint64(len(block.Data))

	var buf bytes.Buffer
	for _, l := range block.Links {
		buf.WriteString(l.String())
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(p.cidsDir(), block.CID.String()), buf.Bytes(), 0o644); err != nil {
		return &ImportError{CID: block.CID.String(), Err: err}
	}

	if block.Filename != "" {
		if err := p.NameDAG(block.CID, block.Filename); err != nil {
			return err
		}
	}

	delete(p.dangling, block.CID.String())

	return nil
}

// Has implements Provider.
func (p *FSProvider) Has(c cid.Cid) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	path, err := p.blockPath(c)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// GetBlock implements Provider.
func (p *FSProvider) GetBlock(c cid.Cid) (Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getBlockLocked(c)
}

func (p *FSProvider) getBlockLocked(c cid.Cid) (Block, error) {
	path, err := p.blockPath(c)
	if err != nil {
		return Block{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %s", ErrBlockNotFound, c)
	}

	links, err := p.getLinksLocked(c)
	if err != nil {
		links = nil
	}

	filename, _ := p.readName(c)

	return Block{CID: c, Data: data, Links: links, Filename: filename}, nil
}

// GetLinks implements Provider.
func (p *FSProvider) GetLinks(c cid.Cid) ([]cid.Cid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLinksLocked(c)
}

func (p *FSProvider) getLinksLocked(c cid.Cid) ([]cid.Cid, error) {
	raw, err := os.ReadFile(filepath.Join(p.cidsDir(), c.String()))
	if err != nil {
		return nil, err
	}

	var links []cid.Cid
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lc, err := blockcid.Parse(line)
		if err != nil {
			continue
		}
		links = append(links, lc)
	}

	return links, nil
}

func (p *FSProvider) readName(c cid.Cid) (string, error) {
	raw, err := os.ReadFile(filepath.Join(p.namesDir(), c.String()))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// AvailableCIDs implements Provider.
func (p *FSProvider) AvailableCIDs() ([]cid.Cid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := os.ReadDir(p.cidsDir())
	if err != nil {
		return nil, err
	}

	var out []cid.Cid
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c, err := blockcid.Parse(e.Name())
		if err != nil {
			continue
		}
		if _, err := p.blockPath(c); err != nil {
			continue
		}
		path, _ := p.blockPath(c)
		if _, err := os.Stat(path); err != nil {
			fsLog.Debugf("dangling cid entry: %s", e.Name())
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })

	return out, nil
}

// MissingCIDs implements Provider.
func (p *FSProvider) MissingCIDs(root cid.Cid) ([]cid.Cid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasLocked(root) {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}

	var missing []cid.Cid
	p.collectMissing(root, &missing)
	return missing, nil
}

func (p *FSProvider) hasLocked(c cid.Cid) bool {
	path, err := p.blockPath(c)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (p *FSProvider) collectMissing(c cid.Cid, out *[]cid.Cid) {
	block, err := p.getBlockLocked(c)
	if err != nil {
		*out = append(*out, c)
		return
	}
	for _, l := range block.Links {
		p.collectMissing(l, out)
	}
}

// DAGBlocks implements Provider.
func (p *FSProvider) DAGBlocks(root cid.Cid) ([]Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Block
	if err := p.collectBlocks(root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *FSProvider) collectBlocks(c cid.Cid, out *[]Block) error {
	block, err := p.getBlockLocked(c)
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
func (p *FSProvider) DAGBlocksWindow(root cid.Cid, offset, size uint32) ([]Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Block
	skip, fetch := offset, size
	if _, _, err := p.findWindow(root, &out, skip, fetch); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *FSProvider) findWindow(c cid.Cid, out *[]Block, toSkip, toFetch uint32) (uint32, uint32, error) {
	block, err := p.getBlockLocked(c)
	if err != nil {
		return toSkip, toFetch, err
	}

	if toSkip > 0 {
		toSkip--
	} else if toFetch > 0 {
		*out = append(*out, block)
		toFetch--
	}

	for _, l := range block.Links {
		if toFetch == 0 {
			return 0, 0, nil
		}
		var err error
		toSkip, toFetch, err = p.findWindow(l, out, toSkip, toFetch)
		if err != nil {
			return toSkip, toFetch, err
		}
	}

	return toSkip, toFetch, nil
}

// DAGCIDs implements Provider.
func (p *FSProvider) DAGCIDs(root cid.Cid, offset, size uint32) ([]cid.Cid, error) {
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
func (p *FSProvider) AvailableDAGs() ([]NamedDAG, error) {
	cids, err := p.AvailableCIDs()
	if err != nil {
		return nil, err
	}

	out := make([]NamedDAG, 0, len(cids))
	for _, c := range cids {
		name, _ := p.readName(c)
		if name == "" {
			continue
		}
		out = append(out, NamedDAG{CID: c, Filename: name})
	}
	return out, nil
}

// NameDAG implements Provider.
func (p *FSProvider) NameDAG(c cid.Cid, filename string) error {
	return os.WriteFile(filepath.Join(p.namesDir(), c.String()), []byte(filename), 0o644)
}

// AckCID implements Provider.
func (p *FSProvider) AckCID(c cid.Cid) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasLocked(c) {
		return
	}
	p.dangling[c.String()] = struct{}{}
}

// DanglingCIDs implements Provider.
func (p *FSProvider) DanglingCIDs() []cid.Cid {
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

// Close implements Provider. The filesystem layout holds no open handles
// between calls, so there is nothing to release.
func (p *FSProvider) Close() error { return nil }

// onDiskBlock records one scanned block-file's identity for GC.
type onDiskBlock struct {
	mhStr   string
	path    string
	size    uint64
	modTime time.Time
}

// gcOrder implements the eviction tie-break: oldest modified first,
// then largest size, then CID (here: multihash string) lexicographic.
func gcOrder(blocks []onDiskBlock) {
	sort.Slice(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if !a.modTime.Equal(b.modTime) {
			return a.modTime.Before(b.modTime)
		}
		if a.size != b.size {
			return a.size > b.size
		}
		return a.mhStr < b.mhStr
	})
}

// gcStage is one state of the four-stage GC state machine described by
// store's design notes (Start -> ScanBlocks -> ScanCIDs -> Evict -> Start).
// Each IncrementalGC call advances exactly one entry's worth of work.
type gcStage interface {
	step(p *FSProvider) (next gcStage, more bool)
}

type gcStart struct{}

func (gcStart) step(p *FSProvider) (gcStage, bool) {
	entries, err := os.ReadDir(p.blocksDir())
	if err != nil {
		return gcStart{}, false
	}
	return &gcScanBlocks{entries: entries, existing: make(map[string]onDiskBlock)}, true
}

type gcScanBlocks struct {
	entries  []os.DirEntry
	idx      int
	total    uint64
	existing map[string]onDiskBlock
}

func (s *gcScanBlocks) step(p *FSProvider) (gcStage, bool) {
	if s.idx >= len(s.entries) {
		entries, err := os.ReadDir(p.cidsDir())
		if err != nil {
			return gcStart{}, false
		}
		return &gcScanCIDs{
			entries:    entries,
			unrefBlock: s.existing,
			refBlock:   make(map[string]onDiskBlock),
			diskUsage:  s.total,
		}, true
	}

	e := s.entries[s.idx]
	s.idx++

	odb, err := checkBlockDirent(p.blocksDir(), e)
	if err != nil {
		fsLog.Infof("gc: dropping invalid block file %s: %v", e.Name(), err)
		return s, true
	}

	s.total += odb.size
	s.existing[odb.mhStr] = odb

	return s, true
}

func checkBlockDirent(blocksDir string, e os.DirEntry) (onDiskBlock, error) {
	info, err := e.Info()
	if err != nil || info.IsDir() {
		return onDiskBlock{}, fmt.Errorf("not a regular file")
	}

	_, mhBytes, err := multibase.Decode(e.Name())
	if err != nil {
		return onDiskBlock{}, err
	}

	path := filepath.Join(blocksDir, e.Name())
	data, err := os.ReadFile(path)
	if err != nil {
		return onDiskBlock{}, err
	}

	decoded, err := multihash.Decode(mhBytes)
	if err != nil {
		return onDiskBlock{}, err
	}

	length := -1
	if blockcid.Algo(decoded.Code) == blockcid.Blake2s128 {
		length = 16
	}
	sum, err := multihash.Sum(data, decoded.Code, length)
	if err != nil {
		return onDiskBlock{}, err
	}
	sumDecoded, _ := multihash.Decode(sum)

	if !bytes.Equal(sumDecoded.Digest, decoded.Digest) {
		os.Remove(path)
		return onDiskBlock{}, fmt.Errorf("block file %s hashes to the wrong digest, removed", path)
	}

	return onDiskBlock{mhStr: e.Name(), path: path, size: uint64(info.Size()), modTime: info.ModTime()}, nil
}

type gcScanCIDs struct {
	entries    []os.DirEntry
	idx        int
	unrefBlock map[string]onDiskBlock
	refBlock   map[string]onDiskBlock
	diskUsage  uint64
}

func (s *gcScanCIDs) step(p *FSProvider) (gcStage, bool) {
	if s.idx >= len(s.entries) {
		p.mu.Lock()
		p.diskUsage = s.diskUsage
		p.mu.Unlock()
		return &gcEvict{unrefBlock: s.unrefBlock, refBlock: s.refBlock, diskUsage: s.diskUsage}, true
	}

	e := s.entries[s.idx]
	s.idx++

	if err := s.check(p, e); err != nil {
		fsLog.Infof("gc: cid check: %v", err)
	}

	return s, true
}

func (s *gcScanCIDs) check(p *FSProvider, e os.DirEntry) error {
	info, err := e.Info()
	if err != nil || info.IsDir() {
		return fmt.Errorf("ignore non-file %s", e.Name())
	}

	c, err := blockcid.Parse(e.Name())
	if err != nil {
		return err
	}

	mhName, err := multibase.Encode(multibase.Base36, c.Hash())
	if err != nil {
		return err
	}

	path := filepath.Join(p.cidsDir(), e.Name())

	if un, ok := s.unrefBlock[mhName]; ok {
		delete(s.unrefBlock, mhName)
		if info.ModTime().After(un.modTime) {
			un.modTime = info.ModTime()
		}
		s.refBlock[mhName] = un
	} else if _, ok := s.refBlock[mhName]; ok {
		// Referenced by more than one root: already accounted for.
	} else {
		blockPath := filepath.Join(p.blocksDir(), mhName)
		if _, err := os.Stat(blockPath); err != nil {
			os.Remove(path)
			return fmt.Errorf("orphaned cid record %s removed (no block %s)", e.Name(), mhName)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	recorded := strings.Fields(strings.ReplaceAll(string(raw), "\n", " "))

	if blockcid.CodecOf(c) == blockcid.DagPB {
		blockPath := filepath.Join(p.blocksDir(), mhName)
		data, err := os.ReadFile(blockPath)
		if err != nil {
			return err
		}

		parsed, perr := parseDagPBLinks(c, data)
		if perr == nil && !stringSlicesEqual(recorded, parsed) {
			fsLog.Warnf("gc: recorded links for %s disagree with parsed links, rewriting", e.Name())
			var buf bytes.Buffer
			for _, l := range parsed {
				buf.WriteString(l)
				buf.WriteByte('\n')
			}
			os.WriteFile(path, buf.Bytes(), 0o644)
			recorded = parsed
		}
	}

	// Reachable link targets whose blocks are absent join the dangling
	// set; AckCID leaves targets already stored untouched.
	for _, l := range recorded {
		if lc, err := blockcid.Parse(l); err == nil {
			p.AckCID(lc)
		}
	}

	return nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func parseDagPBLinks(c cid.Cid, data []byte) ([]string, error) {
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

type gcEvict struct {
	unrefBlock map[string]onDiskBlock
	refBlock   map[string]onDiskBlock
	diskUsage  uint64
}

func (s *gcEvict) step(p *FSProvider) (gcStage, bool) {
	p.mu.Lock()
	diskCap := p.diskCap
	p.mu.Unlock()

	if s.diskUsage <= diskCap {
		return gcStart{}, false
	}

	if len(s.unrefBlock) > 0 {
		for key, odb := range s.unrefBlock {
			delete(s.unrefBlock, key)
			if err := os.Remove(odb.path); err == nil {
				s.diskUsage -= odb.size
				p.mu.Lock()
				p.diskUsage = s.diskUsage
				p.mu.Unlock()
			}
			break
		}
		return s, true
	}

	ordered := make([]onDiskBlock, 0, len(s.refBlock))
	for _, b := range s.refBlock {
		ordered = append(ordered, b)
	}
	gcOrder(ordered)

	if len(ordered) == 0 {
		return gcStart{}, false
	}

	victim := ordered[0]
	delete(s.refBlock, victim.mhStr)
	if err := os.Remove(victim.path); err == nil {
		s.diskUsage -= victim.size
		p.mu.Lock()
		p.diskUsage = s.diskUsage
		p.mu.Unlock()
	}

	if s.diskUsage <= diskCap {
		return gcStart{}, false
	}
	return s, true
}

// IncrementalGC implements Provider: advance one step of the scan/evict
// state machine, processing one directory entry or one eviction per call.
func (p *FSProvider) IncrementalGC() bool {
	p.mu.Lock()
	stage := p.gc
	p.mu.Unlock()

	next, more := stage.step(p)

	p.mu.Lock()
	p.gc = next
	p.mu.Unlock()

	return more
}
