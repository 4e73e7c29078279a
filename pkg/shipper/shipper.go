// Package shipper implements windowed DAG transfer: a root and everything
// under it is handed to a peer in fixed-size windows instead of all at
// once, so a receiver with a small reassembly budget can ask for exactly
// the blocks a window dropped instead of the sender resending the whole
// DAG. A Shipper tracks one WindowSession per in-flight root and retries
// a stalled window on a timer until the peer acks it or the session runs
// out of retries.
package shipper

import (
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dtn-radio/spore/pkg/blockcid"
	"github.com/dtn-radio/spore/pkg/repo"
	"github.com/dtn-radio/spore/pkg/store"
	"github.com/dtn-radio/spore/pkg/transport"
	"github.com/dtn-radio/spore/pkg/wire"
)

var log = logging.Logger("shipper")

// windowSession tracks one root's windowed transfer in progress: which
// window it's currently on and how many retries remain before the
// session is abandoned.
type windowSession struct {
	maxRetries       uint8
	remainingRetries uint8
	windowNum        uint32
	targetAddr       string
	retryTimer       *time.Timer
}

// Shipper owns the windowed DAG-transfer state machine: it ships a root's
// blocks window by window, retries a window that goes unacknowledged,
// and answers a peer's own window-shipping traffic. It shares a
// transport.Transport with the rest of the node so every send goes
// through the same chunker and socket.
type Shipper struct {
	mu sync.Mutex

	repo       *repo.Repo
	transport  transport.Transport
	windowSize uint32
	retryAfter time.Duration
	connected  bool

	sessions map[string]*windowSession
}

// New builds a Shipper backed by r, shipping windowSize blocks per
// window and retrying a stalled window after retryAfter. A Shipper
// starts disconnected; SetConnected(true) enables actually sending.
func New(r *repo.Repo, t transport.Transport, windowSize uint32, retryAfter time.Duration) *Shipper {
	return &Shipper{
		repo:       r,
		transport:  t,
		windowSize: windowSize,
		retryAfter: retryAfter,
		sessions:   make(map[string]*windowSession),
	}
}

// SetConnected toggles whether the Shipper is allowed to transmit. A
// disconnected Shipper still opens sessions (so a later reconnect has
// somewhere to resume from) but sends nothing until reconnected.
func (s *Shipper) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

func (s *Shipper) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsConnected reports whether the Shipper currently believes the link is
// usable.
func (s *Shipper) IsConnected() bool {
	return s.isConnected()
}

// TransmitBlock sends a single stored block to targetAddr.
func (s *Shipper) TransmitBlock(c cid.Cid, targetAddr string) error {
	if !s.isConnected() {
		return nil
	}
	block, err := s.repo.GetBlock(c)
	if err != nil {
		return fmt.Errorf("shipper: transmit block %s: %w", c, err)
	}
	return s.transmitBlocks([]store.Block{block}, targetAddr)
}

// TransmitDag begins a windowed transfer of root's whole DAG to
// targetAddr, retrying each window up to retries times. A retries value
// of 0 behaves like 1: the window is retried once, then the session
// closes; there is no unbounded retry mode.
func (s *Shipper) TransmitDag(root cid.Cid, targetAddr string, retries uint8) error {
	if !s.isConnected() {
		s.openSession(root, targetAddr, retries)
		return nil
	}

	cids, err := s.transmitWindow(root, 0, targetAddr)
	if err != nil {
		return err
	}

	if err := s.transmitMsg(wire.NewDataProtocolMessage(wire.NewRequestMissingDagWindowBlocks(root.String(), cidStrings(cids))), targetAddr); err != nil {
		return err
	}

	opened := retries
	if retries > 0 {
		opened = retries - 1
	}
	s.openSession(root, targetAddr, opened)
	s.armRetryTimer(root)
	return nil
}

func (s *Shipper) transmitMsg(msg wire.Message, targetAddr string) error {
	log.Debugf("transmitting %s to %s", msg.Name(), targetAddr)
	return s.transport.Send(msg, targetAddr)
}

func (s *Shipper) transmitBlocks(blocks []store.Block, targetAddr string) error {
	log.Debugf("transmitting %d blocks to %s", len(blocks), targetAddr)
	for _, b := range blocks {
		tb, err := toTransmissionBlock(b)
		if err != nil {
			return err
		}
		if err := s.transmitMsg(wire.NewDataProtocolMessage(wire.NewDataBlock(tb)), targetAddr); err != nil {
			return err
		}
	}
	return nil
}

// transmitWindow ships the windowNum-th window of root's blocks and
// returns the CIDs it sent, so the caller can ask the peer to confirm
// exactly those.
func (s *Shipper) transmitWindow(root cid.Cid, windowNum uint32, targetAddr string) ([]cid.Cid, error) {
	blocks, err := s.repo.GetDAGBlocksByWindow(root, s.windowSize, windowNum)
	if err != nil {
		return nil, fmt.Errorf("shipper: window %d of %s: %w", windowNum, root, err)
	}

	log.Infof("transmitting %d blocks in window %d of %s", len(blocks), windowNum, root)
	if err := s.transmitBlocks(blocks, targetAddr); err != nil {
		return nil, err
	}

	cids := make([]cid.Cid, len(blocks))
	for i, b := range blocks {
		cids[i] = b.CID
	}
	return cids, nil
}

func (s *Shipper) openSession(root cid.Cid, targetAddr string, retries uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := root.String()
	if _, ok := s.sessions[key]; ok {
		return
	}
	s.sessions[key] = &windowSession{
		maxRetries:       retries,
		remainingRetries: retries,
		targetAddr:       targetAddr,
	}
}

func (s *Shipper) endSession(root cid.Cid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := root.String()
	if sess, ok := s.sessions[key]; ok {
		if sess.retryTimer != nil {
			sess.retryTimer.Stop()
		}
		delete(s.sessions, key)
	}
}

// advanceSession moves root's session to its next window and returns the
// new window number, or ok=false if root has no open session.
func (s *Shipper) advanceSession(root cid.Cid) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[root.String()]
	if !ok {
		return 0, false
	}
	sess.windowNum++
	sess.remainingRetries = sess.maxRetries
	return sess.windowNum, true
}

// armRetryTimer schedules retrySession to fire after retryAfter, using
// whatever targetAddr root's session was opened or last retried with.
func (s *Shipper) armRetryTimer(root cid.Cid) {
	s.mu.Lock()
	sess, ok := s.sessions[root.String()]
	if !ok {
		s.mu.Unlock()
		return
	}
	if sess.retryTimer != nil {
		sess.retryTimer.Stop()
	}
	sess.retryTimer = time.AfterFunc(s.retryAfter, func() {
		if err := s.retrySession(root); err != nil {
			log.Warnf("retry dag session %s: %v", root, err)
		}
	})
	s.mu.Unlock()
}

func (s *Shipper) retrySession(root cid.Cid) error {
	if !s.isConnected() {
		return nil
	}

	s.mu.Lock()
	sess, ok := s.sessions[root.String()]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	windowNum, targetAddr := sess.windowNum, sess.targetAddr
	s.mu.Unlock()

	log.Infof("retrying dag session %s, sending missing request to %s", root, targetAddr)
	cids, err := s.transmitWindow(root, windowNum, targetAddr)
	if err != nil {
		return err
	}
	if err := s.transmitMsg(wire.NewDataProtocolMessage(wire.NewRequestMissingDagWindowBlocks(root.String(), cidStrings(cids))), targetAddr); err != nil {
		return err
	}

	s.mu.Lock()
	sess, ok = s.sessions[root.String()]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if sess.remainingRetries > 0 {
		sess.remainingRetries--
		s.mu.Unlock()
		s.armRetryTimer(root)
		return nil
	}
	if sess.retryTimer != nil {
		sess.retryTimer.Stop()
	}
	delete(s.sessions, root.String())
	s.mu.Unlock()
	return nil
}

// Receive dispatches a DataProtocol message received from senderAddr.
// This is the counterpart to TransmitBlock/TransmitDag: it runs on
// whichever side is on the receiving end of a windowed transfer.
func (s *Shipper) Receive(msg wire.DataProtocol, senderAddr string) error {
	switch msg.Kind {
	case wire.DataBlock:
		return s.receiveBlock(msg.Block)

	case wire.DataRequestMissingDagWindowBlocks:
		root, err := blockcid.Parse(msg.CID)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", msg.CID, err)
		}
		return s.answerMissingBlocks(root, msg.CIDs, senderAddr)

	case wire.DataRequestMissingDagBlocks:
		root, err := blockcid.Parse(msg.CID)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", msg.CID, err)
		}
		missing, err := s.repo.GetMissingDAGBlocks(root)
		if err != nil {
			return fmt.Errorf("shipper: missing blocks for %s: %w", root, err)
		}
		return s.transmitMsg(wire.NewDataProtocolMessage(wire.NewMissingDagBlocks(msg.CID, cidStrings(missing))), senderAddr)

	case wire.DataMissingDagBlocks:
		root, err := blockcid.Parse(msg.CID)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", msg.CID, err)
		}
		return s.handleMissingDagBlocks(root, msg.CIDs, senderAddr)

	case wire.DataRequestTransmitDag:
		root, err := blockcid.Parse(msg.CID)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", msg.CID, err)
		}
		return s.TransmitDag(root, msg.TargetAddr, msg.Retries)

	case wire.DataRequestTransmitBlock:
		c, err := blockcid.Parse(msg.CID)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", msg.CID, err)
		}
		return s.TransmitBlock(c, msg.TargetAddr)

	case wire.DataRetryDagSession:
		root, err := blockcid.Parse(msg.CID)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", msg.CID, err)
		}
		return s.retrySession(root)

	case wire.DataResumeTransmitDag, wire.DataResumeTransmitAllDags:
		return nil

	case wire.DataSetConnected:
		s.SetConnected(msg.Connected)
		return nil
	}
	return nil
}

func (s *Shipper) answerMissingBlocks(root cid.Cid, requested []string, senderAddr string) error {
	var missing []string
	for _, cs := range requested {
		c, err := blockcid.Parse(cs)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", cs, err)
		}
		if !s.repo.HasCID(c) {
			missing = append(missing, cs)
		}
	}
	return s.transmitMsg(wire.NewDataProtocolMessage(wire.NewMissingDagBlocks(root.String(), missing)), senderAddr)
}

// handleMissingDagBlocks answers a peer's report of what its last window
// still lacks: an empty report means the window landed cleanly and the
// session can advance; a non-empty one means the listed blocks need
// resending and re-confirming.
func (s *Shipper) handleMissingDagBlocks(root cid.Cid, missing []string, senderAddr string) error {
	if len(missing) == 0 {
		return s.advanceWindow(root, senderAddr)
	}

	log.Infof("dag %s is missing %d blocks, sending again", root, len(missing))
	for _, cs := range missing {
		c, err := blockcid.Parse(cs)
		if err != nil {
			return fmt.Errorf("shipper: parse %s: %w", cs, err)
		}
		if err := s.TransmitBlock(c, senderAddr); err != nil {
			return err
		}
	}
	return s.transmitMsg(wire.NewDataProtocolMessage(wire.NewRequestMissingDagWindowBlocks(root.String(), missing)), senderAddr)
}

func (s *Shipper) advanceWindow(root cid.Cid, targetAddr string) error {
	windowNum, ok := s.advanceSession(root)
	if !ok {
		return nil
	}

	cids, err := s.transmitWindow(root, windowNum, targetAddr)
	if err != nil {
		return err
	}

	if len(cids) == 0 {
		log.Infof("dag session %s is complete", root)
		s.endSession(root)
		return nil
	}

	log.Infof("dag session %s moving to window %d", root, windowNum+1)
	s.armRetryTimer(root)
	return s.transmitMsg(wire.NewDataProtocolMessage(wire.NewRequestMissingDagWindowBlocks(root.String(), cidStrings(cids))), targetAddr)
}

func (s *Shipper) receiveBlock(tb wire.TransmissionBlock) error {
	block, err := fromTransmissionBlock(tb)
	if err != nil {
		return err
	}
	return s.repo.ImportBlock(block)
}

func cidStrings(cids []cid.Cid) []string {
	out := make([]string, len(cids))
	for i, c := range cids {
		out[i] = c.String()
	}
	return out
}

func toTransmissionBlock(b store.Block) (wire.TransmissionBlock, error) {
	links := make([][]byte, len(b.Links))
	for i, l := range b.Links {
		links[i] = l.Bytes()
	}
	return wire.TransmissionBlock{CID: b.CID.Bytes(), Data: b.Data, Links: links}, nil
}

func fromTransmissionBlock(tb wire.TransmissionBlock) (store.Block, error) {
	c, err := cid.Cast(tb.CID)
	if err != nil {
		return store.Block{}, fmt.Errorf("shipper: cast cid: %w", err)
	}
	links := make([]cid.Cid, len(tb.Links))
	for i, l := range tb.Links {
		lc, err := cid.Cast(l)
		if err != nil {
			return store.Block{}, fmt.Errorf("shipper: cast link cid: %w", err)
		}
		links[i] = lc
	}
	return store.Block{CID: c, Data: tb.Data, Links: links}, nil
}
