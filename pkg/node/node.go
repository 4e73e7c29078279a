// Package node wires the repo, transport, sync engine and shipper
// together into the dispatch loop that actually runs a radio-facing
// node: it classifies every inbound Message, answers control-plane
// requests inline, forwards data-plane and sync-plane traffic to the
// Shipper and Syncer, and uses read-timeout gaps to drive background
// chatter (sync bookkeeping, incremental GC) the way the teacher's
// listener drives its own idle-time tasks.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dtn-radio/spore/pkg/blockcid"
	"github.com/dtn-radio/spore/pkg/repo"
	"github.com/dtn-radio/spore/pkg/shipper"
	"github.com/dtn-radio/spore/pkg/syncengine"
	"github.com/dtn-radio/spore/pkg/transport"
	"github.com/dtn-radio/spore/pkg/wire"
)

// readTimeoutSetter and maxReadAttemptsSetter are satisfied by
// transport.UDPTransport; Run type-asserts for them rather than widening
// the Transport interface everyone else depends on.
type readTimeoutSetter interface {
	SetReadTimeout(time.Duration) error
}

type maxReadAttemptsSetter interface {
	SetMaxReadAttempts(int)
}

var log = logging.Logger("node")

// readAttemptsPerChatterTick bounds how many failed reads Node.Run
// tolerates per chatter interval before giving up on that interval and
// running background tasks -- transport.Receive retries internally, so
// this only needs to be small enough that a read timeout is noticed
// promptly.
const readAttemptsPerChatterTick = 2

// VersionInfo is the build/identity information a node reports in answer
// to RequestVersion. Runtime is filled in from runtime.Version() when the
// response is built, not stored here.
type VersionInfo struct {
	Version     string
	Target      string
	Profile     string
	Features    []string
	RemoteLabel string
}

// Node is the node's single dispatch point: every inbound wire.Message,
// from whichever peer, passes through Handle before anything acts on
// it.
type Node struct {
	repo      *repo.Repo
	transport transport.Transport
	sync      *syncengine.Syncer
	shipper   *shipper.Shipper

	radioAddress string
	version      VersionInfo

	mu    sync.Mutex
	addrs map[string]struct{}
}

// New builds a Node. radioAddress, if non-empty, is the fixed peer every
// response is sent to regardless of who asked; otherwise each response
// goes back to whoever sent the request.
func New(r *repo.Repo, t transport.Transport, sy *syncengine.Syncer, sh *shipper.Shipper, radioAddress string, version VersionInfo) *Node {
	return &Node{
		repo:         r,
		transport:    t,
		sync:         sy,
		shipper:      sh,
		radioAddress: radioAddress,
		version:      version,
		addrs:        make(map[string]struct{}),
	}
}

// Run blocks, alternating between servicing inbound messages and, once
// chatterEvery has passed without one, running background tasks. It
// returns only when ctx is cancelled or the transport fails outright.
func (n *Node) Run(ctx context.Context, chatterEvery time.Duration) error {
	if rt, ok := n.transport.(readTimeoutSetter); ok {
		if err := rt.SetReadTimeout(chatterEvery); err != nil {
			return fmt.Errorf("node: set read timeout: %w", err)
		}
	}
	if ra, ok := n.transport.(maxReadAttemptsSetter); ok {
		ra.SetMaxReadAttempts(readAttemptsPerChatterTick)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if err := n.receiveOnce(); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

func (n *Node) receiveOnce() error {
	msg, senderAddr, err := n.transport.Receive()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if bgErr := n.bgTasks(); bgErr != nil {
				log.Warnf("background task: %v", bgErr)
			}
			return nil
		}
		return fmt.Errorf("node: receive: %w", err)
	}

	n.mu.Lock()
	n.addrs[senderAddr] = struct{}{}
	n.mu.Unlock()

	target := senderAddr
	if n.radioAddress != "" {
		target = n.radioAddress
	}

	resp, err := n.Handle(msg, target)
	if err != nil {
		log.Errorf("message handler error: %v", err)
		if sendErr := n.transport.Send(wire.NewErrorMessage(err.Error()), target); sendErr != nil {
			log.Warnf("transmit error response: %v", sendErr)
		}
		return nil
	}
	if resp != nil {
		if sendErr := n.transport.Send(*resp, target); sendErr != nil {
			log.Warnf("transmit response: %v", sendErr)
		}
	}
	return nil
}

// Handle classifies msg and, for request/response traffic, returns the
// response for the caller to send to target. target is where any traffic this
// message itself provokes (a shipper transmit, a sync reply) should go
// -- the radio address if one's configured, else senderAddr.
func (n *Node) Handle(msg wire.Message, target string) (*wire.Message, error) {
	switch msg.Kind {
	case wire.KindApplicationAPI:
		return n.handleAPI(msg.API, target)
	case wire.KindDataProtocol:
		if err := n.shipper.Receive(msg.Data, target); err != nil {
			return nil, fmt.Errorf("node: shipper receive: %w", err)
		}
		return nil, nil
	case wire.KindSync:
		resp, err := n.sync.Handle(msg.Sync, n.repo)
		if err != nil {
			return nil, fmt.Errorf("node: sync handle: %w", err)
		}
		return resp, nil
	case wire.KindError:
		log.Warnf("received error message from peer: %s", msg.Err)
		return nil, nil
	default:
		log.Infof("received unhandled message kind %d", msg.Kind)
		return nil, nil
	}
}

func (n *Node) handleAPI(api wire.ApplicationAPI, target string) (*wire.Message, error) {
	switch api.Kind {
	case wire.APITransmitDag:
		root, err := blockcid.Parse(api.CID)
		if err != nil {
			return nil, fmt.Errorf("node: parse %s: %w", api.CID, err)
		}
		if err := n.shipper.TransmitDag(root, api.TargetAddr, api.Retries); err != nil {
			return nil, fmt.Errorf("node: transmit dag %s: %w", root, err)
		}
		return nil, nil

	case wire.APITransmitBlock:
		c, err := blockcid.Parse(api.CID)
		if err != nil {
			return nil, fmt.Errorf("node: parse %s: %w", api.CID, err)
		}
		if err := n.shipper.TransmitBlock(c, api.TargetAddr); err != nil {
			return nil, fmt.Errorf("node: transmit block %s: %w", c, err)
		}
		return nil, nil

	case wire.APIImportFile:
		root, err := n.repo.ImportPath(api.Path)
		if err != nil {
			return nil, fmt.Errorf("node: import %s: %w", api.Path, err)
		}
		resp := wire.NewAPIMessage(wire.FileImported(api.Path, root.String()))
		return &resp, nil

	case wire.APIExportDag:
		root, err := blockcid.Parse(api.CID)
		if err != nil {
			return nil, fmt.Errorf("node: parse %s: %w", api.CID, err)
		}
		if err := n.repo.ExportCID(root, api.Path); err != nil {
			resp := wire.NewAPIMessage(wire.DagExportFailed(api.CID, api.Path, err.Error()))
			return &resp, nil
		}
		resp := wire.NewAPIMessage(wire.DagExported(api.CID, api.Path))
		return &resp, nil

	case wire.APIRequestAvailableBlocks:
		cids, err := n.repo.ListAvailableCIDs()
		if err != nil {
			return nil, fmt.Errorf("node: list available cids: %w", err)
		}
		resp := wire.AvailableBlocksMsg(cidStrings(cids))
		return &resp, nil

	case wire.APIGetMissingDagBlocks:
		root, err := blockcid.Parse(api.CID)
		if err != nil {
			return nil, fmt.Errorf("node: parse %s: %w", api.CID, err)
		}
		missing, err := n.repo.GetMissingDAGBlocks(root)
		if err != nil {
			return nil, fmt.Errorf("node: missing blocks for %s: %w", root, err)
		}
		resp := wire.NewAPIMessage(wire.MissingDagBlocks(api.CID, cidStrings(missing)))
		return &resp, nil

	case wire.APIValidateDag:
		root, err := blockcid.Parse(api.CID)
		if err != nil {
			return nil, fmt.Errorf("node: parse %s: %w", api.CID, err)
		}
		result := "dag is valid"
		if err := n.validateDAG(root); err != nil {
			result = err.Error()
		}
		resp := wire.NewAPIMessage(wire.ValidateDagResponse(api.CID, result))
		return &resp, nil

	case wire.APIRequestAvailableDags:
		dags, err := n.repo.ListAvailableDAGs()
		if err != nil {
			return nil, fmt.Errorf("node: list available dags: %w", err)
		}
		wireDags := make([]wire.NamedDag, len(dags))
		for i, d := range dags {
			wireDags[i] = wire.NamedDag{CID: d.CID.String(), Filename: d.Filename}
		}
		resp := wire.NewAPIMessage(wire.AvailableDags(wireDags))
		return &resp, nil

	case wire.APIRequestVersion:
		resp := wire.NewAPIMessage(wire.Version(n.version.Version, runtime.Version(), n.version.Target, n.version.Profile, n.version.Features, n.version.RemoteLabel))
		return &resp, nil

	case wire.APISetConnected:
		wasConnected := n.shipper.IsConnected()
		n.shipper.SetConnected(api.Connected)
		if !wasConnected && api.Connected {
			if err := n.shipper.Receive(wire.NewResumeTransmitAllDags(), target); err != nil {
				return nil, fmt.Errorf("node: resume all dags: %w", err)
			}
		}
		return nil, nil

	case wire.APIGetConnected:
		resp := wire.NewAPIMessage(wire.ConnectedState(n.shipper.IsConnected()))
		return &resp, nil

	case wire.APIResumeTransmitDag:
		if err := n.shipper.Receive(wire.NewResumeTransmitDag(api.CID), target); err != nil {
			return nil, fmt.Errorf("node: resume dag %s: %w", api.CID, err)
		}
		return nil, nil

	case wire.APIResumeTransmitAllDags:
		if err := n.shipper.Receive(wire.NewResumeTransmitAllDags(), target); err != nil {
			return nil, fmt.Errorf("node: resume all dags: %w", err)
		}
		return nil, nil

	case wire.APIDagTransmissionComplete:
		root, err := blockcid.Parse(api.CID)
		if err != nil {
			return nil, fmt.Errorf("node: parse %s: %w", api.CID, err)
		}
		if err := n.validateDAG(root); err != nil {
			log.Errorf("failure in receiving dag %s: %v", root, err)
		} else {
			log.Infof("successfully received and validated dag %s", root)
		}
		return nil, nil

	case wire.APIValidateDagResponse:
		log.Infof("received validate dag response from %s for %s: %s", target, api.CID, api.Result)
		return nil, nil

	case wire.APIFileImported:
		log.Infof("received file imported from %s: %s -> %s", target, api.Path, api.CID)
		return nil, nil

	default:
		log.Infof("received unhandled api request: %v", api.Kind)
		return nil, nil
	}
}

// validateDAG checks every block reachable from root against its own
// CID, catching corruption a partial or lossy transfer might have left
// behind.
func (n *Node) validateDAG(root cid.Cid) error {
	blocks, err := n.repo.GetAllDAGBlocks(root)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := blockcid.Verify(b.CID, b.Data); err != nil {
			return fmt.Errorf("block %s: %w", b.CID, err)
		}
	}
	return nil
}

// bgTasks runs whenever a read times out with nothing to process: first
// it drains the Syncer's pending traffic to every known peer, then
// advances garbage collection, and only once GC has nothing left to do
// does it ask the Syncer to build more low-priority sync chatter.
func (n *Node) bgTasks() error {
	n.mu.Lock()
	addrs := make([]string, 0, len(n.addrs))
	for a := range n.addrs {
		addrs = append(addrs, a)
	}
	n.mu.Unlock()

	if len(addrs) > 0 {
		if msg := n.sync.PopPendingMsg(n.repo); msg != nil {
			for _, addr := range addrs {
				if err := n.transport.Send(*msg, addr); err != nil {
					return fmt.Errorf("node: broadcast pending sync message: %w", err)
				}
			}
			return nil
		}
	}

	if !n.repo.IncrementalGC() {
		return n.sync.BuildMsg(n.repo)
	}
	return nil
}

func cidStrings(cids []cid.Cid) []string {
	out := make([]string, len(cids))
	for i, c := range cids {
		out[i] = c.String()
	}
	return out
}

