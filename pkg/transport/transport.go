// Package transport moves Message envelopes across a lossy link. A UDP
// link can't carry an arbitrarily large datagram, so Transport always
// goes through a chunk.Chunker: every send is fragmented, every receive
// reassembles, and periodically polls its own reassembly cache for gaps
// so a partner that stalled mid-transfer gets asked for the chunks it's
// still owed instead of waiting for it to notice alone.
package transport

import (
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dtn-radio/spore/pkg/chunk"
	"github.com/dtn-radio/spore/pkg/wire"
)

var log = logging.Logger("transport")

// Transport is the link-layer capability the rest of the node depends
// on: send a Message to an address, or block until one arrives.
type Transport interface {
	Receive() (wire.Message, string, error)
	Send(msg wire.Message, addr string) error
}

// checkMissingEvery bounds how often Receive's read loop pauses to poll
// its own reassembly cache for gaps -- too often wastes cycles re-scanning
// an empty cache, too rarely leaves a stalled peer waiting.
const checkMissingEvery = 100

// UDPTransport is the only Transport implementation: a UDP socket plus
// the MTU-bounded chunker fragmenting/reassembling across it.
type UDPTransport struct {
	conn            *net.UDPConn
	mtu             uint16
	chunker         *chunk.SimpleChunker
	maxReadAttempts int
	readTimeout     time.Duration
}

// NewUDPTransport binds listenAddr and readies a chunker sized to mtu.
func NewUDPTransport(listenAddr string, mtu uint16) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", listenAddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}

	return &UDPTransport{conn: conn, mtu: mtu, chunker: chunk.NewSimpleChunker(mtu)}, nil
}

// SetReadTimeout bounds how long a single Receive read blocks; zero
// clears any deadline.
func (t *UDPTransport) SetReadTimeout(d time.Duration) error {
	t.readTimeout = d
	if d == 0 {
		return t.conn.SetReadDeadline(time.Time{})
	}
	return t.conn.SetReadDeadline(time.Now().Add(d))
}

// SetMaxReadAttempts bounds how many failed reads Receive tolerates
// before giving up; zero means unbounded.
func (t *UDPTransport) SetMaxReadAttempts(n int) {
	t.maxReadAttempts = n
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// Receive blocks until a full Message has been reassembled from one or
// more datagrams, returning it along with the sender's address.
func (t *UDPTransport) Receive() (wire.Message, string, error) {
	buf := make([]byte, t.mtu)

	var senderAddr *net.UDPAddr
	readAttempts := 0
	readsSinceMissingCheck := 0
	hasReceived := false

	for {
		for {
			if hasReceived && readsSinceMissingCheck > checkMissingEvery {
				readsSinceMissingCheck = 0
				if senderAddr != nil {
					if err := t.sendMissingChunkRequests(senderAddr); err != nil {
						log.Warnf("failed to request missing chunks: %v", err)
					}
				}
			}

			readAttempts++
			readsSinceMissingCheck++

			if t.readTimeout > 0 {
				t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
			}
			n, from, err := t.conn.ReadFromUDP(buf)
			if err != nil {
				if t.maxReadAttempts > 0 && readAttempts > t.maxReadAttempts {
					return wire.Message{}, "", fmt.Errorf("transport: exceeded %d read attempts: %w", t.maxReadAttempts, err)
				}
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if n > 0 {
				senderAddr = from
				hasReceived = true
				break
			}
		}

		result, err := t.chunker.Unchunk(buf)
		if err != nil {
			return wire.Message{}, "", fmt.Errorf("transport: unchunk: %w", err)
		}
		if result == nil {
			continue
		}

		switch result.Kind {
		case chunk.UnchunkMessage:
			return result.Message, senderAddr.String(), nil
		case chunk.UnchunkMissing:
			resent, err := t.chunker.GetPrevSentChunks(result.Missing)
			if err != nil {
				log.Warnf("get_prev_sent_chunks: %v", err)
				continue
			}
			for _, c := range resent {
				if _, err := t.conn.WriteToUDP(c, senderAddr); err != nil {
					log.Warnf("resend failed: %v", err)
				}
			}
		}
	}
}

func (t *UDPTransport) sendMissingChunkRequests(to *net.UDPAddr) error {
	missing, err := t.chunker.FindMissingChunks()
	if err != nil {
		return err
	}
	for _, m := range missing {
		if _, err := t.conn.WriteToUDP(m, to); err != nil {
			return err
		}
	}
	return nil
}

// Send chunks msg and writes every fragment to addr.
func (t *UDPTransport) Send(msg wire.Message, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}

	chunks, err := t.chunker.Chunk(msg)
	if err != nil {
		return fmt.Errorf("transport: chunk: %w", err)
	}

	for _, c := range chunks {
		if _, err := t.conn.WriteToUDP(c, udpAddr); err != nil {
			return fmt.Errorf("transport: send to %s: %w", addr, err)
		}
	}
	return nil
}
