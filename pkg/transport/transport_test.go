package transport

import (
	"testing"
	"time"

	"github.com/dtn-radio/spore/pkg/wire"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	receiver, err := NewUDPTransport("127.0.0.1:0", 512)
	if err != nil {
		t.Fatalf("NewUDPTransport receiver: %v", err)
	}
	defer receiver.Close()

	sender, err := NewUDPTransport("127.0.0.1:0", 512)
	if err != nil {
		t.Fatalf("NewUDPTransport sender: %v", err)
	}
	defer sender.Close()

	if err := receiver.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("SetReadTimeout: %v", err)
	}

	msg := wire.RequestAvailableBlocksMsg()

	errc := make(chan error, 1)
	msgc := make(chan wire.Message, 1)
	go func() {
		got, _, err := receiver.Receive()
		if err != nil {
			errc <- err
			return
		}
		msgc <- got
	}()

	if err := sender.Send(msg, receiver.LocalAddr().String()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-msgc:
		if got.Kind != wire.KindApplicationAPI || got.API.Kind != wire.APIRequestAvailableBlocks {
			t.Fatalf("received = %+v, want RequestAvailableBlocks", got)
		}
	case err := <-errc:
		t.Fatalf("Receive: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}
