package conn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alxayo/neurolink/internal/neuro/eventbus"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

func TestWatchdogRecoversAfterTransientFailure(t *testing.T) {
	origFeeding, origBadPort := FeedingInterval, BadPortRetryDelay
	FeedingInterval = 30 * time.Millisecond
	BadPortRetryDelay = 20 * time.Millisecond
	defer func() { FeedingInterval, BadPortRetryDelay = origFeeding, origBadPort }()

	port := newFakeDevicePort()
	var failing atomic.Bool
	port.replyWith[packet.OpWatchdogReset] = func(id uint8) (packet.Packet, bool) {
		if failing.Load() {
			return packet.Packet{}, false // no reply at all -> TimeoutExpired
		}
		p, _ := packet.New(packet.TypeCommand, id, []byte{0x00})
		return p, true
	}

	s := New("/dev/fake0", 115200, openerFor(port), nil, nil, nil)
	s.readTO = 10 * time.Millisecond

	if status := s.Open(context.Background()); status != eventbus.Connected {
		t.Fatalf("expected Connected, got %v", status)
	}
	defer s.Close()

	statusCh, cancel := s.Events().SubscribeConnectionStatus(8)
	defer cancel()

	failing.Store(true)

	var sawDisconnected bool
	deadline := time.After(6 * time.Second)
loop:
	for {
		select {
		case st := <-statusCh:
			if st == eventbus.Disconnected {
				sawDisconnected = true
				failing.Store(false)
			}
			if st == eventbus.Connected && sawDisconnected {
				break loop
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect; sawDisconnected=%v state=%v", sawDisconnected, s.State())
		}
	}

	if s.State() != StateConnected {
		t.Fatalf("expected StateConnected after recovery, got %v", s.State())
	}
}
