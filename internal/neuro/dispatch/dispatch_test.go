package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alxayo/neurolink/internal/neuro/packet"
)

func mustPacket(t *testing.T, typ packet.Type, id uint8, payload []byte) packet.Packet {
	t.Helper()
	p, err := packet.New(typ, id, payload)
	if err != nil {
		t.Fatalf("packet.New: %v", err)
	}
	return p
}

func TestOneShotClaimRemovesListener(t *testing.T) {
	d := New(8, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var calls int
	d.Register(packet.TypeCommand, true, func(p packet.Packet) bool {
		calls++
		return p.ID() == 5
	})

	p := mustPacket(t, packet.TypeCommand, 5, []byte{byte(packet.OpWatchdogReset)})
	if err := d.Submit(ctx, p); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForCalls(t, &calls, 1)

	// Submitting another Command packet should find no listener left.
	p2 := mustPacket(t, packet.TypeCommand, 6, []byte{byte(packet.OpWatchdogReset)})
	if err := d.Submit(ctx, p2); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("expected one-shot listener to be gone, calls=%d", calls)
	}
}

func TestRegistrationOrderFirstClaimWins(t *testing.T) {
	d := New(8, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var order []int
	d.Register(packet.TypeStreamData, false, func(p packet.Packet) bool {
		order = append(order, 1)
		return false
	})
	d.Register(packet.TypeStreamData, false, func(p packet.Packet) bool {
		order = append(order, 2)
		return true
	})
	d.Register(packet.TypeStreamData, false, func(p packet.Packet) bool {
		order = append(order, 3)
		return true
	})

	p := mustPacket(t, packet.TypeStreamData, 1, []byte{0x00, 0x00})
	if err := d.Submit(ctx, p); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected invocation order: %v", order)
	}
}

func TestErrorFallsBackToCommandListeners(t *testing.T) {
	d := New(8, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	seen := make(chan packet.Packet, 1)
	d.Register(packet.TypeCommand, true, func(p packet.Packet) bool {
		if p.ID() != 3 {
			return false
		}
		seen <- p
		return true
	})

	errPacket := mustPacket(t, packet.TypeError, 3, []byte{byte(packet.ErrAlreadyStreaming)})
	if err := d.Submit(ctx, errPacket); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case got := <-seen:
		if got.Type() != packet.TypeError || got.ErrorCode() != packet.ErrAlreadyStreaming {
			t.Fatalf("unexpected packet delivered via fallback: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected error packet to be re-offered to command listener")
	}
}

func TestUnregisterUnknownListenerErrors(t *testing.T) {
	d := New(8, nil, nil)
	if err := d.Unregister(packet.TypeCommand, 999); err == nil {
		t.Fatalf("expected error unregistering unknown listener")
	}
}

func TestPanicInListenerRecovered(t *testing.T) {
	d := New(8, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Register(packet.TypeCommand, false, func(p packet.Packet) bool {
		panic("boom")
	})
	recovered := make(chan packet.Packet, 1)
	d.Register(packet.TypeCommand, true, func(p packet.Packet) bool {
		recovered <- p
		return true
	})

	p := mustPacket(t, packet.TypeCommand, 1, []byte{byte(packet.OpWatchdogReset)})
	if err := d.Submit(ctx, p); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatalf("expected dispatch loop to continue after a listener panic")
	}
}

func waitForCalls(t *testing.T, calls *int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if *calls >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls, got %d", want, *calls)
}
