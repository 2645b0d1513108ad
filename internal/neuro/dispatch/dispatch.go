// Package dispatch routes Packets emitted by the framer to per-type ordered
// listener lists, giving Transport's SendCommand a way to correlate a reply
// with the request that triggered it.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	neuroerrors "github.com/alxayo/neurolink/internal/errors"
	"github.com/alxayo/neurolink/internal/logger"
	"github.com/alxayo/neurolink/internal/metrics"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

// Handler inspects p and returns true if it claims the packet. A claiming
// one-shot handler is removed from its list before the dispatch loop takes
// the next packet.
// Handlers must not block; they run synchronously on the dispatch loop.
type Handler func(p packet.Packet) bool

type listener struct {
	id      uint64
	oneShot bool
	fn      Handler
}

// Dispatcher is a multi-producer, single-consumer bounded queue of Packets
// with atomic register/unregister against the dispatch loop.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[packet.Type][]*listener
	nextID    uint64

	queue chan packet.Packet
	log   *slog.Logger

	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// New constructs a Dispatcher with the given queue depth. m may be nil to
// skip instrumentation.
func New(queueDepth int, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Dispatcher{
		listeners: make(map[packet.Type][]*listener),
		queue:     make(chan packet.Packet, queueDepth),
		log:       log,
		metrics:   m,
	}
}

// Run consumes packets from the queue until ctx is cancelled. It is meant to
// be launched as the single dispatch-loop goroutine for a Session.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-d.queue:
			d.deliver(p)
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Submit enqueues p for dispatch, blocking if the queue is full until either
// space frees up or ctx is cancelled. Submit is the only producer-facing
// entry point; the Framer's read loop calls it for every decoded packet.
func (d *Dispatcher) Submit(ctx context.Context, p packet.Packet) error {
	select {
	case d.queue <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds a listener for typ at the end of its ordered list and
// returns an identity usable with Unregister.
func (d *Dispatcher) Register(typ packet.Type, oneShot bool, fn Handler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[typ] = append(d.listeners[typ], &listener{id: id, oneShot: oneShot, fn: fn})
	return id
}

// Unregister removes the first listener matching id for typ. It returns a
// DispatchError if no such listener is registered.
func (d *Dispatcher) Unregister(typ packet.Type, id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.listeners[typ]
	for i, l := range list {
		if l.id == id {
			d.listeners[typ] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return neuroerrors.NewDispatchError("dispatch.unregister", fmt.Errorf("listener %d not registered for %s", id, typ))
}

// deliver implements the dispatch algorithm of spec §4.2: invoke listeners in
// registration order, the first to return true claims the packet; a claiming
// one-shot listener is removed before returning; Error packets that go
// unclaimed are re-offered to the Command list so an in-flight SendCommand
// can observe that its reply was an error; anything still unclaimed is
// logged and dropped.
func (d *Dispatcher) deliver(p packet.Packet) {
	if d.offer(p.Type(), p) {
		return
	}
	if p.Type() == packet.TypeError {
		if d.offer(packet.TypeCommand, p) {
			return
		}
	}
	logger.WithPacket(d.log, p.Type().String(), p.ID(), len(p.Payload())).Warn("unhandled packet")
	if d.metrics != nil {
		d.metrics.FramesDropped.WithLabelValues("unhandled").Inc()
	}
}

// offer invokes the ordered listener list registered for typ against p,
// returning true the instant one claims it.
func (d *Dispatcher) offer(typ packet.Type, p packet.Packet) bool {
	d.mu.Lock()
	list := append([]*listener(nil), d.listeners[typ]...)
	d.mu.Unlock()

	for _, l := range list {
		claimed := d.invoke(l, p)
		if claimed {
			if l.oneShot {
				d.removeByID(typ, l.id)
			}
			return true
		}
	}
	return false
}

// invoke calls a listener, recovering and logging any panic so a single
// misbehaving listener cannot stall the dispatch loop.
func (d *Dispatcher) invoke(l *listener, p packet.Packet) (claimed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener panic recovered", "listener_id", l.id, "recover", r)
			claimed = false
		}
	}()
	return l.fn(p)
}

func (d *Dispatcher) removeByID(typ packet.Type, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.listeners[typ]
	for i, l := range list {
		if l.id == id {
			d.listeners[typ] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
