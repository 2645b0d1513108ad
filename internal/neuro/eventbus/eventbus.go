// Package eventbus is a small hub-and-spoke pub/sub for five event kinds:
// connection status, streaming samples, seizure classifications,
// therapy-enabled changes, and therapy-status changes. Every
// publish is fire-and-forget: a slow or absent subscriber never blocks the
// emitter.
package eventbus

import (
	"log/slog"
	"sync"
)

// ConnectionStatus is the closed tag set of spec §3.
type ConnectionStatus int

const (
	Unopened ConnectionStatus = iota
	Connected
	AlreadyConnected
	NoDevice
	Disconnected
	Closed
	Failed
)

func (s ConnectionStatus) String() string {
	switch s {
	case Unopened:
		return "Unopened"
	case Connected:
		return "Connected"
	case AlreadyConnected:
		return "AlreadyConnected"
	case NoDevice:
		return "NoDevice"
	case Disconnected:
		return "Disconnected"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StreamingStatus is the closed tag set returned by start_streaming.
type StreamingStatus int

const (
	NotStreaming StreamingStatus = iota
	Streaming
	AlreadyStreaming
	ConnectionNotOpen
)

func (s StreamingStatus) String() string {
	switch s {
	case NotStreaming:
		return "NotStreaming"
	case Streaming:
		return "Streaming"
	case AlreadyStreaming:
		return "AlreadyStreaming"
	case ConnectionNotOpen:
		return "ConnectionNotOpen"
	default:
		return "Unknown"
	}
}

// StreamingSample is a decoded device reading.
type StreamingSample struct {
	TimestampMs uint32
	VoltageMV   float64
}

// SeizureClassification is the Classifier's verdict for one evaluated window.
type SeizureClassification struct {
	Label         bool
	Confidence    float32
	SpectralPower [44]float64
}

// TherapyEnabledChanged reflects the operator's therapy on/off toggle. It is
// an input TherapyMonitor subscribes to; TherapyMonitor never publishes it,
// and the cmd/neurolinkd CLI does not publish it either.
type TherapyEnabledChanged struct {
	Enabled bool
}

// TherapyStatusChanged is TherapyMonitor's own output: a flip of the
// hysteresis state machine's "needed" verdict, or a change in whether
// therapy is actually being delivered.
type TherapyStatusChanged struct {
	Needed bool
	Active bool
}

// topic is a broadcast point for one event type: a set of subscriber
// channels guarded by a mutex, with non-blocking delivery.
type topic[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: make(map[int]chan T)}
}

func (t *topic[T]) subscribe(buf int) (<-chan T, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan T, buf)
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = ch
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// publish delivers v to every current subscriber without blocking; a
// subscriber whose buffer is full simply misses this event.
func (t *topic[T]) publish(v T, onDrop func()) {
	t.mu.Lock()
	chans := make([]chan T, 0, len(t.subs))
	for _, ch := range t.subs {
		chans = append(chans, ch)
	}
	t.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- v:
		default:
			if onDrop != nil {
				onDrop()
			}
		}
	}
}

// Hub is the process-wide event bus for one Session.
type Hub struct {
	connStatus     *topic[ConnectionStatus]
	samples        *topic[StreamingSample]
	classification *topic[SeizureClassification]
	therapyToggle  *topic[TherapyEnabledChanged]
	therapyStatus  *topic[TherapyStatusChanged]
	log            *slog.Logger
}

// New constructs an empty Hub.
func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		connStatus:     newTopic[ConnectionStatus](),
		samples:        newTopic[StreamingSample](),
		classification: newTopic[SeizureClassification](),
		therapyToggle:  newTopic[TherapyEnabledChanged](),
		therapyStatus:  newTopic[TherapyStatusChanged](),
		log:            log,
	}
}

// SubscribeConnectionStatus registers a buffered subscriber; call the
// returned cancel func to unsubscribe.
func (h *Hub) SubscribeConnectionStatus(buf int) (<-chan ConnectionStatus, func()) {
	return h.connStatus.subscribe(buf)
}

func (h *Hub) SubscribeStreamingSamples(buf int) (<-chan StreamingSample, func()) {
	return h.samples.subscribe(buf)
}

func (h *Hub) SubscribeClassifications(buf int) (<-chan SeizureClassification, func()) {
	return h.classification.subscribe(buf)
}

func (h *Hub) SubscribeTherapyEnabledChanged(buf int) (<-chan TherapyEnabledChanged, func()) {
	return h.therapyToggle.subscribe(buf)
}

func (h *Hub) PublishConnectionStatus(s ConnectionStatus) {
	h.connStatus.publish(s, func() { h.log.Debug("dropped connection status event", "status", s.String()) })
}

func (h *Hub) PublishStreamingSample(s StreamingSample) {
	h.samples.publish(s, func() { h.log.Debug("dropped streaming sample event") })
}

func (h *Hub) PublishClassification(c SeizureClassification) {
	h.classification.publish(c, func() { h.log.Debug("dropped classification event") })
}

func (h *Hub) PublishTherapyEnabledChanged(e TherapyEnabledChanged) {
	h.therapyToggle.publish(e, func() { h.log.Debug("dropped therapy-enabled event") })
}

func (h *Hub) SubscribeTherapyStatus(buf int) (<-chan TherapyStatusChanged, func()) {
	return h.therapyStatus.subscribe(buf)
}

func (h *Hub) PublishTherapyStatus(s TherapyStatusChanged) {
	h.therapyStatus.publish(s, func() { h.log.Debug("dropped therapy-status event") })
}
