// Package events carries workflow lifecycle notifications. Local subscribers
// are invoked first; every emitted event is then broadcast as a JSON envelope
// to the attached real-time sinks.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// AllTopics subscribes a handler to every topic.
const AllTopics = "*"

const (
	defaultSendTimeout = 2 * time.Second
	defaultQueueSize   = 256
)

var (
	// ErrSinkFull is returned by sinks whose outbound queue cannot accept a frame.
	ErrSinkFull = errors.New("sink queue full")
	// ErrSinkClosed is returned by sinks that no longer accept frames.
	ErrSinkClosed = errors.New("sink closed")
)

// Envelope is the frame pushed to sinks.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler is a local subscriber callback. Errors are logged, never propagated.
type Handler func(ctx context.Context, env Envelope) error

// Sink is a real-time transport receiving encoded envelopes. Send is called
// from the sink's own delivery goroutine, never from the emitter. A Send
// error detaches the sink from the bus.
type Sink interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Options configure a Bus.
type Options struct {
	Logger *slog.Logger
	// SendTimeout bounds a single sink delivery.
	SendTimeout time.Duration
	// QueueSize bounds the frames buffered per sink. A sink whose queue
	// overflows is detached.
	QueueSize int
	Now       func() time.Time
}

// Bus is a topic based publish/subscribe hub with sink broadcast.
type Bus struct {
	logger      *slog.Logger
	sendTimeout time.Duration
	queueSize   int
	now         func() time.Time

	mu          sync.RWMutex
	subscribers map[string][]Handler

	sinkMu sync.Mutex
	sinks  map[Sink]*outlet
}

// outlet feeds one sink from its own goroutine so frames reach it in emit
// order without the emitter waiting on delivery.
type outlet struct {
	sink  Sink
	queue chan []byte
	stop  chan struct{}
}

// NewBus constructs an empty bus.
func NewBus(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bus{
		logger:      logger,
		sendTimeout: timeout,
		queueSize:   queueSize,
		now:         now,
		subscribers: make(map[string][]Handler),
		sinks:       make(map[Sink]*outlet),
	}
}

// Subscribe registers h for topic. Use AllTopics to receive everything.
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
	b.mu.Unlock()
}

// AddSink attaches a real-time sink and starts its delivery goroutine.
// Adding an attached sink again is a no-op.
func (b *Bus) AddSink(s Sink) {
	if s == nil {
		return
	}
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	if _, ok := b.sinks[s]; ok {
		return
	}
	o := &outlet{
		sink:  s,
		queue: make(chan []byte, b.queueSize),
		stop:  make(chan struct{}),
	}
	b.sinks[s] = o
	go b.deliver(o)
}

// RemoveSink detaches s without closing it. Frames still queued for s are
// dropped. It reports whether s was attached.
func (b *Bus) RemoveSink(s Sink) bool {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	o, ok := b.sinks[s]
	if !ok {
		return false
	}
	delete(b.sinks, s)
	close(o.stop)
	return true
}

// Close detaches and closes every attached sink.
func (b *Bus) Close() error {
	var errs []error
	for _, o := range b.snapshot() {
		if b.RemoveSink(o.sink) {
			if err := o.sink.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SinkCount reports the number of attached sinks.
func (b *Bus) SinkCount() int {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	return len(b.sinks)
}

// Emit invokes subscribers for topic and then queues the envelope for every
// attached sink. Delivery happens on each sink's goroutine; sinks that fail or
// fall behind are detached and closed.
func (b *Bus) Emit(ctx context.Context, topic string, data map[string]any) {
	if ctx == nil {
		ctx = context.Background()
	}
	env := Envelope{Type: topic, Data: data, Timestamp: b.now().UTC()}

	for _, h := range b.handlers(topic) {
		b.invoke(ctx, h, env)
	}

	b.broadcast(env)
}

func (b *Bus) handlers(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	specific := b.subscribers[topic]
	wildcard := b.subscribers[AllTopics]
	out := make([]Handler, 0, len(specific)+len(wildcard))
	out = append(out, specific...)
	if topic != AllTopics {
		out = append(out, wildcard...)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "topic", env.Type, "panic", fmt.Sprint(r))
		}
	}()
	if err := h(ctx, env); err != nil {
		b.logger.Warn("event subscriber failed", "topic", env.Type, "error", err)
	}
}

func (b *Bus) snapshot() []*outlet {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	out := make([]*outlet, 0, len(b.sinks))
	for _, o := range b.sinks {
		out = append(out, o)
	}
	return out
}

// broadcast queues the encoded envelope on every outlet. It never waits on a
// sink: an outlet whose queue is full is detached as a slow consumer.
func (b *Bus) broadcast(env Envelope) {
	outlets := b.snapshot()
	if len(outlets) == 0 {
		return
	}

	frame, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("encode event envelope", "topic", env.Type, "error", err)
		return
	}

	for _, o := range outlets {
		select {
		case <-o.stop:
		case o.queue <- frame:
		default:
			b.detach(o, ErrSinkFull)
		}
	}
}

func (b *Bus) deliver(o *outlet) {
	for {
		select {
		case <-o.stop:
			return
		case frame := <-o.queue:
			ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
			err := o.sink.Send(ctx, frame)
			cancel()
			if err != nil {
				b.detach(o, err)
				return
			}
		}
	}
}

func (b *Bus) detach(o *outlet, reason error) {
	if b.RemoveSink(o.sink) {
		b.logger.Debug("detaching event sink", "error", reason)
		_ = o.sink.Close()
	}
}
