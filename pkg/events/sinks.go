package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ChannelSink delivers frames to an in-process buffered channel. Frames that
// do not fit are rejected, which detaches the sink.
type ChannelSink struct {
	ch        chan []byte
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewChannelSink returns a sink buffering up to size frames.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan []byte, size)}
}

// C exposes the frame channel. It is closed when the sink is closed.
func (s *ChannelSink) C() <-chan []byte { return s.ch }

// Send enqueues frame without blocking.
func (s *ChannelSink) Send(_ context.Context, frame []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- frame:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close closes the channel. Safe to call more than once.
func (s *ChannelSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

// WebSocketSink pushes frames to a websocket client as text messages. Frames
// are queued and written by a dedicated goroutine so a slow client never
// holds up the emitter; a full queue or a write error detaches the client.
type WebSocketSink struct {
	conn         *websocket.Conn
	queue        chan []byte
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once

	mu  sync.Mutex
	err error
}

// NewWebSocketSink starts the writer goroutine for conn.
func NewWebSocketSink(conn *websocket.Conn, queueSize int, writeTimeout time.Duration) *WebSocketSink {
	if queueSize <= 0 {
		queueSize = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	s := &WebSocketSink{
		conn:         conn,
		queue:        make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *WebSocketSink) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *WebSocketSink) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the write error that broke the connection, if any.
func (s *WebSocketSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send queues frame for the writer goroutine.
func (s *WebSocketSink) Send(_ context.Context, frame []byte) error {
	if err := s.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.queue <- frame:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close stops the writer and closes the connection.
func (s *WebSocketSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close(websocket.StatusNormalClosure, "event stream closed")
	})
	return err
}

// Done is closed once the sink has been closed.
func (s *WebSocketSink) Done() <-chan struct{} { return s.done }

// StreamOptions configure the websocket accept handler.
type StreamOptions struct {
	OriginPatterns []string
	QueueSize      int
	WriteTimeout   time.Duration
}

// StreamHandler upgrades requests to websocket connections and attaches each
// client to bus until the client disconnects.
func StreamHandler(bus *Bus, logger *slog.Logger, opts StreamOptions) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		// Events flow one way; CloseRead discards client frames and cancels
		// ctx when the client goes away.
		ctx := conn.CloseRead(r.Context())
		sink := NewWebSocketSink(conn, opts.QueueSize, opts.WriteTimeout)
		bus.AddSink(sink)
		logger.Debug("event client attached", "remote", r.RemoteAddr, "sinks", bus.SinkCount())

		select {
		case <-ctx.Done():
		case <-sink.Done():
		}

		bus.RemoveSink(sink)
		_ = sink.Close()
		logger.Debug("event client detached", "remote", r.RemoteAddr)
	})
}
