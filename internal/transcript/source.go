package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

var (
	// ErrCaptureUnsupported means no speech capture source is available.
	ErrCaptureUnsupported = errors.New("speech capture unsupported")
	// ErrNotCapturing is returned when pushing to a source that is not running.
	ErrNotCapturing = errors.New("capture not running")
)

// Source pushes recognition events for one capture run. The returned channel
// may be closed by the source when the run ends on its own.
type Source interface {
	Start(ctx context.Context) (<-chan RecognitionEvent, error)
	Stop() error
}

// DecodeEvent parses one JSON recognition frame.
func DecodeEvent(data []byte) (RecognitionEvent, error) {
	var ev RecognitionEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return RecognitionEvent{}, fmt.Errorf("failed to decode recognition event: %w", err)
	}
	if ev.ResultIndex < 0 {
		return RecognitionEvent{}, fmt.Errorf("negative result index %d", ev.ResultIndex)
	}
	return ev, nil
}

// Replay is a finite, canned capture run.
type Replay struct {
	Events []RecognitionEvent

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *Replay) Start(ctx context.Context) (<-chan RecognitionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	out := make(chan RecognitionEvent)
	events := append([]RecognitionEvent(nil), r.Events...)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Replay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	return nil
}

// Channel is a source fed by Push, e.g. from a browser over a websocket.
type Channel struct {
	buffer int

	mu   sync.Mutex
	out  chan RecognitionEvent
	done chan struct{}
}

// NewChannel creates a push source with the given channel buffer.
func NewChannel(buffer int) *Channel {
	return &Channel{buffer: buffer}
}

func (c *Channel) Start(_ context.Context) (<-chan RecognitionEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.out = make(chan RecognitionEvent, c.buffer)
	c.done = make(chan struct{})
	return c.out, nil
}

func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

// out is never closed so a concurrent Push cannot panic; consumers stop
// reading it after Stop.
func (c *Channel) stopLocked() {
	if c.done != nil {
		close(c.done)
	}
	c.out = nil
	c.done = nil
}

// Push delivers ev to the running capture.
func (c *Channel) Push(ctx context.Context, ev RecognitionEvent) error {
	c.mu.Lock()
	out, done := c.out, c.done
	c.mu.Unlock()
	if out == nil {
		return ErrNotCapturing
	}
	select {
	case out <- ev:
		return nil
	case <-done:
		return ErrNotCapturing
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WebSocketSource dials a recognition bridge and reads one JSON event per
// text frame.
type WebSocketSource struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWebSocketSource creates a source for the given ws:// or wss:// URL.
func NewWebSocketSource(url string, logger *slog.Logger) (*WebSocketSource, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if url == "" {
		return nil, ErrCaptureUnsupported
	}
	return &WebSocketSource{url: url, logger: logger, dialer: websocket.DefaultDialer}, nil
}

func (w *WebSocketSource) Start(ctx context.Context) (<-chan RecognitionEvent, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to capture bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	_ = w.stopLocked()
	w.conn = conn
	w.cancel = cancel
	w.mu.Unlock()

	out := make(chan RecognitionEvent)
	go w.readLoop(ctx, conn, out)
	w.logger.Info("capture bridge connected", "url", w.url)
	return out, nil
}

func (w *WebSocketSource) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- RecognitionEvent) {
	defer close(out)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.logger.Debug("capture bridge read ended", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			w.logger.Warn("dropping recognition frame", "error", err)
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the bridge connection and releases a reader blocked on a
// pending send.
func (w *WebSocketSource) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopLocked()
}

func (w *WebSocketSource) stopLocked() error {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := w.conn.Close()
	w.conn = nil
	return err
}
