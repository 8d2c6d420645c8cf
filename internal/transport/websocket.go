package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftq/driftq/internal/backoff"
	"github.com/driftq/driftq/internal/models"
)

// Websocket transport configuration constants.
const (
	// DefaultEventBufferSize defines the buffer size for the event channel.
	DefaultEventBufferSize = 100
	// DefaultEventTimeout bounds non-blocking event delivery.
	DefaultEventTimeout = 1 * time.Second
	// DefaultHandshakeTimeout bounds the websocket dial.
	DefaultHandshakeTimeout = 10 * time.Second

	rateLimitedCode = "rate_limited"
)

// wsFrame is the wire format shared by both directions.
type wsFrame struct {
	Op           string                `json:"op"` // send, reply, ack, error, message
	ClientID     string                `json:"client_id,omitempty"`
	MessageID    string                `json:"message_id,omitempty"`
	TargetID     string                `json:"target_id,omitempty"`
	TargetType   models.TargetType     `json:"target_type,omitempty"`
	ParentID     string                `json:"parent_id,omitempty"`
	Content      string                `json:"content,omitempty"`
	Attachments  []string              `json:"attachments,omitempty"`
	Code         string                `json:"code,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	RetryAfterMS int64                 `json:"retry_after_ms,omitempty"`
	Message      *models.CachedMessage `json:"message,omitempty"`
}

// WebSocketTransport implements Transport over a reconnecting websocket.
// Acks are correlated to in-flight sends by client ID.
type WebSocketTransport struct {
	url     string
	backoff backoff.Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan wsFrame

	writeMu sync.Mutex

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a transport that will dial the given URL.
// The backoff config paces reconnect attempts.
func NewWebSocketTransport(url string, cfg backoff.Config) *WebSocketTransport {
	return &WebSocketTransport{
		url:     url,
		backoff: cfg,
		pending: make(map[string]chan wsFrame),
		events:  make(chan Event, DefaultEventBufferSize),
	}
}

// Start launches the connect/read loop. It returns immediately; the first
// successful dial is reported through an EventConnected.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx)
	return nil
}

// Stop tears down the connection and closes the event stream.
func (t *WebSocketTransport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
	if t.done != nil {
		<-t.done
	}
	close(t.events)
	slog.Info("WebSocketTransport stopped")
	return nil
}

// Connected reports whether the channel is currently established.
func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Events returns the stream of connection and broadcast events.
func (t *WebSocketTransport) Events() <-chan Event {
	return t.events
}

// SendMessage delivers a top-level message.
func (t *WebSocketTransport) SendMessage(ctx context.Context, msg models.QueuedMessage) (SendResult, error) {
	return t.send(ctx, wsFrame{
		Op:          "send",
		ClientID:    msg.ClientID,
		TargetID:    msg.TargetID,
		TargetType:  msg.TargetType,
		Content:     msg.Content,
		Attachments: msg.AttachmentIDs,
	})
}

// SendReply delivers a threaded reply.
func (t *WebSocketTransport) SendReply(ctx context.Context, msg models.QueuedMessage) (SendResult, error) {
	return t.send(ctx, wsFrame{
		Op:       "reply",
		ClientID: msg.ClientID,
		ParentID: msg.ParentID,
		Content:  msg.Content,
	})
}

func (t *WebSocketTransport) send(ctx context.Context, frame wsFrame) (SendResult, error) {
	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return SendResult{}, fmt.Errorf("transport not connected")
	}
	conn := t.conn
	replyCh := make(chan wsFrame, 1)
	t.pending[frame.ClientID] = replyCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, frame.ClientID)
		t.mu.Unlock()
	}()

	t.writeMu.Lock()
	err := conn.WriteJSON(frame)
	t.writeMu.Unlock()
	if err != nil {
		return SendResult{}, fmt.Errorf("websocket write failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	case resp, ok := <-replyCh:
		if !ok {
			return SendResult{}, fmt.Errorf("connection lost before ack")
		}
		if resp.Code == rateLimitedCode {
			return SendResult{}, &RateLimitError{RetryAfter: time.Duration(resp.RetryAfterMS) * time.Millisecond}
		}
		if resp.Op == "error" {
			return SendResult{}, fmt.Errorf("server rejected send: %s", resp.Reason)
		}
		return SendResult{MessageID: resp.MessageID, ClientID: resp.ClientID}, nil
	}
}

func (t *WebSocketTransport) run(ctx context.Context) {
	defer close(t.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			delay := backoff.Delay(attempt, t.backoff)
			slog.Warn("WebSocketTransport.run: dial failed", "error", err, "retryIn", delay)
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		t.mu.Lock()
		t.conn = conn
		t.connected = true
		t.mu.Unlock()
		slog.Info("WebSocketTransport.run: connected", "url", t.url)
		t.emit(Event{Type: EventConnected})

		t.readLoop(conn)

		t.mu.Lock()
		t.connected = false
		t.conn = nil
		// In-flight sends can never be acked on a dead connection.
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
		t.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("WebSocketTransport.run: connection lost, reconnecting")
		t.emit(Event{Type: EventDisconnected})
	}
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			slog.Debug("WebSocketTransport.readLoop: read failed", "error", err)
			conn.Close()
			return
		}

		switch frame.Op {
		case "ack", "error":
			t.mu.Lock()
			ch, ok := t.pending[frame.ClientID]
			t.mu.Unlock()
			if ok {
				ch <- frame
			} else {
				slog.Debug("WebSocketTransport.readLoop: ack for unknown send", "clientID", frame.ClientID)
			}
		case "message":
			if frame.Message != nil {
				t.emit(Event{Type: EventMessage, Message: frame.Message})
			}
		default:
			slog.Debug("WebSocketTransport.readLoop: ignoring op", "op", frame.Op)
		}
	}
}

// emit delivers an event without blocking the read loop indefinitely.
func (t *WebSocketTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-time.After(DefaultEventTimeout):
		slog.Warn("WebSocketTransport.emit: event channel blocked, dropping event", "type", ev.Type)
	}
}
