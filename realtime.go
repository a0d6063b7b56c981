package ecosync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Channel states
// ============================================================================

// ChannelState is the lifecycle state of one realtime channel.
type ChannelState string

const (
	StateConnecting   ChannelState = "CONNECTING"
	StateSubscribed   ChannelState = "SUBSCRIBED"
	StateChannelError ChannelState = "CHANNEL_ERROR"
	StateTimedOut     ChannelState = "TIMED_OUT"
	StateClosed       ChannelState = "CLOSED"
)

// realtimeEnvelope is the wire format on a realtime channel: either a channel
// status transition or a row-change event.
type realtimeEnvelope struct {
	Type   string          `json:"type"` // "status" | "change"
	Status ChannelState    `json:"status,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
}

// EventHandler receives row-change events for one channel.
type EventHandler func(ChangeEvent)

// ============================================================================
// Subscription handle
// ============================================================================

// SubscriptionHandle is one live realtime channel for a (kind, owner) pair.
type SubscriptionHandle struct {
	key     string
	manager *SubscriptionManager
	onEvent EventHandler

	mu       sync.Mutex
	state    ChannelState
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	closed   bool
}

// Key returns the registry key for this handle.
func (h *SubscriptionHandle) Key() string {
	return h.key
}

// State returns the current channel state.
func (h *SubscriptionHandle) State() ChannelState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Unsubscribe tears the channel down. Idempotent: calling it twice, or after
// the backend has already closed the channel, is a no-op.
func (h *SubscriptionHandle) Unsubscribe() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.state = StateClosed
	conn := h.conn
	h.conn = nil
	cancel := h.cancelFn
	h.cancelFn = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	}
	h.manager.remove(h.key, h)
}

func (h *SubscriptionHandle) setState(s ChannelState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// ============================================================================
// Subscription manager
// ============================================================================

// SubscriptionManager holds at most one live channel per (kind, owner) pair
// and routes inbound change events verbatim to the registered handler. It is
// owned by the application context, not a package-level singleton.
type SubscriptionManager struct {
	client *Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*SubscriptionHandle
}

// NewSubscriptionManager creates a manager backed by the given client.
func NewSubscriptionManager(client *Client, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		client: client,
		logger: logger,
		subs:   make(map[string]*SubscriptionHandle),
	}
}

func subscriptionKey(kind, ownerID string) string {
	return kind + ":" + ownerID
}

// Subscribe opens a realtime channel for (kind, ownerID), or returns the
// existing handle when one is already live for that key.
func (m *SubscriptionManager) Subscribe(ctx context.Context, kind, ownerID string, onEvent EventHandler) (*SubscriptionHandle, error) {
	key := subscriptionKey(kind, ownerID)

	m.mu.Lock()
	if existing, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	handle := &SubscriptionHandle{
		key:     key,
		manager: m,
		onEvent: onEvent,
		state:   StateConnecting,
	}
	// Register before dialing so an interleaved Subscribe for the same key
	// reuses this handle instead of racing a second dial.
	m.subs[key] = handle
	m.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, m.client.RealtimeURL(kind, ownerID), nil)
	if err != nil {
		m.remove(key, handle)
		return nil, fmt.Errorf("realtime dial %s: %w", key, err)
	}

	chanCtx, cancel := context.WithCancel(context.Background())
	handle.mu.Lock()
	if handle.closed {
		// Unsubscribed while dialing.
		handle.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "unsubscribed during connect")
		return handle, nil
	}
	handle.conn = conn
	handle.cancelFn = cancel
	handle.mu.Unlock()

	go m.readLoop(chanCtx, handle, conn)

	return handle, nil
}

// Count returns the number of live channels.
func (m *SubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Handle returns the live handle for (kind, ownerID), or nil.
func (m *SubscriptionManager) Handle(kind, ownerID string) *SubscriptionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[subscriptionKey(kind, ownerID)]
}

// Shutdown unsubscribes every live channel. Safe to call more than once.
func (m *SubscriptionManager) Shutdown() {
	m.mu.Lock()
	handles := make([]*SubscriptionHandle, 0, len(m.subs))
	for _, h := range m.subs {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.Unsubscribe()
	}
}

// remove deletes the handle from the registry only if it is still the
// registered one, so teardown cannot race a fresh Subscribe for the same key.
func (m *SubscriptionManager) remove(key string, handle *SubscriptionHandle) {
	m.mu.Lock()
	if m.subs[key] == handle {
		delete(m.subs, key)
	}
	m.mu.Unlock()
}

func (m *SubscriptionManager) readLoop(ctx context.Context, handle *SubscriptionHandle, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			handle.mu.Lock()
			intentional := handle.closed
			handle.closed = true
			handle.state = StateClosed
			handle.conn = nil
			cancel := handle.cancelFn
			handle.cancelFn = nil
			handle.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if !intentional {
				m.logger.Info("realtime channel ended", "key", handle.key, "error", err)
				m.remove(handle.key, handle)
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "status":
			m.handleStatus(handle, conn, env.Status)
			if env.Status == StateClosed {
				return
			}
		case "change":
			var ev ChangeEvent
			if err := json.Unmarshal(env.Event, &ev); err != nil {
				m.logger.Warn("malformed change event", "key", handle.key, "error", err)
				continue
			}
			// Delivered synchronously so per-channel ordering is preserved.
			if handle.onEvent != nil {
				handle.onEvent(ev)
			}
		}
	}
}

func (m *SubscriptionManager) handleStatus(handle *SubscriptionHandle, conn *websocket.Conn, status ChannelState) {
	switch status {
	case StateSubscribed:
		handle.setState(StateSubscribed)
	case StateChannelError, StateTimedOut:
		// The channel may recover or the caller may resubscribe; the handle
		// stays registered either way.
		m.logger.Warn("realtime channel degraded", "key", handle.key, "status", string(status))
		handle.setState(status)
	case StateClosed:
		handle.mu.Lock()
		already := handle.closed
		handle.closed = true
		handle.state = StateClosed
		handle.conn = nil
		cancel := handle.cancelFn
		handle.cancelFn = nil
		handle.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		conn.Close(websocket.StatusNormalClosure, "server closed channel")
		if !already {
			m.remove(handle.key, handle)
		}
	}
}
