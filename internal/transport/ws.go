// Package transport provides the WebSocket event channel and the REST
// client the tracker core consumes. Delivery from the backend is
// at-least-once and may be reordered; the core's deduplication and
// reconciliation layers own correctness on top of that.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("not connected")

// Logger matches the minimal logging surface used across the project.
type Logger interface {
	Printf(format string, args ...any)
}

// Handler receives the raw JSON frame for one named event type.
type Handler func(raw []byte)

type WSClientOptions struct {
	// URL of the backend event socket, e.g. ws://127.0.0.1:8080/v1/events.
	URL   string
	Token string
	// ReadLimit bounds frame size; zero keeps the library default.
	ReadLimit int64
	// Reconnect backoff bounds.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    Logger
}

// WSClient maintains one connection to the backend event socket, dispatches
// inbound frames by their declared type from a single goroutine (so
// handlers observe per-connection arrival order), and reconnects with
// capped exponential backoff. Connect/disconnect observers let the core
// reset its dedup cache and kick reconciliation.
type WSClient struct {
	url       string
	token     string
	readLimit int64
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	handlers     map[string]Handler
	fallback     Handler
	onConnect    []func()
	onDisconnect []func(error)
}

func NewWSClient(opts WSClientOptions) (*WSClient, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 15 * time.Second
	}
	return &WSClient{
		url:       opts.URL,
		token:     opts.Token,
		readLimit: opts.ReadLimit,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		logger:    opts.Logger,
		handlers:  map[string]Handler{},
	}, nil
}

// RegisterHandler routes frames whose type field equals eventType.
// Registration after Run has started is safe.
func (c *WSClient) RegisterHandler(eventType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = handler
}

// RegisterFallback receives frames with no per-type handler.
func (c *WSClient) RegisterFallback(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = handler
}

// OnConnect registers an observer fired after each successful (re)connect,
// before any frame from the new connection is dispatched.
func (c *WSClient) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers an observer fired when a connection drops.
func (c *WSClient) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Send marshals payload and writes it as one text frame.
func (c *WSClient) Send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Run connects and dispatches until ctx is cancelled, reconnecting on
// every failure. It returns ctx.Err() once cancelled.
func (c *WSClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > 30*time.Second {
			// The session held for a while; start backoff over.
			attempt = 0
		}
		attempt++
		delay := c.backoff(attempt)
		c.logf("connection lost (%v); reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs a single connect/dispatch cycle.
func (c *WSClient) runOnce(ctx context.Context) error {
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return err
	}
	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}
	c.mu.Lock()
	c.conn = conn
	connectObservers := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range connectObservers {
		fn()
	}

	readErr := c.readLoop(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	disconnectObservers := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	for _, fn := range disconnectObservers {
		fn(readErr)
	}
	return readErr
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.dispatch(data)
	}
}

func (c *WSClient) dispatch(raw []byte) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil || header.Type == "" {
		c.logf("dropping frame without a type field")
		return
	}
	c.mu.Lock()
	handler := c.handlers[header.Type]
	fallback := c.fallback
	c.mu.Unlock()
	if handler == nil {
		handler = fallback
	}
	if handler == nil {
		c.logf("no handler registered for event type %q", header.Type)
		return
	}
	handler(raw)
}

func (c *WSClient) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (c *WSClient) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
