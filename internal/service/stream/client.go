package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"QuantFlow/internal/domain/models"

	"github.com/gorilla/websocket"
)

// Client reads run events from a Hub served over websocket.
type Client struct {
	url          string
	pingInterval time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewClient creates a client for a ws:// or wss:// events URL.
func NewClient(url string, pingInterval time.Duration) *Client {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Client{url: url, pingInterval: pingInterval}
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Read streams events until ctx ends, the connection drops or, when
// untilTerminal is set, a terminal event arrives. Both channels close on exit.
func (c *Client) Read(ctx context.Context, untilTerminal bool) (<-chan models.RunEvent, <-chan error) {
	events := make(chan models.RunEvent, 64)
	errs := make(chan error, 1)

	done := make(chan struct{})

	// ping loop
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.conn != nil {
					_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				}
				c.mu.Unlock()
			}
		}
	}()

	// unblock ReadMessage when ctx ends
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()

	// read loop
	go func() {
		defer close(errs)
		defer close(events)
		defer close(done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			errs <- fmt.Errorf("stream conn nil")
			return
		}
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					errs <- fmt.Errorf("stream read: %w", err)
				}
				return
			}
			var ev models.RunEvent
			if err := json.Unmarshal(b, &ev); err != nil {
				// ignore non-event frames
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if untilTerminal && ev.Terminal() {
				return
			}
		}
	}()

	return events, errs
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
