package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quillstream/quillstream/pkg/auth"
)

// WSFrame represents a control frame received from the server.
type WSFrame struct {
	Status   string                 `json:"status"`
	Raw      json.RawMessage        // Original JSON
	Parsed   map[string]interface{} // Parsed for assertions
	Received time.Time              // When we received it
}

// WSClient connects to the ingest WebSocket endpoint, sends events, and
// collects the server's control frames.
type WSClient struct {
	conn    *websocket.Conn
	frames  []WSFrame
	readErr error
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// WSConnect establishes a WebSocket connection to the test server and starts
// collecting control frames in a background goroutine.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	// Start background reader.
	go c.readLoop()

	return c, nil
}

// Send writes one event as a text frame.
func (c *WSClient) Send(event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Identify sends the test driver's authentication preamble.
func (c *WSClient) Identify(userID string) error {
	events := []map[string]any{
		{"event": auth.VerbFakeIdentity, "source": "org.mitros.writing_analytics", "user_id": userID},
		{"event": auth.VerbMetadataFinished, "source": "org.mitros.writing_analytics"},
	}
	for _, ev := range events {
		if err := c.Send(ev); err != nil {
			return err
		}
	}
	return nil
}

// WaitForFrame waits until a frame matching the predicate is received, or timeout.
func (c *WSClient) WaitForFrame(predicate func(WSFrame) bool, timeout time.Duration) (*WSFrame, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d frames)", len(c.Frames()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.frames {
				if predicate(c.frames[i]) {
					frame := c.frames[i]
					c.mu.Unlock()
					return &frame, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForStatus waits for a control frame with the given status.
func (c *WSClient) WaitForStatus(status string, timeout time.Duration) (*WSFrame, error) {
	return c.WaitForFrame(func(f WSFrame) bool {
		return f.Status == status
	}, timeout)
}

// WaitForClose waits until the server closes the connection and returns the
// close status, or -1 if the read loop ended without a close frame.
func (c *WSClient) WaitForClose(timeout time.Duration) (websocket.StatusCode, error) {
	select {
	case <-c.doneCh:
	case <-time.After(timeout):
		return -1, fmt.Errorf("timeout waiting for connection close")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.CloseStatus(c.readErr), nil
}

// Frames returns a snapshot of all collected control frames.
func (c *WSClient) Frames() []WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSFrame, len(c.frames))
	copy(result, c.frames)
	return result
}

// FramesByStatus returns frames filtered by status.
func (c *WSClient) FramesByStatus(status string) []WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSFrame
	for _, f := range c.frames {
		if f.Status == status {
			result = append(result, f)
		}
	}
	return result
}

// CloseNormal performs a client-initiated clean close. The server seals the
// session on its side once the close completes.
func (c *WSClient) CloseNormal() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "done")
	<-c.doneCh
	c.cancel()
	return err
}

// Close tears the connection down and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads control frames from the WebSocket until the connection
// closes, recording the final read error for close-status assertions.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return // Connection closed or context cancelled.
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue // Skip malformed messages.
		}

		frame := WSFrame{
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		}
		if s, ok := parsed["status"].(string); ok {
			frame.Status = s
		}

		c.mu.Lock()
		c.frames = append(c.frames, frame)
		c.mu.Unlock()
	}
}
