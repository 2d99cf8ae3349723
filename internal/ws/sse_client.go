package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient writes one deployment's log chunks as Server-Sent Events.
// Every log event carries an increasing id so clients can tell chunks apart
// after a reconnect.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     int
	closed  bool
	done    chan struct{}
}

// NewSSEClient wraps an http response for the deployment's event stream.
func NewSSEClient(w io.Writer, flusher http.Flusher, deploymentUUID string, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		w:       w,
		flusher: flusher,
		log:     logger.With("deployment_uuid", deploymentUUID),
		done:    make(chan struct{}),
	}
}

// Send emits a log chunk.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.writeLocked(fmt.Sprintf("id: %d\nevent: log\ndata: %s\n\n", c.seq, payload))
}

// End emits the closing event of the stream, carrying the deployment's final status.
func (c *SSEClient) End(payload []byte) error {
	c.mu.Lock()
	err := c.writeLocked(fmt.Sprintf("event: end\ndata: %s\n\n", payload))
	c.mu.Unlock()
	c.Close()
	return err
}

// Heartbeat writes a comment frame so idle proxies keep the connection open.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(": ping\n\n")
}

func (c *SSEClient) writeLocked(frame string) error {
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.w, frame); err != nil {
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close stops the stream; later writes return io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done is closed once the stream is closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
