package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/recall/pkg/provider"
)

// Client talks to a running worker over its socket. It is safe for
// concurrent use; responses are correlated to callers by request id.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	readErr error
	closed  bool
}

// Dial connects to the worker socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, ProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
	}
	go c.readLoop()
	return c, nil
}

// Embed requests one embedding from the worker. It satisfies
// provider.Embedder so pipelines can use the worker transparently.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("worker client closed")
		}
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(Request{ID: id, Text: text})
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.conn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("worker connection closed")
			}
			return nil, err
		}
		if resp.Error != "" {
			return nil, &provider.ProviderError{Op: "embed", Err: fmt.Errorf("%s", resp.Error)}
		}
		return resp.Embedding, nil
	}
}

func (c *Client) Dimension() int { return provider.Dimension }

// Close tears down the connection; in-flight Embed calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var resp Response
			if json.Unmarshal(line, &resp) == nil && resp.ID != "" {
				c.mu.Lock()
				ch, ok := c.pending[resp.ID]
				c.mu.Unlock()
				if ok {
					ch <- resp
				}
			}
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.closed = true
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[string]chan Response)
			c.mu.Unlock()
			return
		}
	}
}
