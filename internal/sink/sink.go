// Package sink streams captured PCM chunks to the remote speech service over
// a WebSocket and hands synthesized response audio back to the playback path.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/auricle-dev/auricle/pkg/audio"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("sink: client is closed")

// Config holds the websocket sink parameters.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the speech service.
	URL string

	// DialTimeoutMs bounds the websocket dial.
	DialTimeoutMs int

	// QueueLen is the outbound chunk queue length.
	QueueLen int
}

// DefaultConfig returns the sink parameters the appliance ships with.
func DefaultConfig() Config {
	return Config{
		DialTimeoutMs: 5000,
		QueueLen:      64,
	}
}

// Client is a live session with the speech service. Outbound capture chunks
// go through [Client.Send]; inbound synthesized audio arrives on
// [Client.Audio].
type Client struct {
	conn  *websocket.Conn
	chunk chan []byte
	resp  chan []byte

	done    chan struct{}
	once    sync.Once
	writeWg sync.WaitGroup
	readWg  sync.WaitGroup
}

// Dial connects to the speech service and starts the session loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: sink url is required", audio.ErrConfigInvalid)
	}
	if cfg.DialTimeoutMs <= 0 {
		cfg.DialTimeoutMs = DefaultConfig().DialTimeoutMs
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultConfig().QueueLen
	}

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DialTimeoutMs)*time.Millisecond)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("sink: dial %q: %w", cfg.URL, err)
	}

	c := &Client{
		conn:  conn,
		chunk: make(chan []byte, cfg.QueueLen),
		resp:  make(chan []byte, cfg.QueueLen),
		done:  make(chan struct{}),
	}
	c.writeWg.Add(1)
	go c.writeLoop(ctx)
	c.readWg.Add(1)
	go c.readLoop(ctx)
	return c, nil
}

// Send queues one capture chunk for delivery. The payload is copied, so the
// caller may reuse its buffer. Fails with [audio.ErrBackpressure] when the
// outbound queue is full rather than stalling the audio pipeline.
func (c *Client) Send(chunk audio.Chunk) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(chunk.Data))
	copy(buf, chunk.Data)
	select {
	case c.chunk <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return fmt.Errorf("sink: outbound queue full: %w", audio.ErrBackpressure)
	}
}

// Audio returns the channel of synthesized PCM arriving from the service.
// The channel closes when the session ends.
func (c *Client) Audio() <-chan []byte { return c.resp }

// Ping probes the connection; used as a readiness check.
func (c *Client) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.Ping(ctx)
}

// Close terminates the session cleanly: queued chunks are flushed, then the
// connection is closed, which also ends the read loop. Response audio still
// buffered on [Client.Audio] is discarded so an abandoned consumer cannot
// pin it.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.writeWg.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
		c.readWg.Wait()
		audio.Drain(c.resp)
	})
	return nil
}

// writeLoop drains the chunk queue into binary websocket messages.
func (c *Client) writeLoop(ctx context.Context) {
	defer c.writeWg.Done()
	for {
		select {
		case chunk := <-c.chunk:
			if err := c.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-c.done:
			// Flush whatever is still queued.
			for {
				select {
				case chunk := <-c.chunk:
					_ = c.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives binary response audio and forwards it to the audio
// channel. Non-binary messages are ignored.
func (c *Client) readLoop(ctx context.Context) {
	defer c.readWg.Done()
	defer close(c.resp)
	for {
		typ, msg, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		select {
		case c.resp <- msg:
		case <-c.done:
			return
		}
	}
}
