package sink_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/auricle-dev/auricle/internal/sink"
	"github.com/auricle-dev/auricle/pkg/audio"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startSpeechServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startSpeechServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) sink.Config {
	cfg := sink.DefaultConfig()
	cfg.URL = wsURL(srv)
	return cfg
}

func TestDial_InvalidURL(t *testing.T) {
	t.Parallel()

	cfg := sink.DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1/nothing-listens-here"
	cfg.DialTimeoutMs = 200
	if _, err := sink.Dial(context.Background(), cfg); err == nil {
		t.Fatal("expected dial error, got nil")
	}
}

func TestDial_EmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := sink.Dial(context.Background(), sink.DefaultConfig()); err == nil {
		t.Fatal("expected config error, got nil")
	}
}

func TestSend_DeliversBinaryChunks(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 4)
	srv := startSpeechServer(t, func(conn *websocket.Conn) {
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received <- data
			}
		}
	})

	c, err := sink.Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	want := []byte{1, 2, 3, 4, 5, 6}
	if err := c.Send(audio.Chunk{Data: want, SampleRate: 16000}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, want) {
			t.Errorf("server received %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the chunk")
	}
}

func TestAudio_DeliversResponseAudio(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		// Text frames are protocol noise the client must skip.
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"status"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{9, 9, 9, 9})
		// Hold the conn open until the client closes it.
		_, _, _ = conn.Read(ctx)
	})

	c, err := sink.Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case pcm := <-c.Audio():
		if !bytes.Equal(pcm, []byte{9, 9, 9, 9}) {
			t.Errorf("response audio = %v, want [9 9 9 9]", pcm)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response audio delivered")
	}
}

func TestClose_DiscardsUndeliveredAudio(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if conn.Write(ctx, websocket.MessageBinary, []byte{1, 2}) != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	})

	c, err := sink.Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatal(err)
	}

	// Take one response, then close with the rest still buffered.
	select {
	case <-c.Audio():
	case <-time.After(5 * time.Second):
		t.Fatal("no response audio delivered")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// Close drains the channel before returning, so a late consumer sees it
	// closed and empty.
	left := 0
	for range c.Audio() {
		left++
	}
	if left != 0 {
		t.Errorf("audio channel still held %d buffered responses after Close", left)
	}
}

func TestSend_AfterCloseFails(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.Read(context.Background())
	})

	c, err := sink.Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if err := c.Send(audio.Chunk{Data: []byte{1, 2}}); err != sink.ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestPing_OpenAndClosed(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, func(conn *websocket.Conn) {
		// Reading keeps the connection responsive to pings.
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	c, err := sink.Dial(context.Background(), testConfig(srv))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Errorf("ping on open session: %v", err)
	}

	c.Close()
	if err := c.Ping(ctx); err != sink.ErrClosed {
		t.Errorf("ping on closed session: got %v, want ErrClosed", err)
	}
}
