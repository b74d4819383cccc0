package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testTimeout = 5 * time.Second

type fakeGateway struct {
	server *httptest.Server
	conns  chan *fakeConn
}

type fakeConn struct {
	ws        *websocket.Conn
	frames    chan Frame
	closed    chan struct{}
	closeCode websocket.StatusCode
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{
		conns: make(chan *fakeConn, 16),
	}

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		conn := &fakeConn{
			ws:     ws,
			frames: make(chan Frame, 64),
			closed: make(chan struct{}),
		}
		g.conns <- conn

		for {
			var frame Frame
			if err := wsjson.Read(context.Background(), ws, &frame); err != nil {
				conn.closeCode = websocket.CloseStatus(err)
				close(conn.closed)
				return
			}

			conn.frames <- frame
		}
	}))

	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) accept(t *testing.T) *fakeConn {
	t.Helper()

	select {
	case conn := <-g.conns:
		return conn
	case <-time.After(testTimeout):
		t.Fatal("client never connected to the gateway")
		return nil
	}
}

func (c *fakeConn) send(t *testing.T, frame Frame) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c.ws, frame))
}

func (c *fakeConn) hello(t *testing.T, interval time.Duration) {
	t.Helper()
	c.send(t, testFrame(t, OpHello, map[string]any{"heartbeat_interval": interval.Milliseconds()}))
}

func (c *fakeConn) dispatch(t *testing.T, name string, seq int64, data any) {
	t.Helper()

	frame := testFrame(t, OpDispatch, data)
	frame.T = name
	frame.S = &seq
	c.send(t, frame)
}

// expect returns the next frame with the given opcode, skipping heartbeats
// unless a heartbeat is what is expected.
func (c *fakeConn) expect(t *testing.T, op Opcode) Frame {
	t.Helper()

	deadline := time.After(testTimeout)
	for {
		select {
		case frame := <-c.frames:
			if frame.Op == OpHeartbeat && op != OpHeartbeat {
				continue
			}

			require.Equal(t, op, frame.Op, "unexpected frame %s", string(frame.D))
			return frame
		case <-c.closed:
			t.Fatalf("connection closed with %d while waiting for opcode %d", c.closeCode, op)
		case <-deadline:
			t.Fatalf("timed out waiting for opcode %d", op)
		}
	}
}

func (c *fakeConn) waitClosed(t *testing.T) websocket.StatusCode {
	t.Helper()

	select {
	case <-c.closed:
		return c.closeCode
	case <-time.After(testTimeout):
		t.Fatal("connection was never closed")
		return 0
	}
}

func testFrame(t *testing.T, op Opcode, data any) Frame {
	t.Helper()

	frame, err := NewFrame(op, data)
	require.NoError(t, err)
	return frame
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}

	return names
}

type noIdentifyLimit struct{}

func (noIdentifyLimit) IdentifyWait(context.Context, int) error {
	return nil
}

func newTestShardManager(t *testing.T, g *fakeGateway, hooks Hooks, configure ...func(*ShardOptions)) (*ShardManager, *recorder) {
	t.Helper()

	options := DefaultShardOptions()
	options.GatewayURL = g.url()
	options.ShardCount = ShardCount{Total: 1}
	options.SpawnDelay = 10 * time.Millisecond
	options.CloseTimeout = 500 * time.Millisecond
	options.IdentifyLimiter = noIdentifyLimit{}

	for _, f := range configure {
		f(&options)
	}

	events := &recorder{}
	m := NewShardManager("token", options, hooks, events.record)
	t.Cleanup(m.Destroy)

	return m, events
}

func decodeData[T any](t *testing.T, frame Frame) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(frame.D, &v))
	return v
}
