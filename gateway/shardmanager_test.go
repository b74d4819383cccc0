package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSpawnsShardsFromGatewayInfo(t *testing.T) {
	g := newFakeGateway(t)

	m, events := newTestShardManager(t, g, Hooks{}, func(options *ShardOptions) {
		options.GatewayURL = "ws://127.0.0.1:1"
		options.ShardCount = ShardCount{}
		options.GatewayInfo = func(context.Context) (*GatewayInfo, error) {
			return &GatewayInfo{URL: g.url(), Shards: 2, MaxConcurrency: 1}, nil
		}
	})

	result := connectAsync(m)

	first := g.accept(t)
	first.hello(t, 45*time.Second)
	assert.Equal(t, [2]int{0, 2}, decodeData[identify](t, first.expect(t, OpIdentify)).Shard)
	first.dispatch(t, "READY", 1, map[string]any{"session_id": "first"})

	// held back until the second shard is ready
	first.dispatch(t, "MESSAGE_CREATE", 2, map[string]any{"id": "10"})
	require.Eventually(t, func() bool {
		return m.dispatcher.backlogged() == 1 && len(events.names()) == 1
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"READY"}, events.names())

	second := g.accept(t)
	second.hello(t, 45*time.Second)
	assert.Equal(t, [2]int{1, 2}, decodeData[identify](t, second.expect(t, OpIdentify)).Shard)
	second.dispatch(t, "READY", 1, map[string]any{"session_id": "second"})

	require.NoError(t, waitConnect(t, result))

	select {
	case <-m.Ready():
	case <-time.After(testTimeout):
		t.Fatal("manager never became ready")
	}

	require.Eventually(t, func() bool {
		return len(events.names()) == 3
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"READY", "READY", "MESSAGE_CREATE"}, events.names())

	assert.Equal(t, StatusReady, m.Status())
	assert.False(t, m.ReadyAt().IsZero())

	shards := m.Shards()
	require.Len(t, shards, 2)
	assert.Equal(t, 0, shards[0].Id)
	assert.Equal(t, "first", shards[0].SessionId)
	assert.Equal(t, 1, shards[1].Id)
	assert.Equal(t, "second", shards[1].SessionId)
}

func TestManagerFallsBackWhenGatewayInfoFails(t *testing.T) {
	g := newFakeGateway(t)

	m, _ := newTestShardManager(t, g, Hooks{}, func(options *ShardOptions) {
		options.GatewayInfo = func(context.Context) (*GatewayInfo, error) {
			return nil, errors.New("unavailable")
		}
	})

	result := connectAsync(m)

	conn := g.accept(t)
	conn.hello(t, 45*time.Second)
	assert.Equal(t, [2]int{0, 1}, decodeData[identify](t, conn.expect(t, OpIdentify)).Shard)
	conn.dispatch(t, "READY", 1, map[string]any{"session_id": "abc"})

	require.NoError(t, waitConnect(t, result))
}

func TestManagerRejectsEmptyShardRange(t *testing.T) {
	g := newFakeGateway(t)

	m, _ := newTestShardManager(t, g, Hooks{}, func(options *ShardOptions) {
		options.ShardCount = ShardCount{Total: 4, Lowest: 3, Highest: 2}
	})

	assert.ErrorIs(t, m.Connect(context.Background()), ErrInvalidShard)
}

func TestManagerBroadcast(t *testing.T) {
	g := newFakeGateway(t)

	m, _ := newTestShardManager(t, g, Hooks{}, func(options *ShardOptions) {
		options.ShardCount = ShardCount{Total: 2}
	})

	result := connectAsync(m)

	var conns []*fakeConn
	for i := 0; i < 2; i++ {
		conn := g.accept(t)
		conn.hello(t, 45*time.Second)
		conn.expect(t, OpIdentify)
		conn.dispatch(t, "READY", 1, map[string]any{"session_id": "abc"})
		conns = append(conns, conn)
	}

	require.NoError(t, waitConnect(t, result))

	frame := testFrame(t, OpRequestGuildMembers, map[string]any{"guild_id": "1", "query": "", "limit": 0})
	require.NoError(t, m.Broadcast(frame))

	for _, conn := range conns {
		received := conn.expect(t, OpRequestGuildMembers)
		assert.JSONEq(t, string(frame.D), string(received.D))
	}
}

func TestManagerConnectAfterDestroy(t *testing.T) {
	g := newFakeGateway(t)
	m, _ := newTestShardManager(t, g, Hooks{})

	m.Destroy()
	assert.ErrorIs(t, m.Connect(context.Background()), ErrManagerDestroyed)
	assert.Zero(t, m.Ping())
	assert.Empty(t, m.Shards())
}

func TestManagerWaitReady(t *testing.T) {
	g := newFakeGateway(t)
	m, _ := newTestShardManager(t, g, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitReady(ctx), context.DeadlineExceeded)

	waiting := make(chan error, 1)
	go func() {
		waiting <- m.WaitReady(context.Background())
	}()

	m.Destroy()

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrManagerDestroyed)
	case <-time.After(testTimeout):
		t.Fatal("WaitReady did not return after Destroy")
	}
}

func TestManagerConnectHonoursContext(t *testing.T) {
	g := newFakeGateway(t)
	m, _ := newTestShardManager(t, g, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- m.Connect(ctx)
	}()

	// never send HELLO
	g.accept(t)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("connect ignored cancellation")
	}
}
