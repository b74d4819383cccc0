package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherHoldsBacklogUntilReady(t *testing.T) {
	events := &recorder{}
	d := newDispatcher(events.record)
	defer d.close()

	d.push(Event{Type: EventMessageCreate, Name: "MESSAGE_CREATE"})
	d.push(Event{Type: EventGuildCreate, Name: "GUILD_CREATE"})
	d.push(Event{Type: EventTypingStart, Name: "TYPING_START"})

	require.Eventually(t, func() bool {
		return len(events.names()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"GUILD_CREATE"}, events.names())
	assert.Equal(t, 2, d.backlogged())

	d.markReady()
	d.push(Event{Type: EventMessageDelete, Name: "MESSAGE_DELETE"})

	require.Eventually(t, func() bool {
		return len(events.names()) == 4
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"GUILD_CREATE", "MESSAGE_CREATE", "TYPING_START", "MESSAGE_DELETE"}, events.names())
	assert.Zero(t, d.backlogged())
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	var mu sync.Mutex
	var delivered []string

	d := newDispatcher(func(e Event) {
		if e.Name == "READY" {
			panic("handler failed")
		}

		mu.Lock()
		delivered = append(delivered, e.Name)
		mu.Unlock()
	})
	defer d.close()

	d.markReady()
	d.push(Event{Type: EventReady, Name: "READY"})
	d.push(Event{Type: EventMessageCreate, Name: "MESSAGE_CREATE"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1 && delivered[0] == "MESSAGE_CREATE"
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := newDispatcher(func(Event) {})
	d.close()
	d.close()
}
