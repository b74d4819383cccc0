package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	assert.Equal(t, EventReady, ParseEventType("READY"))
	assert.Equal(t, EventGuildMembersChunk, ParseEventType("GUILD_MEMBERS_CHUNK"))
	assert.Equal(t, EventWebhooksUpdate, ParseEventType("WEBHOOKS_UPDATE"))
	assert.Equal(t, EventUnknown, ParseEventType("SOMETHING_NEW"))
	assert.Equal(t, EventUnknown, ParseEventType(""))

	assert.Equal(t, "MESSAGE_CREATE", EventMessageCreate.String())
	assert.Equal(t, "UNKNOWN", EventUnknown.String())
	assert.Equal(t, "UNKNOWN", EventType(-1).String())
}

func TestEventNamesAreUnique(t *testing.T) {
	for i := EventUnknown + 1; i < eventTypeCount; i++ {
		require.NotEmpty(t, eventNames[i], "event type %d has no name", i)
		assert.Equal(t, i, ParseEventType(eventNames[i]))
	}
}

func TestNewEvent(t *testing.T) {
	seq := int64(9)
	event := newEvent(2, Frame{Op: OpDispatch, T: "MESSAGE_CREATE", S: &seq, D: []byte(`{}`)})

	assert.Equal(t, EventMessageCreate, event.Type)
	assert.Equal(t, "MESSAGE_CREATE", event.Name)
	assert.Equal(t, 2, event.ShardId)
	assert.Equal(t, int64(9), event.Sequence)

	event = newEvent(0, Frame{Op: OpDispatch, T: "UNDOCUMENTED"})
	assert.Equal(t, EventUnknown, event.Type)
	assert.Equal(t, int64(-1), event.Sequence)
}

func TestRouterOrder(t *testing.T) {
	router := NewRouter()

	var calls []string
	router.On(EventGuildCreate, func(e *Event) {
		calls = append(calls, "typed")
		e.Extra.IsJoin = true
	})
	router.OnAny(func(e *Event) {
		calls = append(calls, "any")
		if e.Type == EventGuildCreate {
			assert.True(t, e.Extra.IsJoin)
		} else {
			assert.False(t, e.Extra.IsJoin)
		}
	})
	router.OnUnhandled(func(e *Event) {
		calls = append(calls, "unhandled:"+e.Name)
	})

	router.Route(Event{Type: EventGuildCreate, Name: "GUILD_CREATE"})
	assert.Equal(t, []string{"typed", "any"}, calls)

	calls = nil
	router.Route(Event{Type: EventTypingStart, Name: "TYPING_START"})
	assert.Equal(t, []string{"unhandled:TYPING_START", "any"}, calls)

	calls = nil
	router.Route(Event{Type: EventUnknown, Name: "SOMETHING_NEW"})
	assert.Equal(t, []string{"unhandled:SOMETHING_NEW", "any"}, calls)
}

func TestRouterIgnoresUnknownRegistration(t *testing.T) {
	router := NewRouter()

	called := false
	router.On(EventUnknown, func(*Event) {
		called = true
	})

	router.Route(Event{Type: EventUnknown})
	assert.False(t, called)
}
