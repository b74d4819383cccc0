package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routedState struct {
	router *Router
	last   Event
}

func newTestState() (*State, *routedState) {
	state := NewState(nil)

	r := &routedState{router: NewRouter()}
	state.Register(r.router)
	r.router.OnAny(func(e *Event) {
		r.last = *e
	})

	return state, r
}

// route passes the event through the router and returns it as the last
// handler saw it.
func route(r *routedState, name string, data string) Event {
	r.router.Route(Event{Type: ParseEventType(name), Name: name, Data: json.RawMessage(data)})
	return r.last
}

func TestGuildCreateMarksRecentJoins(t *testing.T) {
	state, router := newTestState()

	joinedAt := time.Now().Add(-10 * time.Second).UTC().Format(time.RFC3339)
	event := route(router, "GUILD_CREATE", `{"id":"1","joined_at":"`+joinedAt+`"}`)
	assert.True(t, event.Extra.IsJoin)

	_, ok := state.Guilds.Get("1")
	assert.True(t, ok)

	// already cached, e.g. after a reconnect
	event = route(router, "GUILD_CREATE", `{"id":"1","joined_at":"`+joinedAt+`"}`)
	assert.False(t, event.Extra.IsJoin)
}

func TestGuildCreateIgnoresOldJoins(t *testing.T) {
	_, router := newTestState()

	joinedAt := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	event := route(router, "GUILD_CREATE", `{"id":"2","joined_at":"`+joinedAt+`"}`)
	assert.False(t, event.Extra.IsJoin)
}

func TestGuildDeleteKeepsUnavailableGuilds(t *testing.T) {
	state, router := newTestState()

	state.Guilds.Set("1", json.RawMessage(`{"id":"1"}`))

	route(router, "GUILD_DELETE", `{"id":"1","unavailable":true}`)
	_, ok := state.Guilds.Get("1")
	assert.True(t, ok)

	route(router, "GUILD_DELETE", `{"id":"1"}`)
	_, ok = state.Guilds.Get("1")
	assert.False(t, ok)
}

func TestReadyStoresSelf(t *testing.T) {
	state, router := newTestState()

	route(router, "READY", `{"session_id":"abc","user":{"id":"508391840525975553","username":"bot"}}`)

	assert.Equal(t, uint64(508391840525975553), state.SelfId())
	_, ok := state.Users.Get("508391840525975553")
	assert.True(t, ok)
}

func TestMemberListeners(t *testing.T) {
	state, router := newTestState()

	route(router, "GUILD_MEMBER_ADD", `{"guild_id":"1","user":{"id":"2"},"nick":"a"}`)
	member, ok := state.Members.Get("1:2")
	require.True(t, ok)
	assert.JSONEq(t, `{"guild_id":"1","user":{"id":"2"},"nick":"a"}`, string(member))

	_, ok = state.Users.Get("2")
	assert.True(t, ok)

	route(router, "GUILD_MEMBERS_CHUNK", `{"guild_id":"1","members":[{"user":{"id":"3"}},{"user":{"id":"4"}}]}`)
	assert.Equal(t, 3, state.Members.Len())

	route(router, "GUILD_MEMBER_REMOVE", `{"guild_id":"1","user":{"id":"2"}}`)
	_, ok = state.Members.Get("1:2")
	assert.False(t, ok)
}

func TestChannelAndRoleListeners(t *testing.T) {
	state, router := newTestState()

	route(router, "CHANNEL_CREATE", `{"id":"5","guild_id":"1","name":"tickets"}`)
	_, ok := state.Channels.Get("5")
	assert.True(t, ok)

	route(router, "CHANNEL_DELETE", `{"id":"5"}`)
	_, ok = state.Channels.Get("5")
	assert.False(t, ok)

	route(router, "GUILD_ROLE_CREATE", `{"guild_id":"1","role":{"id":"6","name":"support"}}`)
	_, ok = state.Roles.Get("6")
	assert.True(t, ok)

	route(router, "GUILD_ROLE_DELETE", `{"guild_id":"1","role_id":"6"}`)
	_, ok = state.Roles.Get("6")
	assert.False(t, ok)
}

func TestVoiceStateListener(t *testing.T) {
	state, router := newTestState()

	route(router, "VOICE_STATE_UPDATE", `{"guild_id":"1","user_id":"2","channel_id":"3"}`)
	_, ok := state.VoiceStates.Get("1:2")
	assert.True(t, ok)

	route(router, "VOICE_STATE_UPDATE", `{"guild_id":"1","user_id":"2","channel_id":null}`)
	_, ok = state.VoiceStates.Get("1:2")
	assert.False(t, ok)
}
