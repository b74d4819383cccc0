package gateway

import (
	"encoding/json"
	"sync"
)

type EventType int

const (
	EventUnknown EventType = iota
	EventReady
	EventResumed
	EventApplicationCommandPermissionsUpdate
	EventChannelCreate
	EventChannelUpdate
	EventChannelDelete
	EventChannelPinsUpdate
	EventThreadCreate
	EventThreadUpdate
	EventThreadDelete
	EventThreadListSync
	EventThreadMemberUpdate
	EventThreadMembersUpdate
	EventGuildCreate
	EventGuildUpdate
	EventGuildDelete
	EventGuildBanAdd
	EventGuildBanRemove
	EventGuildEmojisUpdate
	EventGuildStickersUpdate
	EventGuildIntegrationsUpdate
	EventGuildMemberAdd
	EventGuildMemberRemove
	EventGuildMemberUpdate
	EventGuildMembersChunk
	EventGuildRoleCreate
	EventGuildRoleUpdate
	EventGuildRoleDelete
	EventIntegrationCreate
	EventIntegrationUpdate
	EventIntegrationDelete
	EventInteractionCreate
	EventInviteCreate
	EventInviteDelete
	EventMessageCreate
	EventMessageUpdate
	EventMessageDelete
	EventMessageDeleteBulk
	EventMessageReactionAdd
	EventMessageReactionRemove
	EventMessageReactionRemoveAll
	EventMessageReactionRemoveEmoji
	EventPresenceUpdate
	EventTypingStart
	EventUserUpdate
	EventVoiceStateUpdate
	EventVoiceServerUpdate
	EventWebhooksUpdate

	eventTypeCount
)

var eventNames = [eventTypeCount]string{
	EventUnknown:                             "",
	EventReady:                               "READY",
	EventResumed:                             "RESUMED",
	EventApplicationCommandPermissionsUpdate: "APPLICATION_COMMAND_PERMISSIONS_UPDATE",
	EventChannelCreate:                       "CHANNEL_CREATE",
	EventChannelUpdate:                       "CHANNEL_UPDATE",
	EventChannelDelete:                       "CHANNEL_DELETE",
	EventChannelPinsUpdate:                   "CHANNEL_PINS_UPDATE",
	EventThreadCreate:                        "THREAD_CREATE",
	EventThreadUpdate:                        "THREAD_UPDATE",
	EventThreadDelete:                        "THREAD_DELETE",
	EventThreadListSync:                      "THREAD_LIST_SYNC",
	EventThreadMemberUpdate:                  "THREAD_MEMBER_UPDATE",
	EventThreadMembersUpdate:                 "THREAD_MEMBERS_UPDATE",
	EventGuildCreate:                         "GUILD_CREATE",
	EventGuildUpdate:                         "GUILD_UPDATE",
	EventGuildDelete:                         "GUILD_DELETE",
	EventGuildBanAdd:                         "GUILD_BAN_ADD",
	EventGuildBanRemove:                      "GUILD_BAN_REMOVE",
	EventGuildEmojisUpdate:                   "GUILD_EMOJIS_UPDATE",
	EventGuildStickersUpdate:                 "GUILD_STICKERS_UPDATE",
	EventGuildIntegrationsUpdate:             "GUILD_INTEGRATIONS_UPDATE",
	EventGuildMemberAdd:                      "GUILD_MEMBER_ADD",
	EventGuildMemberRemove:                   "GUILD_MEMBER_REMOVE",
	EventGuildMemberUpdate:                   "GUILD_MEMBER_UPDATE",
	EventGuildMembersChunk:                   "GUILD_MEMBERS_CHUNK",
	EventGuildRoleCreate:                     "GUILD_ROLE_CREATE",
	EventGuildRoleUpdate:                     "GUILD_ROLE_UPDATE",
	EventGuildRoleDelete:                     "GUILD_ROLE_DELETE",
	EventIntegrationCreate:                   "INTEGRATION_CREATE",
	EventIntegrationUpdate:                   "INTEGRATION_UPDATE",
	EventIntegrationDelete:                   "INTEGRATION_DELETE",
	EventInteractionCreate:                   "INTERACTION_CREATE",
	EventInviteCreate:                        "INVITE_CREATE",
	EventInviteDelete:                        "INVITE_DELETE",
	EventMessageCreate:                       "MESSAGE_CREATE",
	EventMessageUpdate:                       "MESSAGE_UPDATE",
	EventMessageDelete:                       "MESSAGE_DELETE",
	EventMessageDeleteBulk:                   "MESSAGE_DELETE_BULK",
	EventMessageReactionAdd:                  "MESSAGE_REACTION_ADD",
	EventMessageReactionRemove:               "MESSAGE_REACTION_REMOVE",
	EventMessageReactionRemoveAll:            "MESSAGE_REACTION_REMOVE_ALL",
	EventMessageReactionRemoveEmoji:          "MESSAGE_REACTION_REMOVE_EMOJI",
	EventPresenceUpdate:                      "PRESENCE_UPDATE",
	EventTypingStart:                         "TYPING_START",
	EventUserUpdate:                          "USER_UPDATE",
	EventVoiceStateUpdate:                    "VOICE_STATE_UPDATE",
	EventVoiceServerUpdate:                   "VOICE_SERVER_UPDATE",
	EventWebhooksUpdate:                      "WEBHOOKS_UPDATE",
}

var eventTypes = func() map[string]EventType {
	types := make(map[string]EventType, len(eventNames))
	for i, name := range eventNames {
		if name != "" {
			types[name] = EventType(i)
		}
	}

	return types
}()

// ParseEventType maps a dispatch name to its type. Names this package does
// not know about map to EventUnknown.
func ParseEventType(name string) EventType {
	if t, ok := eventTypes[name]; ok {
		return t
	}

	return EventUnknown
}

func (t EventType) String() string {
	if t <= EventUnknown || t >= eventTypeCount {
		return "UNKNOWN"
	}

	return eventNames[t]
}

// Events that are delivered even while the manager is still waiting for
// every shard to become ready.
var backlogBypass = map[EventType]bool{
	EventReady:             true,
	EventResumed:           true,
	EventGuildCreate:       true,
	EventGuildDelete:       true,
	EventGuildMembersChunk: true,
	EventGuildMemberAdd:    true,
	EventGuildMemberRemove: true,
}

type Event struct {
	Type     EventType
	Name     string
	Data     json.RawMessage
	ShardId  int
	Sequence int64
	Extra    Extra
}

type Extra struct {
	IsJoin bool
}

func newEvent(shardId int, frame Frame) Event {
	event := Event{
		Type:     ParseEventType(frame.T),
		Name:     frame.T,
		Data:     frame.D,
		ShardId:  shardId,
		Sequence: -1,
	}

	if frame.S != nil {
		event.Sequence = *frame.S
	}

	return event
}

type Handler func(e *Event)

// Router delivers events to the handlers registered for their type, then to
// the handlers registered for every type. Events with no typed handler are
// also passed to the unhandled handler.
type Router struct {
	mu        sync.RWMutex
	handlers  [eventTypeCount][]Handler
	any       []Handler
	unhandled Handler
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) On(t EventType, handler Handler) {
	if t <= EventUnknown || t >= eventTypeCount {
		return
	}

	r.mu.Lock()
	r.handlers[t] = append(r.handlers[t], handler)
	r.mu.Unlock()
}

func (r *Router) OnAny(handler Handler) {
	r.mu.Lock()
	r.any = append(r.any, handler)
	r.mu.Unlock()
}

func (r *Router) OnUnhandled(handler Handler) {
	r.mu.Lock()
	r.unhandled = handler
	r.mu.Unlock()
}

func (r *Router) Route(e Event) {
	r.mu.RLock()
	var handlers []Handler
	if e.Type > EventUnknown && e.Type < eventTypeCount {
		handlers = r.handlers[e.Type]
	}
	anyHandlers := r.any
	unhandled := r.unhandled
	r.mu.RUnlock()

	if len(handlers) == 0 && unhandled != nil {
		unhandled(&e)
	}

	for _, handler := range handlers {
		handler(&e)
	}

	for _, handler := range anyHandlers {
		handler(&e)
	}
}
