package gateway

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/TicketsBot/gatewayclient/cache"
	"github.com/TicketsBot/gatewayclient/internal/jsoncodec"
	"github.com/sirupsen/logrus"
)

// State keeps the raw JSON of the entities the gateway tells us about.
type State struct {
	Guilds      cache.Cache[string, json.RawMessage]
	Channels    cache.Cache[string, json.RawMessage]
	Roles       cache.Cache[string, json.RawMessage]
	Members     cache.Cache[string, json.RawMessage]
	Emojis      cache.Cache[string, json.RawMessage]
	Users       cache.Cache[string, json.RawMessage]
	VoiceStates cache.Cache[string, json.RawMessage]

	selfId atomic.Uint64
}

func NewState(factory cache.Factory[string, json.RawMessage]) *State {
	if factory == nil {
		factory = cache.Unlimited[string, json.RawMessage]()
	}

	return &State{
		Guilds:      factory("guilds"),
		Channels:    factory("channels"),
		Roles:       factory("roles"),
		Members:     factory("members"),
		Emojis:      factory("emojis"),
		Users:       factory("users"),
		VoiceStates: factory("voice_states"),
	}
}

func (s *State) SelfId() uint64 {
	return s.selfId.Load()
}

// Register attaches the cache listeners to the router. They run before any
// handler registered with OnAny.
func (s *State) Register(router *Router) {
	router.On(EventReady, s.readyListener)
	router.On(EventChannelCreate, s.channelListener)
	router.On(EventChannelUpdate, s.channelListener)
	router.On(EventChannelDelete, s.channelDeleteListener)
	router.On(EventThreadCreate, s.channelListener)
	router.On(EventThreadUpdate, s.channelListener)
	router.On(EventThreadDelete, s.channelDeleteListener)
	router.On(EventGuildCreate, s.guildCreateListener)
	router.On(EventGuildUpdate, s.guildUpdateListener)
	router.On(EventGuildDelete, s.guildDeleteListener)
	router.On(EventGuildEmojisUpdate, s.guildEmojisUpdateListener)
	router.On(EventGuildMemberAdd, s.guildMemberListener)
	router.On(EventGuildMemberUpdate, s.guildMemberListener)
	router.On(EventGuildMemberRemove, s.guildMemberRemoveListener)
	router.On(EventGuildMembersChunk, s.guildMembersChunkListener)
	router.On(EventGuildRoleCreate, s.guildRoleListener)
	router.On(EventGuildRoleUpdate, s.guildRoleListener)
	router.On(EventGuildRoleDelete, s.guildRoleDeleteListener)
	router.On(EventUserUpdate, s.userUpdateListener)
	router.On(EventVoiceStateUpdate, s.voiceStateUpdateListener)
}

type snowflake struct {
	Id string `json:"id"`
}

type entityPayload struct {
	Id      string          `json:"id"`
	GuildId string          `json:"guild_id"`
	User    json.RawMessage `json:"user"`
}

func memberKey(guildId, userId string) string {
	return guildId + ":" + userId
}

func (s *State) readyListener(e *Event) {
	var payload struct {
		User json.RawMessage `json:"user"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &payload); err != nil || payload.User == nil {
		return
	}

	var self snowflake
	if err := jsoncodec.Unmarshal(payload.User, &self); err != nil {
		return
	}

	if id, err := strconv.ParseUint(self.Id, 10, 64); err == nil {
		s.selfId.Store(id)
	}

	s.Users.Set(self.Id, payload.User)
}

func (s *State) channelListener(e *Event) {
	var channel entityPayload
	if err := jsoncodec.Unmarshal(e.Data, &channel); err != nil || channel.Id == "" {
		return
	}

	s.Channels.Set(channel.Id, e.Data)
}

func (s *State) channelDeleteListener(e *Event) {
	var channel entityPayload
	if err := jsoncodec.Unmarshal(e.Data, &channel); err != nil {
		return
	}

	s.Channels.Delete(channel.Id)
}

func (s *State) guildCreateListener(e *Event) {
	var guild struct {
		Id          string    `json:"id"`
		JoinedAt    time.Time `json:"joined_at"`
		Unavailable bool      `json:"unavailable"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &guild); err != nil {
		logrus.Warnf("shard %d: error whilst decoding guild create: %s", e.ShardId, err.Error())
		return
	}

	if _, exists := s.Guilds.Get(guild.Id); !exists {
		// don't mass DM everyone on cache purge lol
		// check if bot joined in the last minute
		if guild.JoinedAt.Add(time.Minute).After(time.Now()) {
			e.Extra.IsJoin = true
		}
	}

	if !guild.Unavailable {
		s.Guilds.Set(guild.Id, e.Data)
	}
}

func (s *State) guildUpdateListener(e *Event) {
	var guild snowflake
	if err := jsoncodec.Unmarshal(e.Data, &guild); err != nil || guild.Id == "" {
		return
	}

	s.Guilds.Set(guild.Id, e.Data)
}

func (s *State) guildDeleteListener(e *Event) {
	var guild struct {
		Id          string `json:"id"`
		Unavailable bool   `json:"unavailable"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &guild); err != nil {
		return
	}

	// an outage, not a removal
	if guild.Unavailable {
		return
	}

	s.Guilds.Delete(guild.Id)
}

func (s *State) guildEmojisUpdateListener(e *Event) {
	var payload struct {
		GuildId string            `json:"guild_id"`
		Emojis  []json.RawMessage `json:"emojis"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &payload); err != nil {
		return
	}

	for _, emoji := range payload.Emojis {
		var id snowflake
		if err := jsoncodec.Unmarshal(emoji, &id); err == nil && id.Id != "" {
			s.Emojis.Set(id.Id, emoji)
		}
	}
}

func (s *State) storeMember(guildId string, member json.RawMessage) {
	var payload entityPayload
	if err := jsoncodec.Unmarshal(member, &payload); err != nil || payload.User == nil {
		return
	}

	var user snowflake
	if err := jsoncodec.Unmarshal(payload.User, &user); err != nil || user.Id == "" {
		return
	}

	s.Users.Set(user.Id, payload.User)
	s.Members.Set(memberKey(guildId, user.Id), member)
}

func (s *State) guildMemberListener(e *Event) {
	var member entityPayload
	if err := jsoncodec.Unmarshal(e.Data, &member); err != nil {
		return
	}

	s.storeMember(member.GuildId, e.Data)
}

func (s *State) guildMemberRemoveListener(e *Event) {
	var payload struct {
		GuildId string    `json:"guild_id"`
		User    snowflake `json:"user"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &payload); err != nil {
		return
	}

	s.Members.Delete(memberKey(payload.GuildId, payload.User.Id))
}

func (s *State) guildMembersChunkListener(e *Event) {
	var payload struct {
		GuildId string            `json:"guild_id"`
		Members []json.RawMessage `json:"members"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &payload); err != nil {
		return
	}

	for _, member := range payload.Members {
		s.storeMember(payload.GuildId, member)
	}
}

func (s *State) guildRoleListener(e *Event) {
	var payload struct {
		GuildId string          `json:"guild_id"`
		Role    json.RawMessage `json:"role"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &payload); err != nil || payload.Role == nil {
		return
	}

	var role snowflake
	if err := jsoncodec.Unmarshal(payload.Role, &role); err != nil || role.Id == "" {
		return
	}

	s.Roles.Set(role.Id, payload.Role)
}

func (s *State) guildRoleDeleteListener(e *Event) {
	var payload struct {
		RoleId string `json:"role_id"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &payload); err != nil {
		return
	}

	s.Roles.Delete(payload.RoleId)
}

func (s *State) userUpdateListener(e *Event) {
	var user snowflake
	if err := jsoncodec.Unmarshal(e.Data, &user); err != nil || user.Id == "" {
		return
	}

	s.Users.Set(user.Id, e.Data)
}

func (s *State) voiceStateUpdateListener(e *Event) {
	var payload struct {
		GuildId   string  `json:"guild_id"`
		UserId    string  `json:"user_id"`
		ChannelId *string `json:"channel_id"`
	}

	if err := jsoncodec.Unmarshal(e.Data, &payload); err != nil {
		return
	}

	key := memberKey(payload.GuildId, payload.UserId)
	if payload.ChannelId == nil {
		s.VoiceStates.Delete(key)
		return
	}

	s.VoiceStates.Set(key, e.Data)
}
