package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies a dispatched gateway event by its wire name.
type EventType string

// Session lifecycle events.
const (
	EventReady   EventType = "READY"
	EventResumed EventType = "RESUMED"
)

// Application events. The upstream service sends event names outside this
// catalog; those are dropped before reaching a handler.
const (
	EventApplicationCommandPermissionsUpdate EventType = "APPLICATION_COMMAND_PERMISSIONS_UPDATE"
	EventChannelCreate                       EventType = "CHANNEL_CREATE"
	EventChannelUpdate                       EventType = "CHANNEL_UPDATE"
	EventChannelDelete                       EventType = "CHANNEL_DELETE"
	EventChannelPinsUpdate                   EventType = "CHANNEL_PINS_UPDATE"
	EventThreadCreate                        EventType = "THREAD_CREATE"
	EventThreadUpdate                        EventType = "THREAD_UPDATE"
	EventThreadDelete                        EventType = "THREAD_DELETE"
	EventThreadListSync                      EventType = "THREAD_LIST_SYNC"
	EventThreadMemberUpdate                  EventType = "THREAD_MEMBER_UPDATE"
	EventThreadMembersUpdate                 EventType = "THREAD_MEMBERS_UPDATE"
	EventGuildCreate                         EventType = "GUILD_CREATE"
	EventGuildUpdate                         EventType = "GUILD_UPDATE"
	EventGuildDelete                         EventType = "GUILD_DELETE"
	EventGuildBanAdd                         EventType = "GUILD_BAN_ADD"
	EventGuildBanRemove                      EventType = "GUILD_BAN_REMOVE"
	EventGuildEmojisUpdate                   EventType = "GUILD_EMOJIS_UPDATE"
	EventGuildIntegrationsUpdate             EventType = "GUILD_INTEGRATIONS_UPDATE"
	EventGuildMemberAdd                      EventType = "GUILD_MEMBER_ADD"
	EventGuildMemberRemove                   EventType = "GUILD_MEMBER_REMOVE"
	EventGuildMemberUpdate                   EventType = "GUILD_MEMBER_UPDATE"
	EventGuildMembersChunk                   EventType = "GUILD_MEMBERS_CHUNK"
	EventGuildRoleCreate                     EventType = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate                     EventType = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete                     EventType = "GUILD_ROLE_DELETE"
	EventInteractionCreate                   EventType = "INTERACTION_CREATE"
	EventInviteCreate                        EventType = "INVITE_CREATE"
	EventInviteDelete                        EventType = "INVITE_DELETE"
	EventMessageCreate                       EventType = "MESSAGE_CREATE"
	EventMessageUpdate                       EventType = "MESSAGE_UPDATE"
	EventMessageDelete                       EventType = "MESSAGE_DELETE"
	EventMessageDeleteBulk                   EventType = "MESSAGE_DELETE_BULK"
	EventMessageReactionAdd                  EventType = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove               EventType = "MESSAGE_REACTION_REMOVE"
	EventMessageReactionRemoveAll            EventType = "MESSAGE_REACTION_REMOVE_ALL"
	EventMessageReactionRemoveEmoji          EventType = "MESSAGE_REACTION_REMOVE_EMOJI"
	EventPresenceUpdate                      EventType = "PRESENCE_UPDATE"
	EventTypingStart                         EventType = "TYPING_START"
	EventUserUpdate                          EventType = "USER_UPDATE"
	EventVoiceStateUpdate                    EventType = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate                   EventType = "VOICE_SERVER_UPDATE"
	EventWebhooksUpdate                      EventType = "WEBHOOKS_UPDATE"
)

var eventCatalog = map[EventType]struct{}{}

func init() {
	for _, t := range []EventType{
		EventReady, EventResumed,
		EventApplicationCommandPermissionsUpdate,
		EventChannelCreate, EventChannelUpdate, EventChannelDelete, EventChannelPinsUpdate,
		EventThreadCreate, EventThreadUpdate, EventThreadDelete, EventThreadListSync,
		EventThreadMemberUpdate, EventThreadMembersUpdate,
		EventGuildCreate, EventGuildUpdate, EventGuildDelete,
		EventGuildBanAdd, EventGuildBanRemove, EventGuildEmojisUpdate, EventGuildIntegrationsUpdate,
		EventGuildMemberAdd, EventGuildMemberRemove, EventGuildMemberUpdate, EventGuildMembersChunk,
		EventGuildRoleCreate, EventGuildRoleUpdate, EventGuildRoleDelete,
		EventInteractionCreate, EventInviteCreate, EventInviteDelete,
		EventMessageCreate, EventMessageUpdate, EventMessageDelete, EventMessageDeleteBulk,
		EventMessageReactionAdd, EventMessageReactionRemove, EventMessageReactionRemoveAll,
		EventMessageReactionRemoveEmoji,
		EventPresenceUpdate, EventTypingStart, EventUserUpdate,
		EventVoiceStateUpdate, EventVoiceServerUpdate, EventWebhooksUpdate,
	} {
		eventCatalog[t] = struct{}{}
	}
}

// LookupEvent resolves a wire event name against the known catalog.
func LookupEvent(name string) (EventType, bool) {
	t := EventType(name)
	_, ok := eventCatalog[t]
	return t, ok
}

// Event is a validated dispatch handed to an EventHandler.
type Event struct {
	Type       EventType       `json:"type"`
	Seq        int64           `json:"seq,omitempty"`
	ShardID    int             `json:"shard_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// EventHandler receives dispatched events, one at a time, in arrival order.
type EventHandler func(ctx context.Context, event Event)
