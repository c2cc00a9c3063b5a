package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var intentNames = map[string]discordgo.Intent{
	"guilds":                   discordgo.IntentsGuilds,
	"guild_members":            discordgo.IntentsGuildMembers,
	"guild_emojis":             discordgo.IntentsGuildEmojis,
	"guild_integrations":       discordgo.IntentsGuildIntegrations,
	"guild_webhooks":           discordgo.IntentsGuildWebhooks,
	"guild_invites":            discordgo.IntentsGuildInvites,
	"guild_voice_states":       discordgo.IntentsGuildVoiceStates,
	"guild_presences":          discordgo.IntentsGuildPresences,
	"guild_messages":           discordgo.IntentsGuildMessages,
	"guild_message_reactions":  discordgo.IntentsGuildMessageReactions,
	"guild_message_typing":     discordgo.IntentsGuildMessageTyping,
	"direct_messages":          discordgo.IntentsDirectMessages,
	"direct_message_reactions": discordgo.IntentsDirectMessageReactions,
	"direct_message_typing":    discordgo.IntentsDirectMessageTyping,
	"message_content":          discordgo.IntentsMessageContent,
	"guild_scheduled_events":   discordgo.IntentsGuildScheduledEvents,
	"all_unprivileged":         discordgo.IntentsAllWithoutPrivileged,
}

// ParseIntents folds intent names into a gateway intent bitmask. Names are
// case-insensitive; an empty list yields zero.
func ParseIntents(names []string) (discordgo.Intent, error) {
	var out discordgo.Intent
	var unknown []string
	for _, n := range names {
		v, ok := intentNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out |= v
	}
	if len(unknown) > 0 {
		return 0, fmt.Errorf("unknown intents %q (known: %s)", unknown, strings.Join(knownIntents(), ", "))
	}
	return out, nil
}

func knownIntents() []string {
	names := make([]string, 0, len(intentNames))
	for n := range intentNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var activityTypes = map[string]discordgo.ActivityType{
	"":          discordgo.ActivityTypeGame,
	"game":      discordgo.ActivityTypeGame,
	"playing":   discordgo.ActivityTypeGame,
	"streaming": discordgo.ActivityTypeStreaming,
	"listening": discordgo.ActivityTypeListening,
	"watching":  discordgo.ActivityTypeWatching,
	"custom":    discordgo.ActivityTypeCustom,
	"competing": discordgo.ActivityTypeCompeting,
}

// ParseActivityType maps a config activity name to its gateway value.
// The empty string means "game".
func ParseActivityType(s string) (discordgo.ActivityType, error) {
	t, ok := activityTypes[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown activity type %q", s)
	}
	return t, nil
}

// StatusData converts the entry into a STATUS_UPDATE payload.
func (e PresenceEntry) StatusData() (discordgo.UpdateStatusData, error) {
	data := discordgo.UpdateStatusData{Status: e.Status}
	if e.ActivityName == "" {
		return data, nil
	}
	t, err := ParseActivityType(e.ActivityType)
	if err != nil {
		return discordgo.UpdateStatusData{}, err
	}
	data.Activities = []*discordgo.Activity{{
		Name: e.ActivityName,
		Type: t,
		URL:  e.ActivityURL,
	}}
	return data, nil
}
