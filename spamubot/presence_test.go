package spamubot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestBuildPresence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		count        int
		userStatus   string
		customStatus string
		wantText     string
		wantStatus   discordgo.Status
	}{
		{
			name:       "defaults",
			count:      0,
			wantText:   "Solved Cases: 0\nSpamuBot dev",
			wantStatus: discordgo.StatusOnline,
		},
		{
			name:         "custom status",
			count:        12,
			customStatus: "Helping with nanos",
			wantText:     "Solved Cases: 12\nHelping with nanos",
			wantStatus:   discordgo.StatusOnline,
		},
		{
			name:         "user status",
			count:        3,
			userStatus:   "on break",
			customStatus: "back soon",
			wantText:     "Solved Cases: 3 | on break\nback soon",
			wantStatus:   discordgo.StatusOnline,
		},
		{
			name:       "idle",
			count:      7,
			userStatus: "Idle",
			wantText:   "Solved Cases: 7 | Idle\nSpamuBot dev",
			wantStatus: discordgo.StatusIdle,
		},
		{
			name:       "dnd",
			userStatus: "dnd",
			wantText:   "Solved Cases: 0 | dnd\nSpamuBot dev",
			wantStatus: discordgo.StatusDoNotDisturb,
		},
		{
			name:       "invisible",
			userStatus: " invisible ",
			wantText:   "Solved Cases: 0 | invisible\nSpamuBot dev",
			wantStatus: discordgo.StatusInvisible,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				p := buildPresence(tc.count, tc.userStatus, tc.customStatus, "SpamuBot dev")
				assert.Equal(t, tc.wantText, p.Text)
				assert.Equal(t, tc.wantStatus, p.Status)
			},
		)
	}
}

func TestBuildPresence_NoVersionTag(t *testing.T) {
	t.Parallel()
	p := buildPresence(5, "", "", "")
	assert.Equal(t, "Solved Cases: 5", p.Text)
}

func TestPresence_UpdateStatusData(t *testing.T) {
	t.Parallel()
	p := Presence{Text: "Solved Cases: 1\nhi", Status: discordgo.StatusIdle}
	data := p.UpdateStatusData()

	assert.Equal(t, string(discordgo.StatusIdle), data.Status)
	require.Len(t, data.Activities, 1)
	assert.Equal(t, p.Text, data.Activities[0].Name)
	assert.Equal(t, discordgo.ActivityTypeGame, data.Activities[0].Type)
}

func TestUpdatePresence(t *testing.T) {
	t.Parallel()
	bot, session := newUnstartedBot(t)
	require.NoError(t, bot.store.SetSolvedCount(8))
	require.NoError(t, bot.store.SetCustomStatus("ask me about themes"))

	require.NoError(t, bot.updatePresence(context.Background()))

	text, ok := session.lastPresence()
	require.True(t, ok)
	assert.Equal(t, "Solved Cases: 8\nask me about themes", text)
	assert.Equal(t, bot.Presence().Text, text)
}

func TestVersionTag(t *testing.T) {
	t.Parallel()
	bot, _ := newUnstartedBot(t)
	assert.Equal(t, DefaultDiscordVersionTag+" "+Version, bot.versionTag())

	bot.config.Discord.VersionTag = ""
	assert.Equal(t, Version, bot.versionTag())
}

func TestTriggerPresenceUpdate_Coalesces(t *testing.T) {
	t.Parallel()
	bot, _ := newUnstartedBot(t)

	bot.TriggerPresenceUpdate()
	bot.TriggerPresenceUpdate()
	bot.TriggerPresenceUpdate()

	assert.Len(t, bot.triggerPresenceCh, 1)
}
