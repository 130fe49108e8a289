package spamubot

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		content string
		want    Intent
	}{
		{"stuck ok to disconnect", IntentDisconnect},
		{"STUCK OK TO DISCONNECT", IntentDisconnect},
		{"Stuck At Ok To Disconnect", IntentDisconnect},
		{`my nano says "okay to disconnect" and won't turn off`, IntentDisconnect},
		{"it's showing 'OK to disconnect'", IntentDisconnect},
		{"ok   to\tdisconnect", IntentDisconnect},
		{"create a theme", IntentTheme},
		{"Hey, how do I make a custom theme for my nano", IntentTheme},
		{"how can i replace the wallpaper", IntentTheme},
		{"is it possible to REPLACE assets?", IntentTheme},
		{"where do I get cfw so I can make one", IntentTheme},
		{"new icon, how do I replace it", IntentTheme},
		{"REPLACE THE THEME", IntentTheme},
		{"themes: where do I make them", IntentTheme},
		{"create ok to disconnect theme", IntentDisconnect},
		{"hello", IntentNone},
		{"", IntentNone},
		{"ok, disconnect", IntentNone},
		{"I love this theme", IntentNone},
		{"make me a sandwich", IntentNone},
		{"how do i make a wallpaper", IntentNone},
		{"can i create an icon", IntentNone},
		{"replace my cfw", IntentNone},
		{"assets, can i make them", IntentNone},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.content, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.want, Classify(tc.content))
			},
		)
	}
}

func TestIntent_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "none", IntentNone.String())
	assert.Equal(t, "disconnect", IntentDisconnect.String())
	assert.Equal(t, "theme", IntentTheme.String())
}

func TestCannedReplies(t *testing.T) {
	t.Parallel()
	for _, intent := range []Intent{IntentDisconnect, IntentTheme} {
		reply, ok := cannedReplies[intent]
		if assert.True(t, ok, intent.String()) {
			assert.NotEmpty(t, reply.Body)
			assert.Contains(t, reply.deliveredNotice("<@1>"), "<@1> I've sent you the tutorial")
		}
	}
	assert.Contains(t, replyTheme, "How to Create a Theme")
	assert.Equal(t, "<@1> I can't DM you — please enable DMs.", refusedNotice("<@1>"))
}
