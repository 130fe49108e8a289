package spamubot

import (
	_ "embed"
	"fmt"
)

var (
	//go:embed replies/disconnect.md
	replyDisconnect string

	//go:embed replies/theme.md
	replyTheme string
)

// dmRefusedNotice is posted in the original channel when the author
// can't be sent a DM
const dmRefusedNotice = "%s I can't DM you — please enable DMs."

// cannedReply holds the DM body for an intent, and the notice posted
// in-channel after the DM is delivered
type cannedReply struct {
	Body          string
	ChannelNotice string
}

var cannedReplies = map[Intent]cannedReply{
	IntentDisconnect: {
		Body:          replyDisconnect,
		ChannelNotice: "%s I've sent you the tutorial to exit the Disk Mode screen in DMs 📩👌",
	},
	IntentTheme: {
		Body:          replyTheme,
		ChannelNotice: "%s I've sent you the tutorial to create a theme in DMs 🎨📩👌",
	},
}

func (r cannedReply) deliveredNotice(mention string) string {
	return fmt.Sprintf(r.ChannelNotice, mention)
}

func refusedNotice(mention string) string {
	return fmt.Sprintf(dmRefusedNotice, mention)
}
