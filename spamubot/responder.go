package spamubot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// handleDiscordMessage answers messages matching a support intent.
//
// Messages from bots, and all messages while the bot is disabled, are
// ignored. On a match, the solved counter is incremented and the presence
// refreshed before the canned reply is sent to the author via DM. A notice
// is posted in the original channel, either confirming the DM or asking
// the author to enable DMs if discord refused it.
//
// Each match is logged as a [SolvedCase].
func (d *SpamuBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}

	if !d.store.Enabled() {
		return
	}

	intent := Classify(m.Content)
	if intent == IntentNone {
		return
	}
	reply, ok := cannedReplies[intent]
	if !ok {
		return
	}

	_, logger := d.getLogger(ctx)
	logger = logger.With(
		slog.Group("message", messageLogAttrs(m.Message)...),
		"intent", intent,
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "matched support intent")

	solved := NewSolvedCase(m.Message, intent)

	count, err := d.store.IncrementSolvedCount()
	if err != nil {
		logger.ErrorContext(ctx, "error incrementing solved count", tint.Err(err))
	}
	solved.Count = count
	_ = d.updatePresence(ctx)

	mention := m.Author.Mention()

	dmErr := d.discord.sendDirectMessage(m.Author.ID, reply.Body)
	switch {
	case dmErr == nil:
		solved.Delivery = DeliveryDM
		if err = d.discord.channelMessageSend(
			m.ChannelID,
			reply.deliveredNotice(mention),
		); err != nil {
			logger.WarnContext(ctx, "error sending channel notice", tint.Err(err))
		}
	case isDMRefused(dmErr):
		solved.Delivery = DeliveryFallback
		solved.Error = dmErr.Error()
		logger.InfoContext(ctx, "DM refused, asking user to enable DMs")
		if err = d.discord.channelMessageSend(
			m.ChannelID,
			refusedNotice(mention),
		); err != nil {
			logger.WarnContext(ctx, "error sending DM refused notice", tint.Err(err))
		}
	default:
		solved.Delivery = DeliveryFailed
		solved.Error = dmErr.Error()
		logger.ErrorContext(ctx, "error sending DM", tint.Err(dmErr))
	}

	d.discord.metricMessagesHandled.Add(1)

	if d.writeDB == nil {
		return
	}
	if _, err = d.writeDB.Create(context.WithoutCancel(ctx), &solved); err != nil {
		logger.ErrorContext(ctx, "error saving solved case", tint.Err(err))
		return
	}
	logger.DebugContext(ctx, "saved solved case", "solved_case", solved)
}
