package spamubot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

// Presence is the bot's visible status line and online state
type Presence struct {
	Text   string           `json:"text"`
	Status discordgo.Status `json:"status"`
}

func (p Presence) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("text", p.Text),
		slog.String("status", string(p.Status)),
	)
}

// UpdateStatusData returns the gateway presence update for p
func (p Presence) UpdateStatusData() discordgo.UpdateStatusData {
	return discordgo.UpdateStatusData{
		Status: string(p.Status),
		Activities: []*discordgo.Activity{
			{
				Name: p.Text,
				Type: discordgo.ActivityTypeGame,
			},
		},
	}
}

// buildPresence composes the two-line presence text:
//
//	Solved Cases: {count} | {userStatus}
//	{customStatus, or versionTag if unset}
//
// The " | {userStatus}" suffix is omitted when userStatus is empty.
func buildPresence(
	count int,
	userStatus string,
	customStatus string,
	versionTag string,
) Presence {
	userStatus = strings.TrimSpace(userStatus)
	customStatus = strings.TrimSpace(customStatus)

	line1 := fmt.Sprintf("Solved Cases: %d", count)
	if userStatus != "" {
		line1 = fmt.Sprintf("%s | %s", line1, userStatus)
	}
	line2 := customStatus
	if line2 == "" {
		line2 = versionTag
	}

	text := line1
	if line2 != "" {
		text = line1 + "\n" + line2
	}
	return Presence{Text: text, Status: presenceStatus(userStatus)}
}

// presenceStatus maps a user status to one of the online states
// discord recognizes, defaulting to online
func presenceStatus(userStatus string) discordgo.Status {
	switch strings.ToLower(strings.TrimSpace(userStatus)) {
	case string(discordgo.StatusIdle):
		return discordgo.StatusIdle
	case string(discordgo.StatusDoNotDisturb):
		return discordgo.StatusDoNotDisturb
	case string(discordgo.StatusInvisible):
		return discordgo.StatusInvisible
	default:
		return discordgo.StatusOnline
	}
}

// versionTag is shown in place of an unset custom status
func (d *SpamuBot) versionTag() string {
	tag := strings.TrimSpace(d.config.Discord.VersionTag)
	if tag == "" {
		return Version
	}
	return fmt.Sprintf("%s %s", tag, Version)
}

// Presence returns the presence as it would currently be pushed
func (d *SpamuBot) Presence() Presence {
	return buildPresence(
		d.store.SolvedCount(),
		d.store.UserStatus(),
		d.store.CustomStatus(),
		d.versionTag(),
	)
}

// updatePresence rebuilds the presence from the store and pushes it
// to discord
func (d *SpamuBot) updatePresence(ctx context.Context) error {
	_, logger := d.getLogger(ctx)
	p := d.Presence()
	if d.discord.session == nil {
		logger.DebugContext(ctx, "no discord session, skipping presence update")
		return nil
	}
	if err := d.discord.updateStatusComplex(p.UpdateStatusData()); err != nil {
		logger.WarnContext(ctx, "error updating presence", "presence", p, tint.Err(err))
		return err
	}
	logger.DebugContext(ctx, "updated presence", "presence", p)
	return nil
}

// TriggerPresenceUpdate requests an asynchronous presence update. Requests
// made while one is already pending are coalesced.
func (d *SpamuBot) TriggerPresenceUpdate() {
	select {
	case d.triggerPresenceCh <- struct{}{}:
	default:
	}
}

// watchPresenceUpdates serves TriggerPresenceUpdate until ctx is done
func (d *SpamuBot) watchPresenceUpdates(ctx context.Context) {
	logger := d.logger.With(loggerNameKey, "presence")
	ctx = WithLogger(ctx, logger)
	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "presence watcher stopped")
			return
		case <-d.triggerPresenceCh:
			_ = d.updatePresence(ctx)
		}
	}
}
