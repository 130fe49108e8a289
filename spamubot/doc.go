// Package spamubot implements a community support Discord bot, and the
// password-protected dashboard used to operate it.
//
// The bot watches incoming messages for two support topics (a device stuck
// on the "OK to disconnect" screen, and custom theme creation). When one
// matches, the author is sent a canned tutorial via DM, a notice is posted
// in the original channel, and a persistent "solved cases" counter is
// incremented and shown in the bot's presence.
//
// Key components:
//
//   - SpamuBot: lifecycle, wiring, restart and shutdown.
//   - Discord: the gateway session and event handlers.
//   - FileStore: the flat-file settings (solved counter, enabled flag, statuses).
//   - API: the HTML dashboard and the JSON control API, served by one gin engine.
//
// Every matched message is also logged as a SolvedCase in a sqlite or
// postgres database, which the dashboard and API list.
//
// Restarts are delegated to the process supervisor: [SpamuBot.Run] returns
// [ErrRestartRequested], and the CLI exits with [Config.RestartExitCode].
package spamubot
