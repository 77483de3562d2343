// Package chat owns the Twitch IRC session.
//
// Conn keeps one long-lived connection to the chat server with the tags,
// commands and membership capabilities, joins the configured channel and
// converts inbound traffic into Line, Notice and Clear values delivered on a
// channel in arrival order. The connection walks through four states:
//
//	disconnected -> connecting -> authenticating -> joined -> disconnected
//
// The session counts as joined once the server echoes the bot's own JOIN.
// MODE +o lines add to the moderators known from tags and configuration.
//
// Network failures reconnect after a floor delay. A rejected login is fatal
// and ends Serve with ErrAuthFailed.
//
// Credentials: a static password (TWITCH_OAUTH_TOKEN) wins; otherwise the bot
// user token stored in the oauth_tokens table is used.
package chat
