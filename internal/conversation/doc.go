// Package conversation runs interactive turns for named conversations.
//
// # Overview
//
// The Service sits between the HTTP handlers and the lower layers. For each
// message it resolves the conversation's settings, obtains a handle from the
// pool, creates a fresh buffer in the registry, and starts the turn on the
// runner. Clients read the turn back through a relay.Relay from any cursor.
//
//	buf, err := svc.SendMessage(ctx, "conv-1", "hello", nil)
//	rel, err := svc.Attach(ctx, "conv-1", relay.Cursor{})
//
// A new message replaces any turn still running for the conversation.
//
// # Settings and Titles
//
// SettingsSource supplies working directory, model, system message, and tool
// lists per conversation. When no title is stored, the first line of the
// prompt becomes the title; it is written to the buffer and to the TitleSink
// before the turn completes.
//
// # Disconnect
//
// Disconnect releases the conversation's backend handle. If a turn is still
// running the release is deferred until it ends.
//
// # Activity
//
// ActivityBroadcaster fans turn_started, turn_finished, and disconnected
// events out to subscribers of one conversation or of AllConversations.
// Slow subscribers drop events rather than block publishers.
package conversation
