// Package store persists conversation settings and submission records in SQLite.
//
// SQLiteStore uses the pure-Go modernc.org/sqlite driver in WAL mode. The
// schema is created on open and additive migrations run on every start.
//
// Conversations hold per-conversation settings (working directory, model,
// system message, tools, MCP servers) and the derived title. Submissions
// hold every state change of a headless run, so records outlive the
// submitter's in-memory history. PruneSubmissions drops finished records
// older than a cutoff.
//
// SQLiteStore satisfies conversation.SettingsSource, conversation.TitleSink,
// and submit.Recorder.
package store
