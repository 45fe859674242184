// Package gateway wires the relay's components together and serves them over HTTP.
//
// # Overview
//
// The Gateway owns the SQLite store, the handle pool, the buffer registry,
// the turn runner, the conversation service, the headless submitter, and the
// scheduler. New builds everything from a config.Config; Run serves HTTP and
// drives the background sweepers until its context ends.
//
// # HTTP API
//
// Conversations (api.go):
//
//   - GET /api/conversations - List stored conversation settings
//   - GET|PUT|DELETE /api/conversations/{id} - Read, replace, or drop settings
//   - POST /api/conversations/{id}/messages - Start a turn and stream it (SSE)
//   - GET /api/conversations/{id}/stream - Attach to the current turn (SSE)
//   - GET /api/conversations/{id}/status - Buffer status
//   - POST /api/conversations/{id}/abort - Cancel the running turn
//   - POST /api/conversations/{id}/disconnect - Release the backend handle
//   - GET /api/active, GET /api/active/stream - Running turns and activity feed
//
// Submissions (submissions.go):
//
//   - POST /api/submissions - Queue a headless turn
//   - GET /api/submissions, GET /api/submissions/{id}
//   - POST /api/submissions/{id}/abort
//   - POST /api/schedules/{id}/fire - Run a configured schedule now
//
// GET /health is always public. Everything under /api requires a bearer
// token unless auth.disabled is set; the active endpoints also require the
// admin role.
//
// # SSE Streaming
//
// Every relayed frame carries its cursor as the event id, so a client that
// reconnects with Last-Event-ID (or ?cursor=) resumes without gaps:
//
//	id: 3.1.0.0
//	event: delta
//	data: {"type":"delta","content":"Hello "}
//
// Idle waits are written as ": heartbeat" comments. The stream ends after
// a done or error event.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks; shuts down when ctx is canceled
//
// Shutdown ends open streams first, then cancels submissions and running
// turns, stops every backend handle, and closes the store.
package gateway
