// Package dedupe claims idempotency keys for a bounded time window, so a
// repeated submission resolves to the submission that first claimed the key.
package dedupe
