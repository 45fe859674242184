// ABOUTME: Execution backend contract consumed by the turn orchestration core.
// ABOUTME: A backend starts handles bound to a working directory; handles create turns that stream events.

package backend

import (
	"context"
	"errors"
)

// ErrBackendUnavailable indicates a handle could not be started. No buffer is
// ever created for a turn that fails this way.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Backend starts execution handles. Implementations must be safe for
// concurrent use; the pool calls Start from many conversations at once.
type Backend interface {
	Start(ctx context.Context, workingDir string) (Handle, error)
}

// Handle is the live execution context for one conversation.
type Handle interface {
	// CreateTurn prepares a turn. Implementations may reuse an underlying
	// session across turns.
	CreateTurn(ctx context.Context, cfg TurnConfig) (Turn, error)
	// Stop tears the handle down. Called at most once by the pool.
	Stop(ctx context.Context) error
}

// Turn is one request/response exchange on a handle.
type Turn interface {
	// Subscribe registers fn for every event of the turn. The returned func
	// removes the subscription.
	Subscribe(fn func(Event)) (unsubscribe func())
	// Send delivers the prompt. Events arrive asynchronously through the
	// subscription; the turn is over once EventIdle has been delivered.
	Send(ctx context.Context, prompt string, attachments []Attachment) error
}

// TurnConfig carries per-turn settings supplied by the persistence collaborator.
type TurnConfig struct {
	ConversationID string
	Model          string
	SystemMessage  string
	Tools          []string
	MCPServers     []string
	// NewSession skips any attempt to resume backend-side session state.
	NewSession bool
}

// Attachment represents a file attached to a prompt.
type Attachment struct {
	Type        string
	Path        string
	DisplayName string
}
