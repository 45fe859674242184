// ABOUTME: Persistence types for coven-relay: conversation settings and submission records
// ABOUTME: Defines Conversation, SubmissionFilter, and the sentinel errors returned by the SQLite store

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Conversation holds the persisted settings of one conversation
type Conversation struct {
	ID            string
	Title         string
	WorkingDir    string
	Model         string
	SystemMessage string
	Tools         []string
	MCPServers    []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SubmissionFilter narrows ListSubmissions. Zero fields match everything.
type SubmissionFilter struct {
	ScheduleID string
	Status     string
	Limit      int
}

// defaultListLimit caps list queries that do not set a limit
const defaultListLimit = 100
