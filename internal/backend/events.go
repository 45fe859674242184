// ABOUTME: Closed event union emitted by execution backends during a turn.
// ABOUTME: Decodes loosely-typed JSON event lines with gjson; unknown kinds decode to EventUnknown.

package backend

import (
	"github.com/tidwall/gjson"
)

// EventKind indicates the type of a backend event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventDelta
	EventStep
	EventUsage
	EventNotification
	EventTurnDone     // per-response turn boundary
	EventIdle         // backend finished processing the prompt
	EventSessionError // non-fatal error reported by the backend session
	EventError        // turn failed; Text carries the reason
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventStep:
		return "step"
	case EventUsage:
		return "usage"
	case EventNotification:
		return "notification"
	case EventTurnDone:
		return "turn_done"
	case EventIdle:
		return "idle"
	case EventSessionError:
		return "session_error"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single backend event. Only the field matching Kind is set.
type Event struct {
	Kind         EventKind
	Text         string        // EventDelta, EventSessionError, EventError
	Step         *Step         // EventStep
	Usage        *Usage        // EventUsage
	Notification *Notification // EventNotification
}

// Step is a progress entry shown alongside the streamed content.
type Step struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// Usage is a token usage snapshot. Newer snapshots replace older ones.
type Usage struct {
	TokenLimit     int `json:"tokenLimit"`
	CurrentTokens  int `json:"currentTokens"`
	MessagesLength int `json:"messagesLength"`
}

// Notification is a pass-through event forwarded to consumers untouched.
type Notification struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Delta builds an EventDelta.
func Delta(text string) Event { return Event{Kind: EventDelta, Text: text} }

// StepEvent builds an EventStep.
func StepEvent(title, detail string) Event {
	return Event{Kind: EventStep, Step: &Step{Title: title, Detail: detail}}
}

// UsageEvent builds an EventUsage.
func UsageEvent(u Usage) Event { return Event{Kind: EventUsage, Usage: &u} }

// NotificationEvent builds an EventNotification.
func NotificationEvent(name string, data map[string]any) Event {
	return Event{Kind: EventNotification, Notification: &Notification{Event: name, Data: data}}
}

// TurnDone builds an EventTurnDone.
func TurnDone() Event { return Event{Kind: EventTurnDone} }

// Idle builds an EventIdle.
func Idle() Event { return Event{Kind: EventIdle} }

// Failed builds an EventError.
func Failed(reason string) Event { return Event{Kind: EventError, Text: reason} }

// ParseEvent decodes one JSON event line of the form {"type": "...", "data": {...}}.
// Both short names ("delta", "step") and the dotted names used by agent CLIs
// ("assistant.message_delta", "session.idle") are accepted. Anything it cannot
// map returns an event of kind EventUnknown.
func ParseEvent(line []byte) Event {
	if !gjson.ValidBytes(line) {
		return Event{}
	}
	root := gjson.ParseBytes(line)
	data := root.Get("data")

	switch root.Get("type").String() {
	case "delta", "assistant.message_delta":
		text := firstString(data, "delta_content", "content", "text", "delta")
		if text == "" {
			return Event{}
		}
		return Delta(text)

	case "step":
		title := data.Get("title").String()
		if title == "" {
			return Event{}
		}
		return StepEvent(title, data.Get("detail").String())

	case "assistant.intent":
		intent := data.Get("intent").String()
		if intent == "" {
			return Event{}
		}
		return StepEvent("Intent", intent)

	case "tool.execution_start":
		return StepEvent(toolTitle("Tool", data), data.Get("tool_call_id").String())

	case "tool.execution_complete":
		return StepEvent(toolTitle("Tool done", data), data.Get("tool_call_id").String())

	case "usage", "usage_info", "session.usage_info":
		return UsageEvent(Usage{
			TokenLimit:     int(firstInt(data, "tokenLimit", "token_limit")),
			CurrentTokens:  int(firstInt(data, "currentTokens", "current_tokens")),
			MessagesLength: int(firstInt(data, "messagesLength", "messages_length")),
		})

	case "notification":
		name := data.Get("event").String()
		if name == "" {
			return Event{}
		}
		payload, _ := data.Get("data").Value().(map[string]any)
		return NotificationEvent(name, payload)

	case "pending_messages", "pending_messages.modified":
		return NotificationEvent("pending_messages", nil)

	case "turn_done", "assistant.message":
		return TurnDone()

	case "idle", "session.idle":
		return Idle()

	case "session.error":
		return Event{Kind: EventSessionError, Text: data.Get("message").String()}

	case "error":
		return Failed(firstString(data, "message", "error"))

	default:
		return Event{}
	}
}

func toolTitle(prefix string, data gjson.Result) string {
	if name := firstString(data, "tool_name", "name"); name != "" {
		return prefix + ": " + name
	}
	return prefix
}

func firstString(data gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := data.Get(k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func firstInt(data gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := data.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}
