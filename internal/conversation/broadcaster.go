// ABOUTME: In-memory fan-out of turn lifecycle events for activity dashboards
// ABOUTME: Subscribers watch one conversation or every conversation via AllConversations

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllConversations subscribes to events from every conversation.
	AllConversations = "*"
)

// ActivityType names a turn lifecycle transition.
type ActivityType string

const (
	ActivityTurnStarted  ActivityType = "turn_started"
	ActivityTurnFinished ActivityType = "turn_finished"
	ActivityDisconnected ActivityType = "disconnected"
)

// ActivityEvent announces a turn lifecycle transition.
type ActivityEvent struct {
	Type           ActivityType `json:"type"`
	ConversationID string       `json:"conversation_id"`
	Status         string       `json:"status,omitempty"`
	Error          string       `json:"error,omitempty"`
	Title          string       `json:"title,omitempty"`
	Preview        string       `json:"preview,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// ActivityBroadcaster provides in-memory pub/sub for ActivityEvents.
// Subscribers register for a conversation ID or AllConversations.
type ActivityBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan ActivityEvent // key -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewActivityBroadcaster creates a broadcaster. Pass nil logger for default.
func NewActivityBroadcaster(logger *slog.Logger) *ActivityBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityBroadcaster{
		subscribers: make(map[string]map[string]chan ActivityEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for key. The subscription is removed and
// its channel closed when ctx is cancelled.
func (b *ActivityBroadcaster) Subscribe(ctx context.Context, key string) (<-chan ActivityEvent, string) {
	subID := uuid.New().String()
	ch := make(chan ActivityEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan ActivityEvent)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish delivers ev to subscribers of its conversation and of AllConversations.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *ActivityBroadcaster) Publish(ev ActivityEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	var targets []chan ActivityEvent
	for _, key := range []string{ev.ConversationID, AllConversations} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", ev.ConversationID,
				"type", ev.Type)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *ActivityBroadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *ActivityBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *ActivityBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
