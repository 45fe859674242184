// ABOUTME: Tests for ActivityBroadcaster fan-out pub/sub
// ABOUTME: Covers subscribe, wildcard delivery, unsubscribe, context cancellation, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func started(convID string) ActivityEvent {
	return ActivityEvent{Type: ActivityTurnStarted, ConversationID: convID}
}

func receive(t *testing.T, ch <-chan ActivityEvent) ActivityEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ActivityEvent{}
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewActivityBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")
	b.Publish(started("conv-1"))

	ev := receive(t, ch)
	assert.Equal(t, ActivityTurnStarted, ev.Type)
	assert.Equal(t, "conv-1", ev.ConversationID)
	assert.False(t, ev.Timestamp.IsZero(), "timestamp is filled in")
}

func TestBroadcaster_WildcardReceivesEveryConversation(t *testing.T) {
	b := NewActivityBroadcaster(nil)
	defer b.Close()

	all, _ := b.Subscribe(t.Context(), AllConversations)
	b.Publish(started("conv-1"))
	b.Publish(started("conv-2"))

	assert.Equal(t, "conv-1", receive(t, all).ConversationID)
	assert.Equal(t, "conv-2", receive(t, all).ConversationID)
}

func TestBroadcaster_DifferentConversationsAreIsolated(t *testing.T) {
	b := NewActivityBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Publish(started("conv-1"))
	receive(t, ch1)

	select {
	case <-ch2:
		t.Fatal("subscriber for conv-2 should not receive events for conv-1")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewActivityBroadcaster(nil)
	defer b.Close()

	// Never read from the first subscription.
	_, _ = b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-1")

	done := make(chan struct{})
	go func() {
		for range 200 {
			b.Publish(started("conv-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	receive(t, ch2)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewActivityBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "conv-1")
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, time.Millisecond)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewActivityBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "conv-1")
	b.Unsubscribe("conv-1", subID)
	b.Unsubscribe("conv-1", subID)

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(started("conv-1"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewActivityBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), AllConversations)
	b.Close()

	for i, ch := range []<-chan ActivityEvent{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed after Close()", i)
	}

	late, _ := b.Subscribe(t.Context(), "conv-1")
	_, ok := <-late
	assert.False(t, ok, "subscriptions after Close are closed immediately")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewActivityBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, AllConversations)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(started("conv-concurrent"))
			}
		})
	}
	wg.Wait()
}
