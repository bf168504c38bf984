package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPublishAndRead(t *testing.T) {
	b := New()
	b.Subscribe("w1", "tasks")

	b.Publish("tasks", "lead", PriorityNormal, `{"task":"build"}`)
	b.Publish("tasks", "lead", PriorityHigh, `{"task":"test"}`)

	msgs := b.Read("w1", 10, true)
	require.Len(t, msgs, 2)
	assert.Equal(t, PriorityHigh, msgs[0].Priority)
	assert.Equal(t, PriorityNormal, msgs[1].Priority)
}

func TestUnreadFiltering(t *testing.T) {
	b := New()
	b.Subscribe("w1", "chat")
	b.Publish("chat", "lead", PriorityNormal, "hello")

	first := b.Read("w1", 10, true)
	require.Len(t, first, 1)

	second := b.Read("w1", 10, true)
	assert.Empty(t, second, "already read")

	// A different subscriber still sees the message.
	b.Subscribe("w2", "chat")
	assert.Len(t, b.Read("w2", 10, true), 1)
}

func TestReadRequiresSubscription(t *testing.T) {
	b := New()
	b.Publish("tasks", "lead", PriorityNormal, "x")
	assert.Empty(t, b.Read("nobody", 10, false))
}

func TestReadPublishOrderWithinPriority(t *testing.T) {
	b := New()
	b.Subscribe("w1", "t")
	for i := 0; i < 5; i++ {
		b.Publish("t", "s", PriorityNormal, fmt.Sprintf("m%d", i))
	}
	msgs := b.Read("w1", 10, false)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Payload)
	}
}

func TestReadTopicNoSideEffects(t *testing.T) {
	b := New()
	b.Subscribe("w1", "t")
	b.Publish("t", "s", PriorityNormal, "a")
	b.Publish("t", "s", PriorityNormal, "b")

	msgs := b.ReadTopic("t", 10)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Payload, "newest first")

	// ReadTopic must not mark anything read.
	assert.Len(t, b.Read("w1", 10, true), 2)
}

func TestStats(t *testing.T) {
	b := New()
	b.Publish("a", "s", PriorityLow, "p")
	b.Publish("a", "s", PriorityLow, "p")
	b.Publish("b", "s", PriorityLow, "p")
	b.Subscribe("w1", "a")

	stats := b.Stats()
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 2, stats.TopicCount)
	assert.Equal(t, 1, stats.SubscriberCount)
	require.Len(t, stats.MessagesPerTopic, 2)
	assert.Equal(t, "a", stats.MessagesPerTopic[0].Topic, "sorted by count desc")
}

func TestRingEviction(t *testing.T) {
	b := New()
	for i := 0; i < MaxMessagesPerTopic+100; i++ {
		b.Publish("flood", "s", PriorityLow, fmt.Sprintf("%d", i))
	}
	stats := b.Stats()
	assert.Equal(t, MaxMessagesPerTopic, stats.TotalMessages)

	// The oldest 100 were evicted.
	b.Subscribe("w", "flood")
	msgs := b.Read("w", 1, false)
	require.Len(t, msgs, 1)
	assert.Equal(t, "100", msgs[0].Payload)
}

func TestDrainOld(t *testing.T) {
	b := New()
	clock := time.Now()
	b.now = func() time.Time { return clock }

	b.Publish("t", "s", PriorityLow, "old")
	clock = clock.Add(2 * time.Minute)
	b.Publish("t", "s", PriorityLow, "fresh")

	removed := b.DrainOld(time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, b.DrainOld(time.Minute), "idempotent")

	b.Subscribe("w", "t")
	msgs := b.Read("w", 10, false)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].Payload)
}

func TestPriorityClamped(t *testing.T) {
	b := New()
	b.Subscribe("w", "t")
	b.Publish("t", "s", 99, "hi")
	b.Publish("t", "s", -5, "lo")

	msgs := b.Read("w", 10, false)
	require.Len(t, msgs, 2)
	assert.Equal(t, PriorityCritical, msgs[0].Priority)
	assert.Equal(t, PriorityLow, msgs[1].Priority)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	b.Subscribe("w", "t")
	b.Unsubscribe("w", "t")
	b.Publish("t", "s", PriorityNormal, "x")
	assert.Empty(t, b.Read("w", 10, false))
}

// Property: after any publish sequence a topic never exceeds capacity
// and retains the newest messages.
func TestCapacityInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New()
		n := rapid.IntRange(0, 200).Draw(t, "publishes")
		for i := 0; i < n; i++ {
			b.Publish("p", "s", rapid.IntRange(0, 3).Draw(t, "prio"), fmt.Sprintf("%d", i))
		}
		stats := b.Stats()
		if stats.TotalMessages != n {
			t.Fatalf("total = %d, want %d", stats.TotalMessages, n)
		}
	})
}
