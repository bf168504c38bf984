// Package bus implements an in-memory topic pub/sub with bounded
// per-topic ring buffers and per-subscriber read tracking. It is the
// fast fan-out path; durability belongs to the blackboard.
package bus

import (
	"sort"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/metrics"
	"github.com/claudefleet/fleet/internal/server/id"
	"github.com/claudefleet/fleet/internal/util/ringbuf"
)

// MaxMessagesPerTopic bounds each topic's ring; overflow evicts the oldest.
const MaxMessagesPerTopic = 10_000

// Priority levels. Higher sorts first on read.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// Message is a single bus entry.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Sender    string          `json:"sender"`
	Priority  int             `json:"priority"`
	Payload   string          `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	readBy    map[string]bool // handles that have read this message
}

// ReadBy reports whether the given handle has read the message.
func (m *Message) ReadBy(handle string) bool {
	return m.readBy[handle]
}

// TopicCount pairs a topic with its buffered message count.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Stats is a bus-wide statistics snapshot.
type Stats struct {
	TotalMessages    int          `json:"totalMessages"`
	TopicCount       int          `json:"topicCount"`
	SubscriberCount  int          `json:"subscriberCount"`
	MessagesPerTopic []TopicCount `json:"messagesPerTopic"`
}

// topic holds one channel's ring plus its own lock so publishes to
// different topics do not contend.
type topic struct {
	mu   sync.Mutex
	ring *ringbuf.Ring[*Message]
}

// Bus is the in-memory pub/sub instance. One per process; inject it,
// do not use package-level state.
type Bus struct {
	mu          sync.RWMutex
	topics      map[string]*topic
	subscribers map[string]map[string]bool // handle -> set of topics
	now         func() time.Time
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		topics:      make(map[string]*topic),
		subscribers: make(map[string]map[string]bool),
		now:         time.Now,
	}
}

// Publish appends a message to a topic, evicting the oldest entry when
// the topic is at capacity. Returns the assigned message id.
func (b *Bus) Publish(topicKey, sender string, priority int, payload string) string {
	if priority < PriorityLow {
		priority = PriorityLow
	}
	if priority > PriorityCritical {
		priority = PriorityCritical
	}

	msg := &Message{
		ID:        id.Generate(),
		Topic:     topicKey,
		Sender:    sender,
		Priority:  priority,
		Payload:   payload,
		Timestamp: b.now(),
		readBy:    make(map[string]bool),
	}

	t := b.getOrCreateTopic(topicKey)
	t.mu.Lock()
	t.ring.Push(msg)
	t.mu.Unlock()

	metrics.BusMessagesTotal.Inc()
	return msg.ID
}

// Subscribe adds a topic to the handle's subscription set.
func (b *Bus) Subscribe(handle, topicKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[handle] == nil {
		b.subscribers[handle] = make(map[string]bool)
	}
	b.subscribers[handle][topicKey] = true
}

// Unsubscribe removes a topic from the handle's subscription set.
func (b *Bus) Unsubscribe(handle, topicKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topics, ok := b.subscribers[handle]; ok {
		delete(topics, topicKey)
		if len(topics) == 0 {
			delete(b.subscribers, handle)
		}
	}
}

// Read collects messages from the handle's subscribed topics, sorted by
// priority descending then timestamp ascending, and marks the returned
// messages as read for the handle. limit <= 0 defaults to 50.
func (b *Bus) Read(handle string, limit int, unreadOnly bool) []Message {
	if limit <= 0 {
		limit = 50
	}

	b.mu.RLock()
	topicKeys := make([]string, 0, len(b.subscribers[handle]))
	for k := range b.subscribers[handle] {
		topicKeys = append(topicKeys, k)
	}
	b.mu.RUnlock()
	sort.Strings(topicKeys)

	var selected []*Message
	for _, key := range topicKeys {
		t := b.getTopic(key)
		if t == nil {
			continue
		}
		t.mu.Lock()
		for _, msg := range t.ring.Items() {
			if unreadOnly && msg.readBy[handle] {
				continue
			}
			selected = append(selected, msg)
		}
		t.mu.Unlock()
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority > selected[j].Priority
		}
		return selected[i].Timestamp.Before(selected[j].Timestamp)
	})

	if len(selected) > limit {
		selected = selected[:limit]
	}

	// Mark returned messages as read and snapshot them for the caller.
	out := make([]Message, len(selected))
	for i, msg := range selected {
		t := b.getTopic(msg.Topic)
		if t != nil {
			t.mu.Lock()
			msg.readBy[handle] = true
			t.mu.Unlock()
		}
		out[i] = *msg
	}
	return out
}

// ReadTopic returns up to limit of the newest messages in a topic,
// newest first, without marking anything read. Diagnostic only.
func (b *Bus) ReadTopic(topicKey string, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}

	t := b.getTopic(topicKey)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tail := t.ring.Tail(limit)
	out := make([]Message, len(tail))
	for i := range tail {
		out[i] = *tail[len(tail)-1-i] // newest first
	}
	return out
}

// Stats returns a snapshot of bus-wide counters. Per-topic counts are
// sorted by count descending.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	keys := make([]string, 0, len(b.topics))
	for k := range b.topics {
		keys = append(keys, k)
	}
	subscriberCount := len(b.subscribers)
	b.mu.RUnlock()

	stats := Stats{SubscriberCount: subscriberCount}
	for _, k := range keys {
		t := b.getTopic(k)
		if t == nil {
			continue
		}
		t.mu.Lock()
		n := t.ring.Len()
		t.mu.Unlock()
		stats.TotalMessages += n
		stats.MessagesPerTopic = append(stats.MessagesPerTopic, TopicCount{Topic: k, Count: n})
	}
	stats.TopicCount = len(stats.MessagesPerTopic)

	sort.Slice(stats.MessagesPerTopic, func(i, j int) bool {
		if stats.MessagesPerTopic[i].Count != stats.MessagesPerTopic[j].Count {
			return stats.MessagesPerTopic[i].Count > stats.MessagesPerTopic[j].Count
		}
		return stats.MessagesPerTopic[i].Topic < stats.MessagesPerTopic[j].Topic
	})

	return stats
}

// DrainOld evicts messages older than maxAge across all topics and
// returns the number removed.
func (b *Bus) DrainOld(maxAge time.Duration) int {
	cutoff := b.now().Add(-maxAge)

	b.mu.RLock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	removed := 0
	for _, t := range topics {
		t.mu.Lock()
		dropped := 0
		kept := make([]*Message, 0, t.ring.Len())
		for _, msg := range t.ring.Items() {
			if msg.Timestamp.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, msg)
		}
		if dropped > 0 {
			t.ring.Clear()
			for _, msg := range kept {
				t.ring.Push(msg)
			}
			removed += dropped
		}
		t.mu.Unlock()
	}
	return removed
}

func (b *Bus) getTopic(key string) *topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topics[key]
}

func (b *Bus) getOrCreateTopic(key string) *topic {
	b.mu.RLock()
	t := b.topics[key]
	b.mu.RUnlock()
	if t != nil {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[key]; t == nil {
		t = &topic{ring: ringbuf.New[*Message](MaxMessagesPerTopic)}
		b.topics[key] = t
	}
	return t
}
