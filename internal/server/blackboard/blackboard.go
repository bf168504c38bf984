// Package blackboard implements the durable message exchange: persisted
// swarm-scoped messages with read tracking and archival, mirrored onto
// the in-memory bus for fast polling.
package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/claudefleet/fleet/internal/metrics"
	"github.com/claudefleet/fleet/internal/server/bus"
	"github.com/claudefleet/fleet/internal/server/events"
	"github.com/claudefleet/fleet/internal/server/id"
	"github.com/claudefleet/fleet/internal/server/store"
)

// ErrNotFound is returned for unknown message ids.
var ErrNotFound = errors.New("blackboard message not found")

// ErrInvalidPriority is returned for unknown priority names.
var ErrInvalidPriority = errors.New("invalid priority")

// ParsePriority maps a priority name to its numeric level. An empty
// name means normal.
func ParsePriority(name string) (int, error) {
	switch name {
	case "", "normal":
		return bus.PriorityNormal, nil
	case "low":
		return bus.PriorityLow, nil
	case "high":
		return bus.PriorityHigh, nil
	case "critical":
		return bus.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, name)
	}
}

// PriorityName maps a numeric priority level back to its name.
func PriorityName(level int) string {
	switch level {
	case bus.PriorityLow:
		return "low"
	case bus.PriorityHigh:
		return "high"
	case bus.PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// TopicKey returns the bus topic a blackboard message is mirrored to.
func TopicKey(swarmID, messageType string) string {
	return "bb:" + swarmID + ":" + messageType
}

// Exchange is the blackboard service.
type Exchange struct {
	store  *store.Store
	bus    *bus.Bus
	events *events.Manager
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Exchange. events may be nil when no fan-out is wanted.
func New(st *store.Store, b *bus.Bus, ev *events.Manager, logger *slog.Logger) *Exchange {
	return &Exchange{
		store:  st,
		bus:    b,
		events: ev,
		logger: logger,
		now:    time.Now,
	}
}

// PostParams describes a message to post.
type PostParams struct {
	SwarmID      string          `json:"swarmId"`
	SenderHandle string          `json:"senderHandle"`
	MessageType  string          `json:"messageType"`
	TargetHandle string          `json:"targetHandle,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Post persists a new message and mirrors it onto the bus. The bus
// publish is best-effort; persistence alone decides success.
func (e *Exchange) Post(ctx context.Context, p PostParams) (*store.BlackboardMessage, error) {
	if p.SwarmID == "" {
		return nil, errors.New("swarmId is required")
	}
	if p.SenderHandle == "" {
		return nil, errors.New("senderHandle is required")
	}
	if p.MessageType == "" {
		return nil, errors.New("messageType is required")
	}
	priority, err := ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}

	payload := string(p.Payload)
	if payload == "" {
		payload = "{}"
	}

	msg := &store.BlackboardMessage{
		ID:           id.Generate(),
		SwarmID:      p.SwarmID,
		SenderHandle: p.SenderHandle,
		MessageType:  p.MessageType,
		TargetHandle: p.TargetHandle,
		Priority:     priority,
		Payload:      payload,
		ReadBy:       "[]",
		CreatedAt:    e.now().UnixMilli(),
	}
	if err := e.store.InsertBlackboardMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	metrics.BlackboardMessagesTotal.Inc()

	e.bus.Publish(TopicKey(p.SwarmID, p.MessageType), p.SenderHandle, priority, payload)

	if e.events != nil {
		e.events.Emit(events.Event{
			Type:   events.TypeBlackboardPost,
			Handle: p.SenderHandle,
			Payload: map[string]string{
				"messageId":   msg.ID,
				"swarmId":     p.SwarmID,
				"messageType": p.MessageType,
			},
		})
	}

	return msg, nil
}

// ReadParams narrows Read. Limit <= 0 defaults to 100. UnreadOnly
// requires ReaderHandle.
type ReadParams struct {
	SwarmID         string
	MessageType     string
	TargetHandle    string
	ReaderHandle    string
	Priority        string
	UnreadOnly      bool
	IncludeArchived bool
	Limit           int
}

// Read returns messages matching the filters, highest priority first,
// newest first within a priority.
func (e *Exchange) Read(ctx context.Context, p ReadParams) ([]*store.BlackboardMessage, error) {
	if p.UnreadOnly && p.ReaderHandle == "" {
		return nil, errors.New("unreadOnly requires readerHandle")
	}
	priorityFilter := -1
	if p.Priority != "" {
		level, err := ParsePriority(p.Priority)
		if err != nil {
			return nil, err
		}
		priorityFilter = level
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	msgs, err := e.store.ListBlackboardMessages(ctx, store.BlackboardFilter{
		SwarmID:         p.SwarmID,
		MessageType:     p.MessageType,
		TargetHandle:    p.TargetHandle,
		IncludeArchived: p.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}

	if priorityFilter >= 0 {
		matched := msgs[:0]
		for _, m := range msgs {
			if m.Priority == priorityFilter {
				matched = append(matched, m)
			}
		}
		msgs = matched
	}

	if p.UnreadOnly {
		unread := msgs[:0]
		for _, m := range msgs {
			if !slices.Contains(decodeReadBy(m.ReadBy), p.ReaderHandle) {
				unread = append(unread, m)
			}
		}
		msgs = unread
	}

	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// Get returns a single message by id.
func (e *Exchange) Get(ctx context.Context, msgID string) (*store.BlackboardMessage, error) {
	msg, err := e.store.GetBlackboardMessage(ctx, msgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return msg, err
}

// MarkRead records that a handle has read a message. Idempotent; the
// set insertion is a single guarded statement so concurrent readers
// cannot drop each other's marks.
func (e *Exchange) MarkRead(ctx context.Context, msgID, handle string) error {
	if _, err := e.Get(ctx, msgID); err != nil {
		return err
	}
	return e.store.MarkBlackboardRead(ctx, msgID, handle)
}

// Archive marks a message archived. Returns false when it was already
// archived. Unknown ids return ErrNotFound.
func (e *Exchange) Archive(ctx context.Context, msgID string) (bool, error) {
	if _, err := e.Get(ctx, msgID); err != nil {
		return false, err
	}
	return e.store.ArchiveBlackboardMessage(ctx, msgID, e.now().UnixMilli())
}

// ArchiveMany archives a batch of messages, skipping unknown ids, and
// returns the number newly archived.
func (e *Exchange) ArchiveMany(ctx context.Context, msgIDs []string) (int, error) {
	at := e.now().UnixMilli()
	archived := 0
	for _, msgID := range msgIDs {
		ok, err := e.store.ArchiveBlackboardMessage(ctx, msgID, at)
		if err != nil {
			return archived, err
		}
		if ok {
			archived++
		}
	}
	return archived, nil
}

// ArchiveOld archives a swarm's live messages older than maxAge and
// returns the number archived.
func (e *Exchange) ArchiveOld(ctx context.Context, swarmID string, maxAge time.Duration) (int, error) {
	now := e.now()
	return e.store.ArchiveOldBlackboardMessages(ctx, swarmID,
		now.Add(-maxAge).UnixMilli(), now.UnixMilli())
}

// DeleteArchived permanently removes a swarm's archived messages.
func (e *Exchange) DeleteArchived(ctx context.Context, swarmID string) (int, error) {
	return e.store.DeleteArchivedMessages(ctx, swarmID)
}

// UnreadCount returns how many live messages visible to the handle it
// has not read.
func (e *Exchange) UnreadCount(ctx context.Context, swarmID, handle string) (int, error) {
	msgs, err := e.store.ListBlackboardMessages(ctx, store.BlackboardFilter{
		SwarmID:      swarmID,
		TargetHandle: handle,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range msgs {
		if !slices.Contains(decodeReadBy(m.ReadBy), handle) {
			count++
		}
	}
	return count, nil
}

// Stats summarizes a swarm's blackboard traffic: live counts per type
// and priority, plus how many live messages nobody has read and how
// many have been archived.
type Stats struct {
	SwarmID       string                      `json:"swarmId"`
	TotalMessages int                         `json:"totalMessages"`
	PerType       []store.BlackboardTypeCount `json:"perType"`
	ByPriority    map[string]int              `json:"byPriority"`
	Unread        int                         `json:"unread"`
	Archived      int                         `json:"archived"`
}

// GetStats returns the swarm's blackboard statistics. Per-type counts
// come back highest first.
func (e *Exchange) GetStats(ctx context.Context, swarmID string) (*Stats, error) {
	counts, err := e.store.BlackboardTypeCounts(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	priorities, err := e.store.BlackboardPriorityCounts(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	unread, err := e.store.CountUnreadBlackboardMessages(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	archived, err := e.store.CountArchivedBlackboardMessages(ctx, swarmID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		SwarmID:    swarmID,
		PerType:    counts,
		ByPriority: make(map[string]int, len(priorities)),
		Unread:     unread,
		Archived:   archived,
	}
	for _, c := range counts {
		stats.TotalMessages += c.Count
	}
	for level, n := range priorities {
		stats.ByPriority[PriorityName(level)] += n
	}
	return stats, nil
}

func decodeReadBy(encoded string) []string {
	var handles []string
	if err := json.Unmarshal([]byte(encoded), &handles); err != nil {
		return nil
	}
	return handles
}
