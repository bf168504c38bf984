package logparse

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystemInit(t *testing.T) {
	p := New()
	ev, ok := p.ParseLine(`{"type":"system","subtype":"init","session_id":"abc123"}`)
	require.True(t, ok)
	assert.Equal(t, EventSystem, ev.EventType)
	assert.Equal(t, "init", ev.Subtype)
	assert.Equal(t, "abc123", p.SessionID())
	assert.Equal(t, "ready", p.State())
}

func TestParseAssistantMessage(t *testing.T) {
	p := New()
	ev, ok := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello world"}]}}`)
	require.True(t, ok)
	assert.Equal(t, EventAssistant, ev.EventType)
	assert.Equal(t, "Hello world", ev.Text)
	assert.Equal(t, "working", p.State())
	// Assistant text is also retained as output.
	assert.Equal(t, []string{"Hello world"}, p.RecentOutput(10))
}

func TestParseResult(t *testing.T) {
	p := New()
	_, _ = p.ParseLine(`{"type":"assistant","message":{"content":[]}}`)
	ev, ok := p.ParseLine(`{"type":"result","result":"done","duration_ms":1500}`)
	require.True(t, ok)
	assert.Equal(t, "done", ev.Text)
	assert.EqualValues(t, 1500, ev.DurationMS)
	assert.False(t, ev.IsError)
	assert.Equal(t, "ready", p.State())
}

func TestParseErrorResult(t *testing.T) {
	p := New()
	ev, ok := p.ParseLine(`{"type":"result","subtype":"error","result":"boom"}`)
	require.True(t, ok)
	assert.True(t, ev.IsError)
	assert.Equal(t, 1, p.HealthSignal().ErrorCount)
}

func TestParsePlainText(t *testing.T) {
	p := New()
	_, ok := p.ParseLine("just some text")
	assert.False(t, ok)
	assert.Equal(t, []string{"just some text"}, p.RecentOutput(0))
}

func TestParseBatch(t *testing.T) {
	p := New()
	chunk := `{"type":"system","subtype":"init","session_id":"s1"}
{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}
plain text
`
	events := p.ParseBatch(chunk)
	assert.Len(t, events, 2)
	assert.Equal(t, "s1", p.SessionID())
	assert.Equal(t, 2, p.HealthSignal().TotalEvents)
}

func TestParseBatchEmpty(t *testing.T) {
	p := New()
	_ = p.ParseBatch(`{"type":"system"`)
	assert.Empty(t, p.ParseBatch(""))
	// The partial line must survive an empty batch.
	events := p.ParseBatch(`,"subtype":"init","session_id":"s9"}` + "\n")
	require.Len(t, events, 1)
	assert.Equal(t, "s9", p.SessionID())
}

func TestPartialLineAcrossChunks(t *testing.T) {
	full := `{"type":"system","subtype":"init","session_id":"split"}` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}` + "\n"

	for split := 1; split < len(full)-1; split += 7 {
		p := New()
		events := p.ParseBatch(full[:split])
		events = append(events, p.ParseBatch(full[split:])...)

		whole := New()
		want := whole.ParseBatch(full)

		require.Len(t, events, len(want), "split at %d", split)
		for i := range want {
			assert.Equal(t, want[i].EventType, events[i].EventType, "split at %d", split)
		}
	}
}

func TestFlush(t *testing.T) {
	p := New()
	_ = p.ParseBatch(`{"type":"result","result":"tail"}`)
	events := p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Text)
	assert.Empty(t, p.Flush())
}

func TestHealthSignalIdle(t *testing.T) {
	p := New()
	h := p.HealthSignal()
	assert.Equal(t, "idle", h.State)
	assert.True(t, h.IsHealthy)
	assert.Zero(t, h.ErrorCount)
}

func TestPlainTextDoesNotRefreshEventClock(t *testing.T) {
	p := New()
	clock := time.UnixMilli(1_000_000)
	p.now = func() time.Time { return clock }

	_, ok := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"busy"}]}}`)
	require.True(t, ok)
	assert.True(t, p.HealthSignal().IsHealthy)

	// A worker stuck in "working" that only prints plain text must go
	// stale; those lines are not events.
	clock = clock.Add(staleWorking + 10*time.Second)
	_, ok = p.ParseLine("still printing, no events")
	require.False(t, ok)

	h := p.HealthSignal()
	assert.Equal(t, "working", h.State)
	assert.False(t, h.IsHealthy)
	assert.GreaterOrEqual(t, h.MSSinceLastEvent, staleWorking.Milliseconds())
}

func TestRingEviction(t *testing.T) {
	p := New()
	for i := 0; i < maxOutputLines+100; i++ {
		_, _ = p.ParseLine(fmt.Sprintf("line %d", i))
	}
	out := p.RecentOutput(maxOutputLines + 100)
	assert.Len(t, out, maxOutputLines)
	assert.Equal(t, "line 1099", out[len(out)-1])
}

func TestDrainOutput(t *testing.T) {
	p := New()
	_, _ = p.ParseLine("a")
	_, _ = p.ParseLine("b")
	assert.Equal(t, []string{"a", "b"}, p.DrainOutput())
	assert.Empty(t, p.DrainOutput())
}
