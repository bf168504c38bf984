// Package logparse decodes the NDJSON event stream produced by a worker
// process. Each stdout line is either a JSON event object or plain text;
// plain text is retained in a bounded ring buffer for inspection while
// JSON lines become typed Events.
package logparse

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/util/ringbuf"
)

const (
	// maxOutputLines bounds the plain-text ring buffer.
	maxOutputLines = 1000
	// maxEvents bounds the parsed-event ring buffer.
	maxEvents = 500

	// staleWorking is how long a worker may stay in "working" without
	// emitting an event before the health signal reports unhealthy.
	staleWorking = 60 * time.Second
)

// Event types recognized on the wire.
const (
	EventSystem     = "system"
	EventAssistant  = "assistant"
	EventUser       = "user"
	EventResult     = "result"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventError      = "error"
)

// Event is a parsed NDJSON event.
type Event struct {
	EventType  string    `json:"eventType"`
	Subtype    string    `json:"subtype,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Text       string    `json:"text,omitempty"`
	IsError    bool      `json:"isError"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthSignal summarizes the parser's view of worker health.
type HealthSignal struct {
	State            string `json:"state"`
	MSSinceLastEvent int64  `json:"msSinceLastEvent"`
	ErrorCount       int    `json:"errorCount"`
	TotalEvents      int    `json:"totalEvents"`
	IsHealthy        bool   `json:"isHealthy"`
}

// rawEvent mirrors the worker's wire format.
type rawEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Duration  int64  `json:"duration_ms"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Parser is a stateful incremental NDJSON decoder. Safe for concurrent
// use; in practice a single stdout pump writes and other goroutines read.
type Parser struct {
	mu          sync.Mutex
	events      *ringbuf.Ring[Event]
	outputLines *ringbuf.Ring[string]
	lineBuffer  string // partial trailing line from the previous chunk
	sessionID   string
	state       string
	lastEventAt time.Time
	errorCount  int
	totalEvents int
	now         func() time.Time
}

// New creates an empty Parser in the "idle" state.
func New() *Parser {
	return &Parser{
		events:      ringbuf.New[Event](maxEvents),
		outputLines: ringbuf.New[string](maxOutputLines),
		state:       "idle",
		now:         time.Now,
	}
}

// ParseLine decodes a single line. Returns (event, true) for a JSON
// event line; plain text lines are buffered internally and return false.
func (p *Parser) ParseLine(line string) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parseLineLocked(line)
}

// ParseBatch decodes a chunk of stdout. A partial trailing line is
// buffered and prepended to the next call, so splitting a stream at
// arbitrary byte boundaries yields the same events as one big chunk.
func (p *Parser) ParseBatch(chunk string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if chunk == "" {
		return nil
	}

	data := chunk
	if p.lineBuffer != "" {
		data = p.lineBuffer + chunk
		p.lineBuffer = ""
	}

	lines := strings.Split(data, "\n")

	// The final element is either "" (chunk ended on a newline) or an
	// incomplete line that must wait for the next chunk.
	last := lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	if last != "" {
		p.lineBuffer = last
	}

	var events []Event
	for _, line := range lines {
		if ev, ok := p.parseLineLocked(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush force-parses any buffered partial line. Call on stream EOF.
func (p *Parser) Flush() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lineBuffer == "" {
		return nil
	}
	line := p.lineBuffer
	p.lineBuffer = ""
	if ev, ok := p.parseLineLocked(line); ok {
		return []Event{ev}
	}
	return nil
}

func (p *Parser) parseLineLocked(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, false
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil || raw.Type == "" {
		// Not a JSON event: keep as plain text output. Plain lines do
		// not advance the event clock.
		p.pushOutput(trimmed)
		return Event{}, false
	}

	now := p.now()
	p.lastEventAt = now
	ev := p.processRaw(raw, now)
	p.pushEvent(ev)
	return ev, true
}

func (p *Parser) processRaw(raw rawEvent, now time.Time) Event {
	ev := Event{
		EventType: raw.Type,
		Subtype:   raw.Subtype,
		SessionID: raw.SessionID,
		Timestamp: now,
	}

	switch raw.Type {
	case EventSystem:
		if raw.Subtype == "init" && raw.SessionID != "" {
			p.sessionID = raw.SessionID
			p.state = "ready"
		}
	case EventAssistant:
		p.state = "working"
		if raw.Message != nil {
			var b strings.Builder
			for _, c := range raw.Message.Content {
				if c.Type == "text" && c.Text != "" {
					b.WriteString(c.Text)
					p.pushOutput(c.Text)
				}
			}
			ev.Text = b.String()
		}
	case EventResult:
		p.state = "ready"
		ev.Text = raw.Result
		ev.DurationMS = raw.Duration
		if raw.Subtype == "error" {
			ev.IsError = true
		}
	case EventError:
		ev.IsError = true
	}

	if raw.Subtype == "error" {
		ev.IsError = true
	}
	if ev.IsError {
		p.errorCount++
	}
	p.totalEvents++

	return ev
}

// RecentOutput returns up to limit of the most recent plain-text lines,
// oldest first. limit <= 0 defaults to 100.
func (p *Parser) RecentOutput(limit int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	return p.outputLines.Tail(limit)
}

// DrainOutput returns all buffered plain-text lines and clears the buffer.
func (p *Parser) DrainOutput() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.outputLines.Items()
	p.outputLines.Clear()
	return out
}

// HealthSignal derives a health snapshot from the event stream. A worker
// stuck in "working" with no events for over a minute is unhealthy.
func (p *Parser) HealthSignal() HealthSignal {
	p.mu.Lock()
	defer p.mu.Unlock()

	var msSince int64
	if !p.lastEventAt.IsZero() {
		msSince = p.now().Sub(p.lastEventAt).Milliseconds()
	}

	return HealthSignal{
		State:            p.state,
		MSSinceLastEvent: msSince,
		ErrorCount:       p.errorCount,
		TotalEvents:      p.totalEvents,
		IsHealthy:        msSince < staleWorking.Milliseconds() || p.state != "working",
	}
}

// SessionID returns the session id seen in the init event, or "".
func (p *Parser) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// State returns the parser's view of the worker state.
func (p *Parser) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RecentEvents returns up to limit of the most recent parsed events,
// oldest first.
func (p *Parser) RecentEvents(limit int) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 {
		limit = maxEvents
	}
	return p.events.Tail(limit)
}

func (p *Parser) pushEvent(ev Event) {
	p.events.Push(ev)
}

func (p *Parser) pushOutput(line string) {
	p.outputLines.Push(line)
}
