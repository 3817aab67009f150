// Package journal holds the append-only, time-ordered log of accepted
// change events. It is purely in-memory; the persist package snapshots it
// to disk on its own schedule.
package journal

import (
	"errors"
	"sync"
	"time"
)

// Timestamps are ISO-8601 UTC with millisecond precision. Poll filtering
// compares them as strings, which is only sound because every timestamp is
// produced by this one format.
const TimeLayout = "2006-01-02T15:04:05.000Z"

var ErrInvalidEvent = errors.New("event requires non-empty type, action and data")

// Event is one accepted change notification. Immutable once appended;
// TS is always assigned server-side.
type Event struct {
	TS     string         `json:"ts"`
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Source string         `json:"source"`
	Data   map[string]any `json:"data"`
}

// Incoming is a client-submitted event before acceptance. Any client
// timestamp is ignored.
type Incoming struct {
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Source string         `json:"source"`
	Data   map[string]any `json:"data"`
}

const DefaultSource = "agent"

type Journal struct {
	mu     sync.Mutex
	events []Event
	cap    int
	now    func() time.Time
}

func New(cap int) *Journal {
	if cap <= 0 {
		cap = 2000
	}
	return &Journal{cap: cap, now: time.Now}
}

// Load replaces the journal contents with a snapshot read from disk.
func (j *Journal) Load(events []Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append([]Event(nil), events...)
}

// Append accepts a single event, stamping it with the server clock.
func (j *Journal) Append(in Incoming) (Event, error) {
	if in.Type == "" || in.Action == "" || in.Data == nil {
		return Event{}, ErrInvalidEvent
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	ev := Event{
		TS:     j.now().UTC().Format(TimeLayout),
		Type:   in.Type,
		Action: in.Action,
		Source: sourceOrDefault(in.Source),
		Data:   in.Data,
	}
	j.events = append(j.events, ev)
	return ev, nil
}

// AppendBatch accepts several events submitted together. Timestamps are
// synthesized as now+index milliseconds so relative order within the batch
// survives even when the wall clock would not distinguish the items.
func (j *Journal) AppendBatch(items []Incoming) ([]Event, error) {
	if len(items) == 0 {
		return nil, ErrInvalidEvent
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	base := j.now().UTC()
	stored := make([]Event, 0, len(items))
	for i, in := range items {
		stored = append(stored, Event{
			TS:     base.Add(time.Duration(i) * time.Millisecond).Format(TimeLayout),
			Type:   in.Type,
			Action: in.Action,
			Source: sourceOrDefault(in.Source),
			Data:   in.Data,
		})
	}
	j.events = append(j.events, stored...)
	return stored, nil
}

// Since returns every event with ts strictly greater than since. The
// comparison is lexicographic; a malformed since yields a harmless result
// rather than an error.
func (j *Journal) Since(since string) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Event
	for _, ev := range j.events {
		if ev.TS > since {
			out = append(out, ev)
		}
	}
	return out
}

// Recent returns the newest n events in order.
func (j *Journal) Recent(n int) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n > len(j.events) {
		n = len(j.events)
	}
	return append([]Event(nil), j.events[len(j.events)-n:]...)
}

// All returns the full journal for cold-start reconciliation.
func (j *Journal) All() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Event(nil), j.events...)
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.events)
}

// Last returns the most recent event, if any.
func (j *Journal) Last() (Event, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.events) == 0 {
		return Event{}, false
	}
	return j.events[len(j.events)-1], true
}

// Trim discards the oldest events above the cap and reports how many were
// dropped. Never fails; the journal cannot reject writes due to size.
func (j *Journal) Trim() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.events) <= j.cap {
		return 0
	}
	dropped := len(j.events) - j.cap
	j.events = append([]Event(nil), j.events[dropped:]...)
	return dropped
}

func sourceOrDefault(source string) string {
	if source == "" {
		return DefaultSource
	}
	return source
}
