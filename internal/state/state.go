// Package state holds the canonical mutable document all clients converge
// toward: a fixed set of tracked collections plus arbitrary passthrough
// fields. Full uploads merge additively — the server never loses an item
// it knows about just because a client omitted it.
package state

import (
	"fmt"
	"sync"
)

// Collections reconciled by id during a full replace. Order within a
// collection is insertion order; logs are append-only and chronological.
var trackedCollections = []string{
	"documents", "tasks", "logs", "workflows",
	"goals", "memoryFiles", "notes", "connectedSystems",
}

// EntityKind and ActionKind form the typed dispatch table for incremental
// patches. Unknown pairs are deliberate no-ops so newer clients can send
// event kinds this server does not fold yet.
type EntityKind int

const (
	EntityUnknown EntityKind = iota
	EntityDocument
	EntityTask
	EntityLog
	EntityWorkflow
	EntityNote
	EntityConnectedSystem
	EntityGoal
)

type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionCreate
	ActionUpdate
	ActionDelete
)

func ParseEntity(s string) EntityKind {
	switch s {
	case "document":
		return EntityDocument
	case "task":
		return EntityTask
	case "log":
		return EntityLog
	case "workflow":
		return EntityWorkflow
	case "note":
		return EntityNote
	case "connectedSystems":
		return EntityConnectedSystem
	case "goal":
		return EntityGoal
	}
	return EntityUnknown
}

func ParseAction(s string) ActionKind {
	switch s {
	case "add", "create":
		return ActionCreate
	case "update":
		return ActionUpdate
	case "delete":
		return ActionDelete
	}
	return ActionUnknown
}

func (e EntityKind) collection() string {
	switch e {
	case EntityDocument:
		return "documents"
	case EntityTask:
		return "tasks"
	case EntityLog:
		return "logs"
	case EntityWorkflow:
		return "workflows"
	case EntityNote:
		return "notes"
	case EntityConnectedSystem:
		return "connectedSystems"
	case EntityGoal:
		return "goals"
	}
	return ""
}

// Store is the process-lifetime singleton for the canonical document.
// Handlers in a preemptive runtime must not touch the document directly;
// the mutex here serializes every mutation.
type Store struct {
	mu  sync.Mutex
	doc map[string]any
}

func New() *Store {
	return &Store{}
}

// Load installs a document parsed from disk at boot. A nil doc means the
// deployment has no canonical state yet.
func (s *Store) Load(doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = cloneMap(doc)
}

// Get returns a snapshot of the document, or nil when none exists.
func (s *Store) Get() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	return cloneMap(s.doc)
}

// ReplaceFull installs a client's full upload as the new canonical state,
// merged additively per tracked collection:
//   - items the server knows about survive unless the upload names the same
//     id, in which case the incoming item wins outright;
//   - a tracked key that is missing or not a list in the upload is replaced
//     by the server's copy;
//   - untracked keys pass through verbatim;
//   - malformed notes (content missing, non-string, empty, or the literal
//     "undefined") are dropped.
//
// Removing an item by omitting it from an upload therefore does NOT delete
// it; deletion happens only through an explicit delete patch.
func (s *Store) ReplaceFull(incoming map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := cloneMap(incoming)
	if merged == nil {
		merged = map[string]any{}
	}
	if s.doc != nil {
		for _, key := range trackedCollections {
			current, currentIsList := s.doc[key].([]any)
			inc, incomingIsList := merged[key].([]any)
			switch {
			case currentIsList && incomingIsList:
				seen := make(map[any]struct{}, len(inc))
				for _, item := range inc {
					if id, ok := idOf(item); ok {
						seen[id] = struct{}{}
					}
				}
				for _, item := range current {
					id, ok := idOf(item)
					if !ok {
						continue
					}
					if _, dup := seen[id]; !dup {
						inc = append(inc, cloneValue(item))
					}
				}
				merged[key] = inc
			case currentIsList && !incomingIsList:
				merged[key] = cloneValue(s.doc[key])
			}
		}
	}
	sanitizeNotes(merged)
	s.doc = merged
	return cloneMap(merged)
}

// ApplyPatch folds one accepted event into the canonical document. Errors
// and panics are reported to the caller for logging but never undo the
// journal append that produced the event; a failed patch leaves the
// document stale until the next full upload.
func (s *Store) ApplyPatch(eventType, action string, data map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply %s/%s: %v", eventType, action, r)
		}
	}()

	entity := ParseEntity(eventType)
	verb := ParseAction(action)
	if entity == EntityUnknown || verb == ActionUnknown {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		// No canonical state yet; nothing to fold into.
		return nil
	}

	data = cloneMap(data)
	switch entity {
	case EntityLog:
		if verb == ActionCreate {
			s.appendTo("logs", data)
		}
	case EntityNote:
		switch verb {
		case ActionCreate:
			s.appendIfAbsent("notes", data)
		case ActionDelete:
			s.removeByID("notes", data["id"])
		}
	case EntityTask:
		switch verb {
		case ActionCreate, ActionUpdate:
			s.upsert("tasks", data, true)
		case ActionDelete:
			s.removeByID("tasks", data["id"])
		}
	case EntityDocument:
		if verb == ActionCreate || verb == ActionUpdate {
			s.upsert("documents", data, false)
		}
	case EntityWorkflow:
		if verb == ActionCreate || verb == ActionUpdate {
			s.upsert("workflows", data, false)
		}
	case EntityConnectedSystem:
		if verb == ActionCreate || verb == ActionUpdate {
			s.upsert("connectedSystems", data, false)
		}
	case EntityGoal:
		if verb == ActionCreate || verb == ActionUpdate {
			s.upsert("goals", data, false)
		}
	}
	return nil
}

// upsert replaces the item with a matching id, or appends. With merge set,
// incoming fields are laid over the existing item instead of replacing it
// wholesale (tasks accumulate fields across partial updates).
func (s *Store) upsert(key string, data map[string]any, merge bool) {
	list := s.list(key)
	id, _ := idOf(data)
	for i, item := range list {
		existing, ok := idOf(item)
		if !ok || existing != id {
			continue
		}
		if merge {
			base, _ := item.(map[string]any)
			next := cloneMap(base)
			if next == nil {
				next = map[string]any{}
			}
			for k, v := range data {
				next[k] = v
			}
			list[i] = next
		} else {
			list[i] = data
		}
		s.doc[key] = list
		return
	}
	s.doc[key] = append(list, data)
}

func (s *Store) appendTo(key string, data map[string]any) {
	s.doc[key] = append(s.list(key), data)
}

func (s *Store) appendIfAbsent(key string, data map[string]any) {
	list := s.list(key)
	id, _ := idOf(data)
	for _, item := range list {
		if existing, ok := idOf(item); ok && existing == id {
			return
		}
	}
	s.doc[key] = append(list, data)
}

func (s *Store) removeByID(key string, id any) {
	list, ok := s.doc[key].([]any)
	if !ok {
		return
	}
	want, ok := normalizeID(id)
	if !ok {
		return
	}
	kept := list[:0]
	for _, item := range list {
		if existing, ok := idOf(item); ok && existing == want {
			continue
		}
		kept = append(kept, item)
	}
	s.doc[key] = kept
}

// list returns the collection, creating it when missing or mistyped.
func (s *Store) list(key string) []any {
	if list, ok := s.doc[key].([]any); ok {
		return list
	}
	return nil
}

func sanitizeNotes(doc map[string]any) {
	notes, ok := doc["notes"].([]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(notes))
	for _, item := range notes {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, ok := m["content"].(string)
		if !ok || content == "" || content == "undefined" {
			continue
		}
		kept = append(kept, item)
	}
	doc["notes"] = kept
}

// idOf extracts a comparable, truthy id from a collection item.
func idOf(item any) (any, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return nil, false
	}
	return normalizeID(m["id"])
}

func normalizeID(id any) (any, bool) {
	switch v := id.(type) {
	case string:
		if v == "" {
			return nil, false
		}
		return v, true
	case float64:
		if v == 0 {
			return nil, false
		}
		return v, true
	case int:
		if v == 0 {
			return nil, false
		}
		return float64(v), true
	case bool:
		if !v {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
